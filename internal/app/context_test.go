package app

import (
	"context"
	"os"
	"testing"

	"faultdesk/internal/config"
	"faultdesk/internal/domain"
	"faultdesk/internal/log"
	"faultdesk/internal/workflow"
)

func TestOpenBootstrapsWorkspace(t *testing.T) {
	ws := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: ws, Logger: log.NewNop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if got := a.HistorySuggestion(context.Background()); got != "A01" {
		t.Fatalf("empty history suggestion = %q", got)
	}
	sess := a.Sessions.Get("op-1")
	if sess.Suggestion() != "A013" {
		t.Fatalf("fresh session suggestion = %q", sess.Suggestion())
	}
	res := a.Workflow.HandleSubmit(context.Background(), domain.Draft{
		EquipmentManual: "EQ9",
		FaultType:       "No Power",
		SeverityLevel:   "Medium",
		EquipmentStatus: "Stopped",
		ProductID:       "PR3",
		FaultStatus:     "Open",
		FaultID:         sess.Suggestion(),
	}, sess)
	if res.State != workflow.StateSucceeded {
		t.Fatalf("submit: %+v", res)
	}
	if got := a.HistorySuggestion(context.Background()); got != "A014" {
		t.Fatalf("history suggestion = %q", got)
	}
	listing := a.Directory.List(context.Background())
	if listing.Mode != "manual" {
		t.Fatalf("empty equipment table should ask for manual entry, got %s", listing.Mode)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte("store:\n  unique_fault_ids: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(Options{Workspace: ws})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Store.UniqueFaultIDs {
		t.Fatalf("workspace config not applied")
	}
	if _, err := LoadConfig(Options{Workspace: ws, Driver: "mysql"}); err == nil {
		t.Fatalf("mysql without dsn must fail validation")
	}
}
