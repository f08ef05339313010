package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"faultdesk/internal/app"
	"faultdesk/internal/config"
	"faultdesk/internal/db"
	"faultdesk/internal/domain"
	"faultdesk/internal/log"
	"faultdesk/internal/server"
	"faultdesk/internal/store"
	"faultdesk/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "faultdesk",
	Short: "Faultdesk CLI",
	Long: `Faultdesk records equipment faults from the plant floor.
- Workspace: the .faultdesk directory holding the local sqlite database; faultdesk.yml sits next to it.
- Directory: equipment offered on the entry form, read from the equipment table, falling back to equipment seen in past faults.
- Fault id: a letter followed by digits (A013); each successful submit suggests the next one.
- Store: sqlite by default; point store.driver/store.dsn at mysql or postgres (pgx) to share the plant database.
- Event log: every recorded fault appends a fault.recorded event, view with 'faultdesk log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FAULTDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("config", "", "config file (default <workspace>/faultdesk.yml)")
	flags.String("driver", "", "store driver override: sqlite, mysql, pgx")
	flags.String("dsn", "", "store DSN override")
	for _, name := range []string{"workspace", "json", "actor-id", "config", "driver", "dsn"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(equipmentCmd())
	rootCmd.AddCommand(faultsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func submitCmd() *cobra.Command {
	var (
		d                               domain.Draft
		faultTS, resolutionTS, received string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Validate and record one fault",
		Long:  "Submit runs the entry form checks in order and stores the fault. --fault-id defaults to the next identifier derived from stored faults.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if d.FaultTimestamp, err = parseTime("fault-time", faultTS); err != nil {
				return err
			}
			if d.MessageReceivedTimestamp, err = parseTime("received-time", received); err != nil {
				return err
			}
			if resolutionTS != "" {
				ts, err := parseTime("resolution-time", resolutionTS)
				if err != nil {
					return err
				}
				d.IncludeResolution = true
				d.ResolutionTimestamp = &ts
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				suggestion := a.HistorySuggestion(ctx)
				if !cmd.Flags().Changed("fault-id") {
					d.FaultID = suggestion
				}
				sess := workflow.NewSession(viper.GetString("actor-id"), suggestion)
				res := a.Workflow.HandleSubmit(ctx, d, sess)
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					fmt.Println(res.Message)
					fmt.Println("next fault id:", res.Suggestion)
				}
				switch res.State {
				case workflow.StateRejected:
					return fmt.Errorf("rejected: %s", res.FieldError.Code)
				case workflow.StateFailed:
					return errors.New("insert failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&d.EquipmentSelection, "equipment", "", "equipment key or directory label")
	cmd.Flags().StringVar(&d.FaultType, "fault-type", "", "fault type")
	cmd.Flags().StringVar(&d.SeverityLevel, "severity", "", "severity level")
	cmd.Flags().StringVar(&d.EquipmentStatus, "equipment-status", "", "equipment status")
	cmd.Flags().StringVar(&d.ProductID, "product", "", "product id")
	cmd.Flags().StringVar(&d.FaultStatus, "fault-status", "", "fault status")
	cmd.Flags().StringVar(&d.Description, "description", "", "free-text description")
	cmd.Flags().StringVar(&d.FaultID, "fault-id", "", "fault identifier, e.g. A013")
	cmd.Flags().StringVar(&faultTS, "fault-time", "", "fault time, RFC3339 (default now)")
	cmd.Flags().StringVar(&resolutionTS, "resolution-time", "", "resolution time, RFC3339")
	cmd.Flags().StringVar(&received, "received-time", "", "message received time, RFC3339 (default now)")
	return cmd
}

func suggestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Print the next fault id derived from stored faults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				next := a.HistorySuggestion(ctx)
				if viper.GetBool("json") {
					return printJSON(map[string]string{"suggestion": next})
				}
				fmt.Println(next)
				return nil
			})
		},
	}
	return cmd
}

func equipmentCmd() *cobra.Command {
	eq := &cobra.Command{Use: "equipment", Short: "Inspect the equipment directory"}
	eq.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List equipment offered on the entry form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				listing := a.Directory.List(ctx)
				if viper.GetBool("json") {
					return printJSON(listing)
				}
				if listing.ManualEntry() {
					fmt.Println("directory empty: equipment must be entered manually")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Label", "Line"})
				for _, e := range listing.Entries {
					tw.AppendRow(table.Row{e.EquipmentKey, e.Label(), e.ProductionLine})
				}
				tw.SetCaption("source: %s", listing.Mode)
				tw.Render()
				return nil
			})
		},
	})
	return eq
}

func faultsCmd() *cobra.Command {
	f := &cobra.Command{Use: "faults", Short: "Read recorded faults"}
	f.AddCommand(faultsListCmd())
	f.AddCommand(faultsTrendCmd())
	return f
}

func faultsListCmd() *cobra.Command {
	var (
		filter store.FaultFilter
		since  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent faults, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				ts, err := parseTime("since", since)
				if err != nil {
					return err
				}
				filter.Since = &ts
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				faults, next, err := a.Store.ListFaults(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": faults, "next_cursor": next})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Fault ID", "Equipment", "Type", "Severity", "Status", "Product", "Fault time", "Recorded by"})
				for _, r := range faults {
					tw.AppendRow(table.Row{r.FaultID, r.EquipmentKey, r.FaultType, r.SeverityLevel, r.FaultStatus, r.ProductID,
						r.FaultTimestamp.Local().Format("2006-01-02 15:04"), r.RecordedBy})
				}
				if next != "" {
					tw.SetCaption("more: --cursor %s", next)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.EquipmentKey, "equipment", "", "equipment key filter")
	cmd.Flags().StringVar(&filter.SeverityLevel, "severity", "", "severity filter")
	cmd.Flags().StringVar(&filter.FaultStatus, "status", "", "fault status filter")
	cmd.Flags().StringVar(&since, "since", "", "only faults at or after this RFC3339 time")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&filter.Cursor, "cursor", "", "page cursor")
	return cmd
}

func faultsTrendCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Count faults per day and severity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be positive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC()
				since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))
				counts, err := a.Store.DailyCounts(ctx, since)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Day", "Severity", "Count"})
				total := 0
				for _, c := range counts {
					tw.AppendRow(table.Row{c.Day, c.SeverityLevel, c.Count})
					total += c.Count
				}
				tw.AppendFooter(table.Row{"", "Total", total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 14, "number of days including today")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f store.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Store.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
		Long:  "API keys authenticate plant terminals against 'faultdesk serve' through the X-Api-Key header. Only the hash is stored.",
	}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyRevokeCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "fdk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: viper.GetString("actor-id"),
				Name:    name,
				KeyHash: store.HashAPIKey(secret),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("created key %s for %s\n%s\n(store it now; it cannot be shown again)\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func keyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			if all {
				actor = ""
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Store.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is faultdesk.yml in the workspace: form choices, the default fault id, directory cache timings, and the store connection. Missing keys fall back to built-in defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(appOptions())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default faultdesk.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: viper.GetBool("allow-actor-header"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("FAULTDESK_JWT_SECRET (or --jwt-secret) is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(a.Store, a.Config.Webhooks, a.Logger).Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Infow("serving faultdesk api", "addr", addr, "base_path", basePath, "driver", a.Config.Store.Driver)
				fmt.Printf("Serving faultdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs, metrics at /metrics)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	cmd.Flags().Bool("allow-actor-header", false, "trust an unauthenticated X-Actor-Id header (local use only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("allow-actor-header", cmd.Flags().Lookup("allow-actor-header"))
	return cmd
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Driver:     viper.GetString("driver"),
		DSN:        viper.GetString("dsn"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	opts := appOptions()
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return err
	}
	cfg, err := app.LoadConfig(opts)
	if err != nil {
		return err
	}
	log.InitLogger(cfg.Logging)
	defer log.Sync()
	opts.Logger = log.Default()
	a, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseTime(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04"} {
		if ts, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: %q is not an RFC3339 time", flag, v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
