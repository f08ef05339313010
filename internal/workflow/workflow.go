// Package workflow runs one fault submission from draft to stored record.
//
// A submission moves idle -> validating and then either to rejected, or to
// persisting and then succeeded or failed. Every outcome is returned as a
// Result; nothing here panics or returns a bare error to the caller.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"faultdesk/internal/directory"
	"faultdesk/internal/domain"
	"faultdesk/internal/identifier"
	"faultdesk/internal/log"
	"faultdesk/internal/store"
	"faultdesk/internal/validation"
)

type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StatePersisting State = "persisting"
	StateSucceeded  State = "succeeded"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"
)

const (
	DefaultInsertTimeout = 30 * time.Second

	// FailedMessage is all an operator sees of a store failure.
	FailedMessage = "Insert failed. Please try again."

	// DuplicateMessage replaces FailedMessage when store.unique_fault_ids
	// refused the identifier.
	DuplicateMessage = "Faultid %s is already recorded. Please choose a different Faultid."
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faultdesk_submissions_total",
		Help: "Fault submissions by outcome.",
	}, []string{"outcome"})
	insertSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "faultdesk_store_insert_seconds",
		Help:    "Time spent persisting a fault record.",
		Buckets: prometheus.DefBuckets,
	})
)

// Inserter persists a validated record.
type Inserter interface {
	Insert(ctx context.Context, rec domain.FaultRecord, actorID string) (store.Ack, error)
}

// Suggester computes the identifier following a stored one.
type Suggester interface {
	Next(ctx context.Context, submitted string) (string, error)
}

// Result is what a submission ended as.
type Result struct {
	State       State                  `json:"state"`
	Transitions []State                `json:"transitions"`
	Message     string                 `json:"message"`
	FieldError  *validation.FieldError `json:"field_error,omitempty"`
	Record      *domain.FaultRecord    `json:"record,omitempty"`
	Ack         *store.Ack             `json:"ack,omitempty"`
	Suggestion  string                 `json:"suggestion"`
	// Duplicate is set on a failed result whose identifier was already
	// recorded.
	Duplicate bool `json:"duplicate,omitempty"`
}

type Workflow struct {
	Store     Inserter
	Validator *validation.Validator
	Policy    Suggester
	// Directory, when set, lets operators submit a picker label instead of
	// the bare equipment key.
	Directory     *directory.Directory
	InsertTimeout time.Duration
	// DefaultSuggestion is offered when the next identifier cannot be derived.
	// Empty means identifier.DefaultSuggestion.
	DefaultSuggestion string
	Logger            log.Logger
}

func (w Workflow) logger() log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// HandleSubmit validates draft and, when it passes, stores it and advances
// the session suggestion. The insert is bounded by InsertTimeout and is not
// cancelled when ctx is; a timeout ends the submission as failed with no
// retry.
func (w Workflow) HandleSubmit(ctx context.Context, draft domain.Draft, sess *Session) Result {
	res := Result{State: StateIdle, Transitions: []State{StateIdle}}
	move := func(s State) {
		res.State = s
		res.Transitions = append(res.Transitions, s)
	}

	move(StateValidating)
	draft = w.resolveEquipment(ctx, draft)
	rec, ferr := w.Validator.Validate(draft)
	if ferr != nil {
		move(StateRejected)
		res.FieldError = ferr
		res.Message = ferr.Message
		res.Suggestion = sess.Suggestion()
		submissionsTotal.WithLabelValues(string(StateRejected)).Inc()
		return res
	}
	res.Record = &rec

	move(StatePersisting)
	timeout := w.InsertTimeout
	if timeout <= 0 {
		timeout = DefaultInsertTimeout
	}
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	started := time.Now()
	ack, err := w.Store.Insert(insertCtx, rec, sess.ActorID)
	cancel()
	insertSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		move(StateFailed)
		res.Message = FailedMessage
		if errors.Is(err, store.ErrDuplicateFaultID) {
			res.Duplicate = true
			res.Message = fmt.Sprintf(DuplicateMessage, rec.FaultID)
		}
		res.Suggestion = sess.Suggestion()
		w.logger().Errorw("fault insert failed", "fault_id", rec.FaultID, "actor", sess.ActorID, "err", err)
		submissionsTotal.WithLabelValues(string(StateFailed)).Inc()
		return res
	}
	res.Ack = &ack

	move(StateSucceeded)
	next, err := w.Policy.Next(ctx, rec.FaultID)
	if err != nil {
		w.logger().Warnw("could not derive next fault id", "fault_id", rec.FaultID, "err", err)
		next = w.defaultSuggestion()
	}
	sess.setSuggestion(next)
	res.Suggestion = next
	res.Message = fmt.Sprintf("Fault inserted successfully with Faultid: %s", rec.FaultID)
	w.logger().Infow("fault recorded", "fault_id", rec.FaultID, "id", ack.ID, "actor", sess.ActorID, "next", next)
	submissionsTotal.WithLabelValues(string(StateSucceeded)).Inc()
	return res
}

func (w Workflow) defaultSuggestion() string {
	if identifier.IsValid(w.DefaultSuggestion) {
		return strings.TrimSpace(w.DefaultSuggestion)
	}
	return identifier.DefaultSuggestion
}

// resolveEquipment maps a picked label to its key. A selection the directory
// does not list is dropped so only the manual value can stand in for it; in
// manual mode there is nothing to pick from and the selection is kept.
func (w Workflow) resolveEquipment(ctx context.Context, d domain.Draft) domain.Draft {
	selection := strings.TrimSpace(d.EquipmentSelection)
	if w.Directory == nil || selection == "" || selection == validation.Unselected {
		return d
	}
	listing := w.Directory.List(ctx)
	if key, ok := listing.Resolve(selection); ok {
		d.EquipmentSelection = key
		return d
	}
	if listing.Mode != directory.ModeManual {
		w.logger().Warnw("equipment selection not in directory", "selection", selection, "mode", listing.Mode)
		d.EquipmentSelection = ""
	}
	return d
}
