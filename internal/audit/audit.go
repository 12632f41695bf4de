package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one audit record: an order transition, an invoice history action
// or a compensation decision.
type Entry struct {
	Time        time.Time              `json:"time"`
	Aggregate   string                 `json:"aggregate"`
	AggregateID string                 `json:"aggregate_id"`
	Action      string                 `json:"action"`
	From        string                 `json:"from,omitempty"`
	To          string                 `json:"to,omitempty"`
	EventID     string                 `json:"event_id,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Recorder stores audit entries outside the transactional database
type Recorder interface {
	Record(ctx context.Context, entries ...Entry) error
}

// LogRecorder writes entries to the structured log
type LogRecorder struct {
	log zerolog.Logger
}

func NewLogRecorder(log zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		r.log.Info().
			Str("aggregate", e.Aggregate).
			Str("aggregate_id", e.AggregateID).
			Str("action", e.Action).
			Str("from", e.From).
			Str("to", e.To).
			Str("event_id", e.EventID).
			Fields(e.Details).
			Msg("audit")
	}
	return nil
}

// Trail collects entries during a unit of work so they are only recorded
// once the unit has committed.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
}

type trailKey struct{}

// WithTrail returns a context carrying a fresh trail
func WithTrail(ctx context.Context) (context.Context, *Trail) {
	t := &Trail{}
	return context.WithValue(ctx, trailKey{}, t), t
}

// Add appends e to the trail carried by ctx. It is a no-op without one.
func Add(ctx context.Context, e Entry) {
	t, ok := ctx.Value(trailKey{}).(*Trail)
	if !ok {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
}

// Entries returns a copy of the collected entries
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Flush hands the collected entries to r. Audit failures never fail the unit
// of work; they are logged.
func (t *Trail) Flush(ctx context.Context, r Recorder, log zerolog.Logger) {
	entries := t.Entries()
	if r == nil || len(entries) == 0 {
		return
	}
	if err := r.Record(ctx, entries...); err != nil {
		log.Warn().Err(err).Int("entries", len(entries)).Msg("Failed to record audit trail")
	}
}
