// Package events emits the structured decision log consumed by the analytics
// layer. Field names are part of the downstream contract; do not rename them.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// Category groups events for downstream aggregation.
type Category string

// Event categories.
const (
	CategoryFilter     Category = "filter"
	CategoryTransition Category = "transition"
	CategoryOrder      Category = "order"
	CategoryRisk       Category = "risk"
	CategoryRun        Category = "run"
	CategoryData       Category = "data"
)

// Outcome values.
const (
	OutcomePass      = "pass"
	OutcomeReject    = "reject"
	OutcomeSubmitted = "submitted"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeTriggered = "triggered"
	OutcomeApplied   = "applied"
	OutcomeWarning   = "warning"
	OutcomeOK        = "ok"
)

// Event is one structured record. Fields carries category-specific keys such
// as stage, symbol, observed, threshold, cycle_id or idempotency_key.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	Fields     map[string]any `json:"fields,omitempty"`
	Underlying string         `json:"underlying"`
	Category   Category       `json:"event_category"`
	Type       string         `json:"event_type"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(e Event)
}

// New stamps an event with the current time.
func New(underlying string, category Category, eventType, outcome, reason string) Event {
	return Event{
		Timestamp:  time.Now().UTC(),
		Underlying: underlying,
		Category:   category,
		Type:       eventType,
		Outcome:    outcome,
		Reason:     reason,
	}
}

// With returns a copy of e with an extra field set.
func (e Event) With(key string, value any) Event {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// FromFilterResult converts an audit record into a filter event.
func FromFilterResult(r models.FilterResult) Event {
	outcome := OutcomePass
	if !r.Passed {
		outcome = OutcomeReject
	}
	return Event{
		Timestamp:  r.Timestamp,
		Underlying: r.Underlying,
		Category:   CategoryFilter,
		Type:       string(r.Stage),
		Outcome:    outcome,
		Reason:     r.Reason,
		Fields: map[string]any{
			"stage":       string(r.Stage),
			"symbol":      r.Symbol,
			"option_type": string(r.OptionType),
			"observed":    r.Observed,
			"threshold":   r.Threshold,
		},
	}
}

// Transition builds a cycle transition event.
func Transition(underlying, cycleID string, from, to models.Stage, condition string) Event {
	return New(underlying, CategoryTransition, condition, OutcomeApplied, "").
		With("cycle_id", cycleID).
		With("from_stage", string(from)).
		With("to_stage", string(to))
}

// LogSink writes events through logrus. Use a JSON formatter in production so
// each event is one machine-readable line.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink on logger (nil uses the standard logger).
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event at a level matching its outcome.
func (s *LogSink) Emit(e Event) {
	fields := logrus.Fields{
		"ts":             e.Timestamp.Format(time.RFC3339Nano),
		"underlying":     e.Underlying,
		"event_category": string(e.Category),
		"event_type":     e.Type,
		"outcome":        e.Outcome,
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	for k, v := range e.Fields {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	entry := s.logger.WithFields(fields)
	switch e.Outcome {
	case OutcomeFailed:
		entry.Error("event")
	case OutcomeWarning, OutcomeTriggered:
		entry.Warn("event")
	case OutcomePass:
		entry.Debug("event")
	default:
		entry.Info("event")
	}
}

// Recorder keeps events in memory. Used by tests and the trigger API.
type Recorder struct {
	events []Event
	mu     sync.Mutex
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns recorded events matching underlying (any when empty) and category.
func (r *Recorder) Filter(underlying string, category Category) []Event {
	var out []Event
	for _, e := range r.Events() {
		if (underlying == "" || e.Underlying == underlying) && e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit forwards e to every non-nil sink.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard drops everything.
type Discard struct{}

// Emit does nothing.
func (Discard) Emit(Event) {}
