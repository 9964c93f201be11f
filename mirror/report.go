package mirror

import (
	"fmt"
	"io"
	"sort"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// EventType classifies a reconciliation outcome.
type EventType string

const (
	EventMissing        EventType = "missing"
	EventUnexpected     EventType = "unexpected"
	EventTypeMismatch   EventType = "type_mismatch"
	EventSizeMismatch   EventType = "size_mismatch"
	EventMtimeMismatch  EventType = "mtime_mismatch"
	EventDigestMismatch EventType = "digest_mismatch"
	EventNotRepaired    EventType = "not_repaired"
	EventCopied         EventType = "copied"
	EventCopyFailed     EventType = "copy_failed"
)

// IsMismatch reports whether the event describes a divergence between the
// snapshot and the tree, as opposed to a repair action.
func (t EventType) IsMismatch() bool {
	switch t {
	case EventCopied, EventCopyFailed:
		return false
	}
	return true
}

// Event is one reported outcome.
type Event struct {
	Type     EventType `yaml:"type"`
	Path     string    `yaml:"path"`
	Kind     Kind      `yaml:"kind"`
	Expected string    `yaml:"expected,omitempty"`
	Actual   string    `yaml:"actual,omitempty"`
	Err      string    `yaml:"error,omitempty"`
}

// Report collects the events published by a mismatch policy.
// Subscribers are called synchronously in Publish order.
type Report struct {
	events      []Event
	subscribers []func(Event)
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{}
}

// Subscribe registers fn to be called for every subsequent event.
func (r *Report) Subscribe(fn func(Event)) {
	r.subscribers = append(r.subscribers, fn)
}

// Publish records an event and forwards it to subscribers.
func (r *Report) Publish(e Event) {
	r.events = append(r.events, e)
	for _, fn := range r.subscribers {
		fn(e)
	}
}

// Events returns every published event in order.
func (r *Report) Events() []Event {
	return r.events
}

// Mismatches returns the events that describe divergences.
func (r *Report) Mismatches() []Event {
	return lo.Filter(r.events, func(e Event, _ int) bool { return e.Type.IsMismatch() })
}

// Failures returns the per-entry repair failures.
func (r *Report) Failures() []Event {
	return lo.Filter(r.events, func(e Event, _ int) bool { return e.Type == EventCopyFailed })
}

// Summary counts events by type.
func (r *Report) Summary() map[EventType]int {
	return lo.CountValuesBy(r.events, func(e Event) EventType { return e.Type })
}

// PathsOf returns the sorted paths of events of type t.
func (r *Report) PathsOf(t EventType) []string {
	paths := lo.FilterMap(r.events, func(e Event, _ int) (string, bool) { return e.Path, e.Type == t })
	sort.Strings(paths)
	return paths
}

type reportDoc struct {
	Summary map[EventType]int `yaml:"summary"`
	Events  []Event           `yaml:"events"`
}

// WriteYAML writes the summary and every event to w.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(reportDoc{Summary: r.Summary(), Events: r.events}); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}
