// Package pipeline implements the data pipeline (C5): an ordered chain of
// filters and processors applied to every chunk flowing out of a PTY before
// it reaches buffers, the pattern engine, or clients.
package pipeline

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is one chunk moving through the pipeline.
type Event struct {
	SessionID       string
	Data            []byte
	OriginalData    []byte
	TimestampMs     int64
	Transformations []string
	Metadata        map[string]any
}

// Filter is a boolean stage: false drops the event entirely.
type Filter interface {
	Name() string
	Apply(Event) bool
}

// Processor transforms an event, or drops it by returning ok=false.
type Processor interface {
	Name() string
	Priority() int
	Apply(Event) (out Event, ok bool)
}

// AuditKind distinguishes the internal audit events a Process call reports.
type AuditKind string

const (
	AuditRaw       AuditKind = "data:raw"
	AuditBlocked   AuditKind = "data:blocked"
	AuditDropped   AuditKind = "data:dropped"
	AuditProcessed AuditKind = "data:processed"
)

// AuditEvent records one stage's effect on an event, for audit/observability
// callers. The spec's source emits these as named events on a shared bus;
// here they're returned to the caller directly rather than broadcast on a
// side channel, since Go callers can just inspect the slice.
type AuditEvent struct {
	Kind  AuditKind
	Stage string
	Event Event
}

// Pipeline holds an ordered filter+processor chain. Filters run in
// registration order; processors run in ascending Priority() order, ties
// broken by registration order (stable sort).
type Pipeline struct {
	mu         sync.RWMutex
	filters    []Filter
	processors []Processor
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// AddFilter appends a filter to the chain.
func (p *Pipeline) AddFilter(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, f)
}

// AddProcessor inserts a processor, keeping the chain sorted by priority
// with registration order as the tiebreaker.
func (p *Pipeline) AddProcessor(pr Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processors = append(p.processors, pr)
	sort.SliceStable(p.processors, func(i, j int) bool {
		return p.processors[i].Priority() < p.processors[j].Priority()
	})
}

// Process runs chunk through the full chain for sessionID and returns the
// final processed event (ok=false if it was dropped) plus every audit event
// generated along the way, in order.
func (p *Pipeline) Process(sessionID string, chunk []byte, timestampMs int64) (out Event, ok bool, audit []AuditEvent) {
	p.mu.RLock()
	filters := append([]Filter(nil), p.filters...)
	processors := append([]Processor(nil), p.processors...)
	p.mu.RUnlock()

	ev := Event{
		SessionID:    sessionID,
		Data:         chunk,
		OriginalData: chunk,
		TimestampMs:  timestampMs,
		Metadata:     make(map[string]any),
	}
	audit = append(audit, AuditEvent{Kind: AuditRaw, Stage: "", Event: ev})

	for _, f := range filters {
		pass, failedName := p.runFilter(f, ev)
		if !pass {
			audit = append(audit, AuditEvent{Kind: AuditBlocked, Stage: failedName, Event: ev})
			return Event{}, false, audit
		}
	}

	for _, pr := range processors {
		next, keep, dropped := p.runProcessor(pr, ev)
		if dropped {
			audit = append(audit, AuditEvent{Kind: AuditDropped, Stage: pr.Name(), Event: ev})
			return Event{}, false, audit
		}
		if keep {
			ev = next
		}
		// on a stage error, ev is left unchanged and the chain continues
		// (see runProcessor's contract).
	}

	audit = append(audit, AuditEvent{Kind: AuditProcessed, Stage: "", Event: ev})
	return ev, true, audit
}

// runFilter invokes f, recovering from a panic and treating it as "pass
// unchanged" per §7: a thrown exception in a stage is caught, logged, and
// the original event continues through the remaining chain.
func (p *Pipeline) runFilter(f Filter, ev Event) (pass bool, name string) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("pipeline: filter %s panicked: %v; bypassing stage", f.Name(), r)
			pass = true
		}
	}()
	return f.Apply(ev), f.Name()
}

// runProcessor invokes pr, recovering from a panic the same way runFilter
// does: on a panic it returns ev unchanged with keep=true. dropped is true
// (and keep false) only when the processor deliberately dropped the event.
func (p *Pipeline) runProcessor(pr Processor, ev Event) (out Event, keep bool, dropped bool) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("pipeline: processor %s panicked: %v; bypassing stage", pr.Name(), r)
			out = ev
			keep = true
			dropped = false
		}
	}()

	next, ok := pr.Apply(ev)
	if !ok {
		return Event{}, false, true
	}
	next.Transformations = append(append([]string(nil), ev.Transformations...), pr.Name())
	return next, true, false
}
