// Package wiring implements Integration wiring (C8): it constructs every
// other component and threads the event subscriptions described in §4.8,
// and owns orderly startup/shutdown.
package wiring

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelltender/shelltender/internal/adminmcp"
	"github.com/shelltender/shelltender/internal/hub"
	"github.com/shelltender/shelltender/internal/pattern"
	"github.com/shelltender/shelltender/internal/pipeline"
	"github.com/shelltender/shelltender/internal/ringbuffer"
	"github.com/shelltender/shelltender/internal/session"
	"github.com/shelltender/shelltender/internal/store"
)

// DefaultIdleTimeout is how long a session with zero attached clients sits
// before the sweep kills it, matching the teacher's sessionIdleTimeout.
const DefaultIdleTimeout = 10 * time.Minute

// sweepInterval is how often the idle/dead-session sweep runs.
const sweepInterval = 30 * time.Second

// Config collects every tunable the wiring layer needs at startup.
type Config struct {
	StoreDir        string
	BufferCapBytes  int
	SendQueueCap    int
	PersistDebounce time.Duration
	IdleTimeout     time.Duration // 0 falls back to DefaultIdleTimeout
}

// System is the fully wired runtime: every component plus the
// subscriptions binding them together.
type System struct {
	Store      *store.Store
	Sessions   *session.Manager
	Buffers    *ringbuffer.Store
	Patterns   *pattern.Engine
	Dispatcher *pattern.Dispatcher
	Pipeline   *pipeline.Pipeline
	Hub        *hub.Hub
	Events     *adminmcp.EventRecorder
	Admin      *adminmcp.Server

	debouncer   *store.Debouncer
	idleTimeout time.Duration
	sweepStop   chan struct{}
	sweepDone   chan struct{}

	unsubData func()
	unsubEnd  func()
}

// Bootstrap wires the full system per §4.8: Store.initialize() first, then
// construct every component, then subscribe the Session Manager's events
// through the pipeline into the buffer, pattern engine, hub, and store.
func Bootstrap(cfg Config) (*System, error) {
	st := store.New(cfg.StoreDir)
	if err := st.Initialize(); err != nil {
		return nil, fmt.Errorf("store initialize: %w", err)
	}

	sessions := session.NewManager(st)
	buffers := ringbuffer.New(cfg.BufferCapBytes)
	patterns := pattern.New()
	pl := pipeline.New()
	h := hub.New(sessions, patterns, buffers, st, cfg.SendQueueCap)
	debouncer := store.NewDebouncer(st, cfg.PersistDebounce)
	events := adminmcp.NewEventRecorder(0)

	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	sys := &System{
		Store:       st,
		Sessions:    sessions,
		Buffers:     buffers,
		Patterns:    patterns,
		Pipeline:    pl,
		Hub:         h,
		Events:      events,
		debouncer:   debouncer,
		idleTimeout: idleTimeout,
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}

	sys.Dispatcher = pattern.NewDispatcher(patterns, sys.onPatternMatch, sys.onAnsiEvent)

	admin, err := adminmcp.NewServer(sessions, buffers, events)
	if err != nil {
		return nil, fmt.Errorf("admin mcp server: %w", err)
	}
	sys.Admin = admin

	sys.unsubData = sessions.OnData(sys.onSessionData)
	sys.unsubEnd = sessions.OnSessionEnd(sys.onSessionEnd)

	go sys.runSweepLoop()

	return sys, nil
}

// runSweepLoop periodically reclaims idle and already-dead sessions that no
// client has attached to, per SPEC_FULL.md's idle-session reaper and
// dead-session sweep.
func (s *System) runSweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.Sessions.Sweep(s.idleTimeout, s.Hub.AttachmentCount)
		}
	}
}

func (s *System) onPatternMatch(m pattern.Match) {
	s.Events.Record(m.SessionID, adminmcp.EventRecord{
		Kind:        "pattern-match",
		Name:        m.Name,
		Match:       m.Match,
		TimestampMs: m.TimestampMs,
	})
	s.Hub.BroadcastPatternMatch(m)
}

func (s *System) onAnsiEvent(ev pattern.AnsiEvent) {
	s.Events.Record(ev.SessionID, adminmcp.EventRecord{
		Kind:        "ansi-sequence",
		Category:    string(ev.Category),
		TimestampMs: ev.TimestampMs,
	})
	s.Hub.BroadcastAnsiSequence(ev)
}

// onSessionData implements the Pipeline -> {Buffer, Pattern Engine, Hub,
// Store} fan-out described in §4.8. A chunk the pipeline blocks or drops
// never reaches the buffer, pattern evaluation, or any client.
func (s *System) onSessionData(ev session.DataEvent) {
	out, ok, audit := s.Pipeline.Process(ev.SessionID, ev.Chunk, ev.TimestampMs)
	for _, a := range audit {
		switch a.Kind {
		case pipeline.AuditBlocked, pipeline.AuditDropped:
			logrus.Debugf("wiring: session %s chunk %s by stage %s", ev.SessionID, a.Kind, a.Stage)
		}
	}
	if !ok {
		return
	}

	seq := s.Buffers.Append(ev.SessionID, out.Data)
	flat, _, _ := s.Buffers.Snapshot(ev.SessionID)

	s.Dispatcher.Dispatch(ev.SessionID, out.Data, flat)
	s.Hub.BroadcastOutput(ev.SessionID, out.Data, seq, out.TimestampMs)
	s.debouncer.Schedule(ev.SessionID, flat, seq)
}

// onSessionEnd implements "Store.updateBuffer (flush) then Hub.notifyExit
// then Buffer.clear" from §4.8.
func (s *System) onSessionEnd(ev session.EndEvent) {
	s.debouncer.Flush(ev.SessionID)
	s.Hub.NotifySessionEnd(ev.SessionID, ev.Code)
	s.Patterns.DropSession(ev.SessionID)
	s.Buffers.Clear(ev.SessionID)
}

// Shutdown tears everything down in reverse construction order: kill every
// live session, flush all pending persistence synchronously, then stop the
// pattern dispatcher and store watcher.
func (s *System) Shutdown(ctx context.Context) error {
	close(s.sweepStop)
	<-s.sweepDone

	s.unsubData()
	s.unsubEnd()

	for _, id := range s.Sessions.GetActiveSessionIds() {
		if _, err := s.Sessions.KillSession(id); err != nil {
			logrus.WithError(err).Warnf("wiring: failed to kill session %s during shutdown", id)
		}
	}

	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline:
			break wait
		case <-ticker.C:
			if len(s.Sessions.GetActiveSessionIds()) == 0 {
				break wait
			}
		}
	}

	s.debouncer.FlushAll()
	s.Dispatcher.Close()
	return s.Store.Close()
}
