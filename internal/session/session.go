// Package session implements the session lifecycle manager (C6): the
// central coordinator that spawns, tracks, resizes, and kills PTY-backed
// sessions, and routes their output to registered observers.
package session

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shelltender/shelltender/internal/ptyproc"
	"github.com/shelltender/shelltender/internal/store"
)

// killGrace is how long killSession waits after SIGHUP before escalating to
// SIGKILL.
const killGrace = 2 * time.Second

// readChunkSize is the buffer size used by each session's PTY reader.
const readChunkSize = 4096

// ErrSessionExists is returned when CreateSession is given an id that
// already names a live or exited-but-retained session.
var ErrSessionExists = errors.New("session already exists")

// ErrNotRunning is returned by operations that require a running session.
var ErrNotRunning = errors.New("session is not running")

// ErrNotFound is returned when an operation references an unknown session.
var ErrNotFound = errors.New("session not found")

// CreateOptions describes a new session's launch parameters.
type CreateOptions struct {
	ID           string // optional; auto-generated if empty
	Command      string
	Args         []string
	Cwd          string
	Env          map[string]string
	Cols, Rows   uint16
	Title        string
	Restrictions *store.Restrictions
}

// DataEvent is emitted for every chunk a session's PTY produces, straight
// from the session's read loop and before pipeline processing (see
// internal/wiring for how this is threaded into the pipeline).
type DataEvent struct {
	SessionID   string
	Chunk       []byte
	Source      string
	TimestampMs int64
}

// EndEvent is emitted exactly once per session, when its PTY exits.
type EndEvent struct {
	SessionID string
	Code      int
	Killed    bool
}

// Session is one managed PTY-backed process and its metadata.
type Session struct {
	ID string

	mu             sync.RWMutex
	command        string
	args           []string
	cwd            string
	env            map[string]string
	cols, rows     uint16
	title          string
	restrictions   *store.Restrictions
	state          store.Status
	exitCode       *int
	createdAt      int64
	lastAccessedAt int64

	adapter *ptyproc.Adapter
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccessedAt = time.Now().UnixMilli()
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() store.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastAccessedAt returns the last time this session saw input, output, or a
// resize, as Unix milliseconds.
func (s *Session) LastAccessedAt() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessedAt
}

// Dead reports whether the session's PTY has already exited.
func (s *Session) Dead() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == store.StatusExited || s.state == store.StatusKilled
}

// Record snapshots the session into a persistable store.Record.
func (s *Session) Record() store.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.Record{
		ID:             s.ID,
		Command:        s.command,
		Args:           append([]string(nil), s.args...),
		Cwd:            s.cwd,
		Env:            s.env,
		Cols:           s.cols,
		Rows:           s.rows,
		CreatedAt:      s.createdAt,
		LastAccessedAt: s.lastAccessedAt,
		Title:          s.title,
		Restrictions:   s.restrictions,
		Status:         s.state,
		ExitCode:       s.exitCode,
	}
}

// Manager owns the live session set and dispatches data/end notifications
// to registered observers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store *store.Store

	obsMu     sync.RWMutex
	dataSubs  map[int]func(DataEvent)
	endSubs   map[int]func(EndEvent)
	nextSubID int
}

// NewManager creates a Manager backed by st for persistence.
func NewManager(st *store.Store) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		store:    st,
		dataSubs: make(map[int]func(DataEvent)),
		endSubs:  make(map[int]func(EndEvent)),
	}
}

// OnData registers cb to be called for every data event across all
// sessions. Returns an unsubscribe function.
func (m *Manager) OnData(cb func(DataEvent)) func() {
	m.obsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.dataSubs[id] = cb
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.dataSubs, id)
		m.obsMu.Unlock()
	}
}

// OnSessionEnd registers cb to be called once per session when it ends.
// Returns an unsubscribe function.
func (m *Manager) OnSessionEnd(cb func(EndEvent)) func() {
	m.obsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.endSubs[id] = cb
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.endSubs, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) emitData(ev DataEvent) {
	m.obsMu.RLock()
	cbs := make([]func(DataEvent), 0, len(m.dataSubs))
	for _, cb := range m.dataSubs {
		cbs = append(cbs, cb)
	}
	m.obsMu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (m *Manager) emitEnd(ev EndEvent) {
	m.obsMu.RLock()
	cbs := make([]func(EndEvent), 0, len(m.endSubs))
	for _, cb := range m.endSubs {
		cbs = append(cbs, cb)
	}
	m.obsMu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// CreateSession allocates (or validates) an id, spawns the PTY, persists the
// initial record, and starts the session's reader loop. A caller-supplied id
// that collides with an existing session (live or exited-but-retained) is
// rejected outright — the core never reattaches to or overwrites it.
func (m *Manager) CreateSession(opts CreateOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	// Reserve the slot before spawning so a concurrent CreateSession with
	// the same id can't race past this check while the PTY is starting.
	placeholder := &Session{ID: id, state: store.StatusStarting}
	m.sessions[id] = placeholder
	m.mu.Unlock()

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	adapter, err := ptyproc.New(ptyproc.Descriptor{
		Command: opts.Command,
		Args:    opts.Args,
		Cwd:     opts.Cwd,
		Env:     opts.Env,
		Cols:    cols,
		Rows:    rows,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("spawn-failed: %w", err)
	}

	now := time.Now().UnixMilli()
	sess := &Session{
		ID:             id,
		command:        opts.Command,
		args:           opts.Args,
		cwd:            opts.Cwd,
		env:            opts.Env,
		cols:           cols,
		rows:           rows,
		title:          opts.Title,
		restrictions:   opts.Restrictions,
		state:          store.StatusRunning,
		createdAt:      now,
		lastAccessedAt: now,
		adapter:        adapter,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Put(sess.Record()); err != nil {
			logrus.WithError(err).Warnf("session: failed to persist initial record for %s", id)
		}
	}

	go adapter.Run()
	go m.readLoop(sess)
	go m.reap(sess)

	return sess, nil
}

func (m *Manager) readLoop(sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("session: readLoop panic for %s: %v", sess.ID, r)
		}
	}()

	buf := make([]byte, readChunkSize)
	for {
		n, err := sess.adapter.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sess.touch()
			m.emitData(DataEvent{
				SessionID:   sess.ID,
				Chunk:       chunk,
				Source:      "pty",
				TimestampMs: time.Now().UnixMilli(),
			})
		}
		if err != nil {
			return
		}
	}
}

// reap waits for the adapter to exit and performs the sessionEnd transition.
// It also covers the case where the process was killed out of band (not via
// KillSession): the state still moves to exited/killed and onSessionEnd
// fires exactly once.
func (m *Manager) reap(sess *Session) {
	<-sess.adapter.Done()

	code := sess.adapter.ExitCode()

	sess.mu.Lock()
	alreadyKilled := sess.state == store.StatusKilled
	if !alreadyKilled {
		sess.state = store.StatusExited
	}
	sess.exitCode = &code
	sess.mu.Unlock()

	if m.store != nil {
		rec := sess.Record()
		if prev, ok := m.store.Get(sess.ID); ok {
			rec.Buffer, rec.LastSequence = prev.Buffer, prev.LastSequence
		}
		if err := m.store.Put(rec); err != nil {
			logrus.WithError(err).Warnf("session: failed to persist end-of-life record for %s", sess.ID)
		}
	}

	m.emitEnd(EndEvent{SessionID: sess.ID, Code: code, Killed: alreadyKilled})
}

// WriteToSession forwards data to the session's PTY. Returns false if the
// session is not running.
func (m *Manager) WriteToSession(id string, data []byte) (bool, error) {
	sess, err := m.get(id)
	if err != nil {
		return false, err
	}
	if sess.State() != store.StatusRunning {
		return false, nil
	}
	sess.touch()
	if _, err := sess.adapter.Write(data); err != nil {
		return false, nil
	}
	return true, nil
}

// Resize updates a session's dimensions. Idempotent.
func (m *Manager) Resize(id string, cols, rows uint16) (bool, error) {
	sess, err := m.get(id)
	if err != nil {
		return false, err
	}
	if sess.State() != store.StatusRunning {
		return false, nil
	}
	if err := sess.adapter.Resize(cols, rows); err != nil {
		return false, nil
	}
	sess.mu.Lock()
	sess.cols, sess.rows = cols, rows
	sess.mu.Unlock()
	return true, nil
}

// KillSession sends SIGHUP, waits killGrace, then escalates to SIGKILL if
// the process hasn't exited. The state moves to killed before the signal is
// sent, so it reads killed while the child may still be running; the exit
// code is recorded, and onSessionEnd fires, only once the child is reaped.
func (m *Manager) KillSession(id string) (bool, error) {
	sess, err := m.get(id)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	if sess.state != store.StatusRunning && sess.state != store.StatusStarting {
		sess.mu.Unlock()
		return false, nil
	}
	sess.state = store.StatusKilled
	sess.mu.Unlock()

	sess.adapter.Kill(syscall.SIGHUP, killGrace)
	return true, nil
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// GetSession returns the session for id, if any.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// GetAllSessions returns every known session.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// GetActiveSessionIds returns the ids of every session currently running.
func (m *Manager) GetActiveSessionIds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.State() == store.StatusRunning {
			out = append(out, id)
		}
	}
	return out
}

// Remove deletes a session's in-memory and persisted record. A session that
// is still starting or running has its PTY closed (SIGKILL) first.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if sess.State() == store.StatusRunning || sess.State() == store.StatusStarting {
		sess.adapter.Close()
	}
	if m.store != nil {
		return m.store.Delete(id)
	}
	return nil
}

// Sweep kills sessions that have sat idle (no attached clients and no
// activity) for longer than idleTimeout, and removes sessions that have
// already exited and have no attached clients. attachmentCount reports how
// many clients (primary or admin) currently have a session open; callers
// without a notion of attachment should pass a function that always
// returns 0.
func (m *Manager) Sweep(idleTimeout time.Duration, attachmentCount func(id string) int) {
	now := time.Now().UnixMilli()
	for _, sess := range m.GetAllSessions() {
		if attachmentCount(sess.ID) > 0 {
			continue
		}
		if sess.Dead() {
			if err := m.Remove(sess.ID); err != nil && err != ErrNotFound {
				logrus.WithError(err).Warnf("session: dead-session sweep failed to remove %s", sess.ID)
			}
			continue
		}
		if sess.State() != store.StatusRunning {
			continue
		}
		if now-sess.LastAccessedAt() >= idleTimeout.Milliseconds() {
			if _, err := m.KillSession(sess.ID); err != nil {
				logrus.WithError(err).Warnf("session: idle sweep failed to kill %s", sess.ID)
			}
		}
	}
}
