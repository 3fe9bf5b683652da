// Package store is the durable session-record store (C3): one JSON file per
// session under a root directory, atomic write-temp-then-rename writes, and
// an fsnotify watch so externally modified or removed record files are
// reflected in memory without a restart.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Status mirrors the session state machine in §3.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusKilled   Status = "killed"
)

// Restrictions are advisory fields interpreted by the shell launcher, not
// enforced by the core.
type Restrictions struct {
	RestrictToPath       string   `json:"restrictToPath,omitempty"`
	AllowUpwardNavigation bool    `json:"allowUpwardNavigation,omitempty"`
	BlockedCommands      []string `json:"blockedCommands,omitempty"`
	ReadOnlyMode         bool     `json:"readOnlyMode,omitempty"`
}

// Record is the persisted session record, including the most recent flat
// buffer snapshot.
type Record struct {
	ID             string            `json:"id"`
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Cols           uint16            `json:"cols"`
	Rows           uint16            `json:"rows"`
	CreatedAt      int64             `json:"createdAt"`
	LastAccessedAt int64             `json:"lastAccessedAt"`
	Title          string            `json:"title,omitempty"`
	Restrictions   *Restrictions     `json:"restrictions,omitempty"`
	Status         Status            `json:"status"`
	ExitCode       *int              `json:"exitCode,omitempty"`
	Buffer         string            `json:"buffer,omitempty"`
	LastSequence   uint64            `json:"lastSequence"`
}

// Store persists Records to <root>/<id>.json.
type Store struct {
	root string

	mu      sync.RWMutex
	records map[string]Record

	watcher *fsnotify.Watcher
	closeCh chan struct{}
}

// New creates a Store rooted at dir. Initialize must be called before the
// store is used.
func New(dir string) *Store {
	return &Store{
		root:    dir,
		records: make(map[string]Record),
		closeCh: make(chan struct{}),
	}
}

// Initialize loads every existing record from disk and starts the directory
// watcher. Must complete before the session manager accepts traffic.
func (s *Store) Initialize() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create store root: %w", err)
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read store root: %w", err)
	}

	s.mu.Lock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.readFile(filepath.Join(s.root, e.Name()))
		if err != nil {
			logrus.WithError(err).Warnf("store: skipping unreadable record %s", e.Name())
			continue
		}
		s.records[rec.ID] = rec
	}
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// A watcher failure is non-fatal: persistence still works, the
		// store just won't pick up external edits until restart.
		logrus.WithError(err).Warn("store: fsnotify watcher unavailable, external edits will not be observed")
		return nil
	}
	if err := watcher.Add(s.root); err != nil {
		logrus.WithError(err).Warn("store: failed to watch store root")
		_ = watcher.Close()
		return nil
	}
	s.watcher = watcher
	go s.watchLoop()

	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("store: fsnotify watcher error")
		case <-s.closeCh:
			return
		}
	}
}

func (s *Store) handleEvent(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, ".json") || strings.HasSuffix(ev.Name, ".tmp.json") {
		return
	}
	id := strings.TrimSuffix(filepath.Base(ev.Name), ".json")

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		logrus.Warnf("store: record %s removed externally", id)
		return
	}

	if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		rec, err := s.readFile(ev.Name)
		if err != nil {
			logrus.WithError(err).Warnf("store: failed to reload externally modified record %s", id)
			return
		}
		s.mu.Lock()
		s.records[rec.ID] = rec
		s.mu.Unlock()
	}
}

func (s *Store) readFile(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Put persists rec, overwriting any existing record with the same id.
func (s *Store) Put(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp := s.path(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmp, s.path(rec.ID)); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

// Get returns the in-memory record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Delete removes the record both in memory and on disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record file: %w", err)
	}
	return nil
}

// ListAll returns every known record.
func (s *Store) ListAll() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// UpdateBuffer replaces the stored buffer snapshot (and its last sequence
// number) for id. A failure here is logged and returned, and is non-fatal:
// in-memory state remains authoritative. A failed write is not re-queued;
// the buffer is written again by the next debounced write for id.
func (s *Store) UpdateBuffer(id string, flat []byte, lastSeq uint64) error {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no record for session %s", id)
	}
	rec.Buffer = string(flat)
	rec.LastSequence = lastSeq
	if err := s.Put(rec); err != nil {
		logrus.WithError(err).Errorf("store: failed to persist buffer for session %s", id)
		return err
	}
	return nil
}

// Close stops the directory watcher.
func (s *Store) Close() error {
	close(s.closeCh)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
