package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shelltender/shelltender/internal/pattern"
	"github.com/shelltender/shelltender/internal/ringbuffer"
	"github.com/shelltender/shelltender/internal/session"
	"github.com/shelltender/shelltender/internal/store"
	"github.com/shelltender/shelltender/internal/wire"
)

// fakeTransport captures every frame sent to it.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) last(t *testing.T) wire.ServerMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.frames)
		var raw []byte
		if n > 0 {
			raw = f.frames[n-1]
		}
		f.mu.Unlock()
		if n > 0 {
			var msg wire.ServerMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frame received before timeout")
	return wire.ServerMessage{}
}

func newTestHub() (*Hub, *session.Manager) {
	mgr := session.NewManager(nil)
	engine := pattern.New()
	buffers := ringbuffer.New(0)
	return New(mgr, engine, buffers, nil, 16), mgr
}

func TestHandleCreateRepliesCreated(t *testing.T) {
	h, _ := newTestHub()
	tr := &fakeTransport{}
	c := h.RegisterClient("c1", tr)
	defer h.RemoveClient("c1")

	raw, _ := json.Marshal(wire.ClientMessage{
		Type:    wire.TypeCreate,
		Options: &wire.CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}},
	})
	h.HandleMessage(c, raw)

	got := tr.last(t)
	if got.Type != wire.TypeCreated || got.SessionID == "" {
		t.Fatalf("unexpected reply: %+v", got)
	}
	h.sessions.KillSession(got.SessionID)
}

func TestHandleConnectRepliesWithScrollback(t *testing.T) {
	h, mgr := newTestHub()
	sess, err := mgr.CreateSession(session.CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer mgr.KillSession(sess.ID)

	h.buffers.Append(sess.ID, []byte("hello"))

	tr := &fakeTransport{}
	c := h.RegisterClient("c1", tr)
	defer h.RemoveClient("c1")

	raw, _ := json.Marshal(wire.ClientMessage{Type: wire.TypeConnect, SessionID: sess.ID})
	h.HandleMessage(c, raw)

	got := tr.last(t)
	if got.Type != wire.TypeConnected || got.SessionID != sess.ID {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if want := string(ringbuffer.PrefixAnsiReset([]byte("hello"))); got.Scrollback != want {
		t.Fatalf("expected scrollback %q, got %q", want, got.Scrollback)
	}
}

func TestHandleConnectFallsBackToStoreWhenRingIsEmpty(t *testing.T) {
	st := store.New(t.TempDir())
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer st.Close()

	mgr := session.NewManager(st)
	engine := pattern.New()
	buffers := ringbuffer.New(0)
	h := New(mgr, engine, buffers, st, 16)

	sess, err := mgr.CreateSession(session.CreateOptions{ID: "s1", Command: "/bin/sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	waitForExit(t, sess)

	// Simulate what internal/wiring does on session end: flush the final
	// buffer to the store, then clear the now-dead session's live ring.
	rec := sess.Record()
	rec.Buffer = "bye for now"
	rec.LastSequence = 7
	if err := st.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	buffers.Clear("s1")

	tr := &fakeTransport{}
	c := h.RegisterClient("c1", tr)
	defer h.RemoveClient("c1")

	raw, _ := json.Marshal(wire.ClientMessage{Type: wire.TypeConnect, SessionID: "s1"})
	h.HandleMessage(c, raw)

	got := tr.last(t)
	if got.Type != wire.TypeConnected {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if got.Scrollback == "" {
		t.Fatal("expected scrollback to be seeded from the persisted record")
	}
}

func waitForExit(t *testing.T, sess *session.Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() != store.StatusRunning && sess.State() != store.StatusStarting {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never exited")
}

func TestHandleConnectUnknownSessionRepliesError(t *testing.T) {
	h, _ := newTestHub()
	tr := &fakeTransport{}
	c := h.RegisterClient("c1", tr)
	defer h.RemoveClient("c1")

	raw, _ := json.Marshal(wire.ClientMessage{Type: wire.TypeConnect, SessionID: "nope"})
	h.HandleMessage(c, raw)

	got := tr.last(t)
	if got.Type != wire.TypeError || got.Message != "Session not found" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestBroadcastOutputReachesAttachedClientsOnly(t *testing.T) {
	h, mgr := newTestHub()
	sess, err := mgr.CreateSession(session.CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer mgr.KillSession(sess.ID)

	attached := &fakeTransport{}
	bystander := &fakeTransport{}
	ca := h.RegisterClient("attached", attached)
	cb := h.RegisterClient("bystander", bystander)
	defer h.RemoveClient("attached")
	defer h.RemoveClient("bystander")

	raw, _ := json.Marshal(wire.ClientMessage{Type: wire.TypeConnect, SessionID: sess.ID})
	h.HandleMessage(ca, raw)
	_ = cb

	h.BroadcastOutput(sess.ID, []byte("hello"), 1, 0)

	got := attached.last(t)
	if got.Type != wire.TypeOutput || got.Data != "hello" {
		t.Fatalf("unexpected output frame: %+v", got)
	}

	time.Sleep(50 * time.Millisecond)
	bystander.mu.Lock()
	n := len(bystander.frames)
	bystander.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected bystander to receive nothing, got %d frames", n)
	}
}

func TestPatternMatchDeliveredOnlyToRegisteringClient(t *testing.T) {
	h, mgr := newTestHub()
	sess, err := mgr.CreateSession(session.CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer mgr.KillSession(sess.ID)

	registering := &fakeTransport{}
	other := &fakeTransport{}
	c1 := h.RegisterClient("c1", registering)
	_ = h.RegisterClient("c2", other)
	defer h.RemoveClient("c1")
	defer h.RemoveClient("c2")

	raw, _ := json.Marshal(wire.ClientMessage{
		Type:      wire.TypePatternRegister,
		SessionID: sess.ID,
		Spec:      &wire.PatternSpec{Name: "err", Kind: "literal", Literal: "ERROR"},
	})
	h.HandleMessage(c1, raw)
	reply := registering.last(t)
	if reply.Type != wire.TypePatternRegistered || reply.PatternID == "" {
		t.Fatalf("unexpected registration reply: %+v", reply)
	}

	h.BroadcastPatternMatch(pattern.Match{SessionID: sess.ID, PatternID: reply.PatternID, Name: "err", Match: "ERROR"})

	got := registering.last(t)
	if got.Type != wire.TypePatternMatch || got.PatternID != reply.PatternID {
		t.Fatalf("unexpected match delivery: %+v", got)
	}

	time.Sleep(50 * time.Millisecond)
	other.mu.Lock()
	n := len(other.frames)
	other.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected non-registering client to receive nothing, got %d frames", n)
	}
}

func TestAdminInputRequiresInteractiveMode(t *testing.T) {
	h, mgr := newTestHub()
	sess, err := mgr.CreateSession(session.CreateOptions{Command: "/bin/sh", Args: []string{"-c", "cat"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer mgr.KillSession(sess.ID)

	tr := &fakeTransport{}
	c := h.RegisterClient("admin1", tr)
	defer h.RemoveClient("admin1")

	attachRaw, _ := json.Marshal(wire.ClientMessage{Type: wire.TypeAdminAttach, SessionID: sess.ID, Mode: wire.AdminReadOnly})
	h.HandleMessage(c, attachRaw)

	inputRaw, _ := json.Marshal(wire.ClientMessage{Type: wire.TypeAdminInput, SessionID: sess.ID, Data: "ls\n"})
	h.HandleMessage(c, inputRaw)

	got := tr.last(t)
	if got.Type != wire.TypeError {
		t.Fatalf("expected read-only admin input to be rejected, got %+v", got)
	}
}

func TestRemoveClientDetachesFromAllSessions(t *testing.T) {
	h, mgr := newTestHub()
	sess, err := mgr.CreateSession(session.CreateOptions{Command: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer mgr.KillSession(sess.ID)

	tr := &fakeTransport{}
	c := h.RegisterClient("c1", tr)

	raw, _ := json.Marshal(wire.ClientMessage{Type: wire.TypeConnect, SessionID: sess.ID})
	h.HandleMessage(c, raw)
	tr.last(t)

	h.RemoveClient("c1")

	h.mu.RLock()
	_, stillAttached := h.attachments[sess.ID]["c1"]
	h.mu.RUnlock()
	if stillAttached {
		t.Fatal("expected client to be detached after RemoveClient")
	}
}
