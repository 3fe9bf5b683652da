// Package hub implements the Client Hub (C7): the multiplexer between many
// duplex client connections and the session/pattern/buffer subsystems.
package hub

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shelltender/shelltender/internal/pattern"
	"github.com/shelltender/shelltender/internal/ringbuffer"
	"github.com/shelltender/shelltender/internal/session"
	"github.com/shelltender/shelltender/internal/store"
	"github.com/shelltender/shelltender/internal/wire"
)

// DefaultSendQueueCap is the per-client outbound frame queue depth, chosen
// so a client several MiB behind (at typical frame sizes) trips the
// drop-on-overflow policy rather than growing unbounded.
const DefaultSendQueueCap = 256

// Transport is the duplex connection a Client writes frames to. wstransport
// implements this over a *websocket.Conn; tests use an in-memory fake.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// Client is one attached duplex connection.
type Client struct {
	id        string
	transport Transport
	sendCh    chan []byte

	mu           sync.Mutex
	closed       bool
	isAdmin      bool
	adminMode    wire.AdminMode
	laggedSent   bool
	droppedBytes int
}

func newClient(id string, t Transport, queueCap int) *Client {
	return &Client{id: id, transport: t, sendCh: make(chan []byte, queueCap)}
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// enqueue drops the frame (and emits a one-time lagged notice) if the
// client's queue is full, rather than blocking the producer — the spec's
// drop-on-overflow policy for a client that can't keep up.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.sendCh <- frame:
		return
	default:
	}

	c.droppedBytes += len(frame)
	if c.laggedSent {
		return
	}
	c.laggedSent = true
	notice, err := wire.EncodeServerMessage(wire.ServerMessage{Type: wire.TypeLagged, DroppedBytes: c.droppedBytes})
	if err != nil {
		return
	}
	select {
	case c.sendCh <- notice:
	default:
	}
}

func (c *Client) markClosed() (alreadyClosed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	alreadyClosed = c.closed
	c.closed = true
	return
}

// Hub owns every attached client and the attachment sets binding clients to
// sessions.
type Hub struct {
	sessions *session.Manager
	patterns *pattern.Engine
	buffers  *ringbuffer.Store
	store    *store.Store

	queueCap int

	mu               sync.RWMutex
	clients          map[string]*Client
	attachments      map[string]map[string]*Client
	adminAttachments map[string]map[string]*Client

	ownerMu       sync.Mutex
	patternOwners map[string]string // patternID -> clientID
}

// New creates a Hub wired to the given subsystems. st supplies the
// persisted buffer for a session whose live ring has already been cleared
// (see handleConnect), so a reconnecting client can still retrieve the
// transcript of a session that has exited but not yet been removed.
func New(sessions *session.Manager, patterns *pattern.Engine, buffers *ringbuffer.Store, st *store.Store, queueCap int) *Hub {
	if queueCap <= 0 {
		queueCap = DefaultSendQueueCap
	}
	return &Hub{
		sessions:         sessions,
		patterns:         patterns,
		buffers:          buffers,
		store:            st,
		queueCap:         queueCap,
		clients:          make(map[string]*Client),
		attachments:      make(map[string]map[string]*Client),
		adminAttachments: make(map[string]map[string]*Client),
		patternOwners:    make(map[string]string),
	}
}

// RegisterClient admits a new duplex connection and starts its write pump.
func (h *Hub) RegisterClient(id string, t Transport) *Client {
	c := newClient(id, t, h.queueCap)
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	go h.runWritePump(c)
	return c
}

func (h *Hub) runWritePump(c *Client) {
	for frame := range c.sendCh {
		if err := c.transport.Send(frame); err != nil {
			h.RemoveClient(c.id)
			return
		}
	}
}

// RemoveClient detaches a client from every attachment set and closes its
// transport. Idempotent.
func (h *Hub) RemoveClient(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	for _, set := range h.attachments {
		delete(set, clientID)
	}
	for _, set := range h.adminAttachments {
		delete(set, clientID)
	}
	h.mu.Unlock()

	if c.markClosed() {
		return
	}
	close(c.sendCh)
	_ = c.transport.Close()
}

func (h *Hub) send(c *Client, msg wire.ServerMessage) {
	frame, err := wire.EncodeServerMessage(msg)
	if err != nil {
		logrus.WithError(err).Error("hub: failed to encode outbound message")
		return
	}
	c.enqueue(frame)
}

func (h *Hub) sendError(c *Client, message string) {
	h.send(c, wire.ServerMessage{Type: wire.TypeError, Message: message})
}

// HandleMessage decodes and dispatches a single inbound frame from c.
func (h *Hub) HandleMessage(c *Client, raw []byte) {
	msg, err := wire.DecodeClientMessage(raw)
	if err != nil {
		h.sendError(c, "malformed message")
		return
	}

	switch msg.Type {
	case wire.TypeCreate:
		h.handleCreate(c, msg)
	case wire.TypeConnect:
		h.handleConnect(c, msg)
	case wire.TypeDisconnect:
		h.handleDisconnect(c, msg)
	case wire.TypeInput:
		h.handleInput(c, msg)
	case wire.TypeResize:
		h.handleResize(c, msg)
	case wire.TypeKill:
		h.handleKill(c, msg)
	case wire.TypePatternRegister:
		h.handlePatternRegister(c, msg)
	case wire.TypePatternUnregister:
		h.handlePatternUnregister(c, msg)
	case wire.TypeAdminListSessions:
		h.handleAdminListSessions(c)
	case wire.TypeAdminAttach:
		h.handleAdminAttach(c, msg)
	case wire.TypeAdminDetach:
		h.handleAdminDetach(c, msg)
	case wire.TypeAdminInput:
		h.handleAdminInput(c, msg)
	default:
		h.sendError(c, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func toWireSessionInfo(rec store.Record) wire.SessionInfo {
	var restrictions *wire.Restrictions
	if rec.Restrictions != nil {
		restrictions = &wire.Restrictions{
			RestrictToPath:        rec.Restrictions.RestrictToPath,
			AllowUpwardNavigation: rec.Restrictions.AllowUpwardNavigation,
			BlockedCommands:       rec.Restrictions.BlockedCommands,
			ReadOnlyMode:          rec.Restrictions.ReadOnlyMode,
		}
	}
	return wire.SessionInfo{
		ID:             rec.ID,
		Command:        rec.Command,
		Args:           rec.Args,
		Cwd:            rec.Cwd,
		Cols:           rec.Cols,
		Rows:           rec.Rows,
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		Title:          rec.Title,
		Restrictions:   restrictions,
		Status:         string(rec.Status),
		ExitCode:       rec.ExitCode,
	}
}

func (h *Hub) handleCreate(c *Client, msg wire.ClientMessage) {
	opts := session.CreateOptions{Cols: msg.Cols, Rows: msg.Rows}
	if msg.Options != nil {
		opts.ID = msg.Options.ID
		opts.Command = msg.Options.Command
		opts.Args = msg.Options.Args
		opts.Cwd = msg.Options.Cwd
		opts.Env = msg.Options.Env
		opts.Title = msg.Options.Title
		if msg.Options.Restrictions != nil {
			opts.Restrictions = &store.Restrictions{
				RestrictToPath:        msg.Options.Restrictions.RestrictToPath,
				AllowUpwardNavigation: msg.Options.Restrictions.AllowUpwardNavigation,
				BlockedCommands:       msg.Options.Restrictions.BlockedCommands,
				ReadOnlyMode:          msg.Options.Restrictions.ReadOnlyMode,
			}
		}
	}

	sess, err := h.sessions.CreateSession(opts)
	if err != nil {
		h.sendError(c, fmt.Sprintf("spawn-failed: %v", err))
		return
	}

	info := toWireSessionInfo(sess.Record())
	h.send(c, wire.ServerMessage{Type: wire.TypeCreated, SessionID: sess.ID, Session: &info})
}

func (h *Hub) attach(sessionID string, c *Client) {
	h.mu.Lock()
	set, ok := h.attachments[sessionID]
	if !ok {
		set = make(map[string]*Client)
		h.attachments[sessionID] = set
	}
	set[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) handleConnect(c *Client, msg wire.ClientMessage) {
	if msg.SessionID == "" {
		h.sendError(c, "connect requires sessionId")
		return
	}
	sess, ok := h.sessions.GetSession(msg.SessionID)
	if !ok {
		h.sendError(c, "Session not found")
		return
	}

	h.attach(msg.SessionID, c)

	var scrollback []byte
	var lastSeq uint64
	if msg.FromSeq != nil {
		scrollback, lastSeq, _ = h.buffers.Incremental(msg.SessionID, *msg.FromSeq)
	} else if data, seq, hasData := h.buffers.Snapshot(msg.SessionID); hasData {
		scrollback, lastSeq = ringbuffer.PrefixAnsiReset(data), seq
	} else if h.store != nil {
		// The ring is empty — either nothing has been written yet, or the
		// session already ended and its buffer was cleared after being
		// flushed here. Fall back to the persisted record so a reconnecting
		// client still gets the session's final transcript (§4.6).
		if rec, ok := h.store.Get(msg.SessionID); ok && rec.Buffer != "" {
			scrollback, lastSeq = ringbuffer.PrefixAnsiReset([]byte(rec.Buffer)), rec.LastSequence
		}
	}

	info := toWireSessionInfo(sess.Record())
	h.send(c, wire.ServerMessage{
		Type:         wire.TypeConnected,
		SessionID:    msg.SessionID,
		Session:      &info,
		Scrollback:   string(scrollback),
		LastSequence: lastSeq,
	})
}

func (h *Hub) handleDisconnect(c *Client, msg wire.ClientMessage) {
	if msg.SessionID == "" {
		return
	}
	h.mu.Lock()
	if set, ok := h.attachments[msg.SessionID]; ok {
		delete(set, c.id)
	}
	h.mu.Unlock()
}

func (h *Hub) handleInput(c *Client, msg wire.ClientMessage) {
	if c.isAdmin {
		h.sendError(c, "admin clients must use admin-input")
		return
	}
	if msg.SessionID == "" {
		h.sendError(c, "input requires sessionId")
		return
	}
	ok, err := h.sessions.WriteToSession(msg.SessionID, []byte(msg.Data))
	if err != nil {
		h.sendError(c, "Session not found")
		return
	}
	if !ok {
		h.sendError(c, "session is not running")
	}
}

func (h *Hub) handleResize(c *Client, msg wire.ClientMessage) {
	if msg.SessionID == "" || msg.Cols == 0 || msg.Rows == 0 {
		h.sendError(c, "resize requires sessionId, cols, rows")
		return
	}
	if _, err := h.sessions.Resize(msg.SessionID, msg.Cols, msg.Rows); err != nil {
		h.sendError(c, "Session not found")
	}
}

func (h *Hub) handleKill(c *Client, msg wire.ClientMessage) {
	if msg.SessionID == "" {
		h.sendError(c, "kill requires sessionId")
		return
	}
	if _, err := h.sessions.KillSession(msg.SessionID); err != nil {
		h.sendError(c, "Session not found")
	}
}

func toPatternSpec(w *wire.PatternSpec) pattern.Spec {
	if w == nil {
		return pattern.Spec{}
	}
	return pattern.Spec{
		Name:       w.Name,
		Kind:       pattern.Kind(w.Kind),
		Literal:    w.Literal,
		LiteralSet: w.Literals,
		Regex:      w.Regex,
		AnsiClass:  pattern.AnsiCategory(w.AnsiClass),
		Options: pattern.Options{
			CaseSensitive: !w.CaseFold,
			DebounceMs:    w.DebounceMs,
		},
	}
}

func (h *Hub) handlePatternRegister(c *Client, msg wire.ClientMessage) {
	if msg.SessionID == "" || msg.Spec == nil {
		h.sendError(c, "pattern-register requires sessionId and spec")
		return
	}
	id, err := h.patterns.Register(msg.SessionID, toPatternSpec(msg.Spec))
	if err != nil {
		h.sendError(c, err.Error())
		return
	}

	h.ownerMu.Lock()
	h.patternOwners[id] = c.id
	h.ownerMu.Unlock()

	h.send(c, wire.ServerMessage{Type: wire.TypePatternRegistered, SessionID: msg.SessionID, PatternID: id})
}

func (h *Hub) handlePatternUnregister(c *Client, msg wire.ClientMessage) {
	if msg.PatternID == "" {
		h.sendError(c, "pattern-unregister requires patternId")
		return
	}
	if !h.patterns.Unregister(msg.PatternID) {
		h.sendError(c, "Pattern not found")
		return
	}
	h.ownerMu.Lock()
	delete(h.patternOwners, msg.PatternID)
	h.ownerMu.Unlock()
}

func (h *Hub) handleAdminListSessions(c *Client) {
	sessions := h.sessions.GetAllSessions()
	infos := make([]wire.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, toWireSessionInfo(s.Record()))
	}
	h.send(c, wire.ServerMessage{Type: wire.TypeAdminSessionsList, Sessions: infos})
}

func (h *Hub) handleAdminAttach(c *Client, msg wire.ClientMessage) {
	if msg.SessionID == "" {
		h.sendError(c, "admin-attach requires sessionId")
		return
	}
	if _, ok := h.sessions.GetSession(msg.SessionID); !ok {
		h.sendError(c, "Session not found")
		return
	}

	mode := msg.Mode
	if mode == "" {
		mode = wire.AdminReadOnly
	}

	c.mu.Lock()
	c.isAdmin = true
	c.adminMode = mode
	c.mu.Unlock()

	h.mu.Lock()
	set, ok := h.adminAttachments[msg.SessionID]
	if !ok {
		set = make(map[string]*Client)
		h.adminAttachments[msg.SessionID] = set
	}
	set[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) handleAdminDetach(c *Client, msg wire.ClientMessage) {
	if msg.SessionID == "" {
		return
	}
	h.mu.Lock()
	if set, ok := h.adminAttachments[msg.SessionID]; ok {
		delete(set, c.id)
	}
	h.mu.Unlock()
}

func (h *Hub) handleAdminInput(c *Client, msg wire.ClientMessage) {
	c.mu.Lock()
	mode := c.adminMode
	c.mu.Unlock()
	if mode != wire.AdminInteractive {
		h.sendError(c, "admin-input requires an interactive attachment")
		return
	}
	if msg.SessionID == "" {
		h.sendError(c, "admin-input requires sessionId")
		return
	}
	if _, err := h.sessions.WriteToSession(msg.SessionID, []byte(msg.Data)); err != nil {
		h.sendError(c, "Session not found")
	}
}

// broadcast serializes msg once and writes it to every client attached
// (primary and admin) to sessionID.
func (h *Hub) broadcast(sessionID string, msg wire.ServerMessage) {
	frame, err := wire.EncodeServerMessage(msg)
	if err != nil {
		logrus.WithError(err).Error("hub: failed to encode broadcast message")
		return
	}

	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.attachments[sessionID])+len(h.adminAttachments[sessionID]))
	for _, c := range h.attachments[sessionID] {
		recipients = append(recipients, c)
	}
	for _, c := range h.adminAttachments[sessionID] {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		c.enqueue(frame)
	}
}

// BroadcastOutput fans a processed chunk out to every client attached to
// sessionID. Called by the wiring layer on Pipeline's data:processed event.
func (h *Hub) BroadcastOutput(sessionID string, data []byte, sequence uint64, timestampMs int64) {
	h.broadcast(sessionID, wire.ServerMessage{
		Type:      wire.TypeOutput,
		SessionID: sessionID,
		Data:      string(data),
		Sequence:  sequence,
		Timestamp: timestampMs,
	})
}

// BroadcastAnsiSequence fans an ANSI classification event out to every
// client attached to the session, independent of registered matchers.
func (h *Hub) BroadcastAnsiSequence(ev pattern.AnsiEvent) {
	h.broadcast(ev.SessionID, wire.ServerMessage{
		Type:      wire.TypeAnsiSequence,
		SessionID: ev.SessionID,
		Category:  string(ev.Category),
		Raw:       ev.Raw,
		Timestamp: ev.TimestampMs,
	})
}

// BroadcastPatternMatch delivers a match only to the client that registered
// the originating pattern, per §4.7.
func (h *Hub) BroadcastPatternMatch(m pattern.Match) {
	h.ownerMu.Lock()
	clientID, ok := h.patternOwners[m.PatternID]
	h.ownerMu.Unlock()
	if !ok {
		return
	}

	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	h.send(c, wire.ServerMessage{
		Type:      wire.TypePatternMatch,
		SessionID: m.SessionID,
		PatternID: m.PatternID,
		Name:      m.Name,
		Match:     m.Match,
		Position:  m.Position,
		Groups:    m.Groups,
		Timestamp: m.TimestampMs,
	})
}

// NotifySessionEnd tells every attached client that sessionID has ended.
// Attachment sets are left intact; RemoveClient/disconnect handle cleanup.
func (h *Hub) NotifySessionEnd(sessionID string, code int) {
	h.broadcast(sessionID, wire.ServerMessage{Type: wire.TypeSessionEnd, SessionID: sessionID, Code: code})
}

// AttachmentCount returns how many clients, primary or admin, currently
// have sessionID open. Used by the idle/dead-session sweep to decide
// whether a session is safe to reclaim.
func (h *Hub) AttachmentCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.attachments[sessionID]) + len(h.adminAttachments[sessionID])
}
