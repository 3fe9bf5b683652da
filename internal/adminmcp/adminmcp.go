// Package adminmcp exposes a secondary, read-only admin surface over MCP:
// list sessions, read a session's scrollback, and inspect the pattern
// matches/ANSI events recorded for a session. It never accepts input —
// interactive admin control goes over the wire protocol's admin-input
// message instead (see internal/hub).
package adminmcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/shelltender/shelltender/internal/ringbuffer"
	"github.com/shelltender/shelltender/internal/session"
)

// EventRecorder retains a bounded trail of pattern matches and ANSI events
// per session for session_events to query. The wiring layer feeds it from
// the pattern Dispatcher's callbacks.
type EventRecorder struct {
	mu       sync.Mutex
	maxPerID int
	events   map[string][]EventRecord
}

// EventRecord is one recorded pattern-match or ansi-sequence event.
type EventRecord struct {
	Kind        string `json:"kind"`
	Name        string `json:"name,omitempty"`
	Match       string `json:"match,omitempty"`
	Category    string `json:"category,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
}

// NewEventRecorder creates a recorder keeping at most maxPerID events per
// session (oldest dropped first).
func NewEventRecorder(maxPerID int) *EventRecorder {
	if maxPerID <= 0 {
		maxPerID = 200
	}
	return &EventRecorder{maxPerID: maxPerID, events: make(map[string][]EventRecord)}
}

// Record appends ev for sessionID, evicting the oldest entry if at capacity.
func (r *EventRecorder) Record(sessionID string, ev EventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.events[sessionID]
	list = append(list, ev)
	if len(list) > r.maxPerID {
		list = list[len(list)-r.maxPerID:]
	}
	r.events[sessionID] = list
}

// Since returns the recorded events for sessionID from index since onward,
// skipping the first since events.
func (r *EventRecorder) Since(sessionID string, since int) []EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.events[sessionID]
	if since >= len(list) {
		return nil
	}
	if since < 0 {
		since = 0
	}
	out := make([]EventRecord, len(list)-since)
	copy(out, list[since:])
	return out
}

// Server is the MCP admin server.
type Server struct {
	mcpServer *mcp.Server
	sessions  *session.Manager
	buffers   *ringbuffer.Store
	events    *EventRecorder
}

// NewServer builds the admin MCP server and registers its read-only tools.
func NewServer(sessions *session.Manager, buffers *ringbuffer.Store, events *EventRecorder) (*Server, error) {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "Shelltender Admin Server",
		Version: "1.0.0",
	}, nil)

	s := &Server{mcpServer: mcpServer, sessions: sessions, buffers: buffers, events: events}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("register admin mcp tools: %w", err)
	}
	return s, nil
}

// Handler returns an http.Handler serving the MCP streamable-HTTP
// transport, for mounting under an admin-only listener or route.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

type listSessionsInput struct{}

type sessionSummary struct {
	ID        string `json:"id"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	CreatedAt int64  `json:"createdAt"`
}

type listSessionsOutput struct {
	Sessions []sessionSummary `json:"sessions"`
}

type readScrollbackInput struct {
	SessionID string `json:"sessionId" jsonschema:"The session to read scrollback from"`
}

type readScrollbackOutput struct {
	Data    string `json:"data"`
	LastSeq uint64 `json:"lastSequence"`
}

type sessionEventsInput struct {
	SessionID string `json:"sessionId" jsonschema:"The session to read events from"`
	Since     int    `json:"since,omitempty" jsonschema:"Skip this many of the oldest recorded events"`
}

type sessionEventsOutput struct {
	Events []EventRecord `json:"events"`
}

func (s *Server) registerTools() error {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List every known session and its current status",
	}, logToolCall("list_sessions", listSessionsHandler(s)))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "read_scrollback",
		Description: "Read a session's current scrollback buffer",
	}, logToolCall("read_scrollback", readScrollbackHandler(s)))

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "session_events",
		Description: "Read recorded pattern-match and ANSI events for a session",
	}, logToolCall("session_events", sessionEventsHandler(s)))

	return nil
}

func listSessionsHandler(s *Server) func(context.Context, *mcp.CallToolRequest, listSessionsInput) (*mcp.CallToolResult, listSessionsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input listSessionsInput) (*mcp.CallToolResult, listSessionsOutput, error) {
		sessions := s.sessions.GetAllSessions()
		out := make([]sessionSummary, 0, len(sessions))
		for _, sess := range sessions {
			rec := sess.Record()
			out = append(out, sessionSummary{
				ID:        rec.ID,
				Command:   rec.Command,
				Status:    string(rec.Status),
				Cols:      rec.Cols,
				Rows:      rec.Rows,
				CreatedAt: rec.CreatedAt,
			})
		}
		return nil, listSessionsOutput{Sessions: out}, nil
	}
}

func readScrollbackHandler(s *Server) func(context.Context, *mcp.CallToolRequest, readScrollbackInput) (*mcp.CallToolResult, readScrollbackOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input readScrollbackInput) (*mcp.CallToolResult, readScrollbackOutput, error) {
		if input.SessionID == "" {
			return nil, readScrollbackOutput{}, fmt.Errorf("sessionId is required")
		}
		data, lastSeq, _ := s.buffers.Snapshot(input.SessionID)
		return nil, readScrollbackOutput{Data: string(data), LastSeq: lastSeq}, nil
	}
}

func sessionEventsHandler(s *Server) func(context.Context, *mcp.CallToolRequest, sessionEventsInput) (*mcp.CallToolResult, sessionEventsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input sessionEventsInput) (*mcp.CallToolResult, sessionEventsOutput, error) {
		if input.SessionID == "" {
			return nil, sessionEventsOutput{}, fmt.Errorf("sessionId is required")
		}
		return nil, sessionEventsOutput{Events: s.events.Since(input.SessionID, input.Since)}, nil
	}
}

// logToolCall wraps a tool handler with the same call-logging idiom used
// throughout this module's other entry points.
func logToolCall[T any, R any](name string, handler func(ctx context.Context, req *mcp.CallToolRequest, args T) (*mcp.CallToolResult, R, error)) func(context.Context, *mcp.CallToolRequest, T) (*mcp.CallToolResult, R, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args T) (*mcp.CallToolResult, R, error) {
		result, output, err := handler(ctx, req, args)
		if err != nil {
			logrus.WithError(err).Warnf("adminmcp: tool %s failed", name)
		}
		return result, output, err
	}
}
