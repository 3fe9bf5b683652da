// Package wire defines the client/server message envelopes for the
// Client Hub's duplex wire protocol (§6) and the jsoniter codec used to
// encode/decode them.
package wire

import (
	jsoniter "github.com/json-iterator/go"
)

// json is configured to match encoding/json's behavior exactly (field tag
// semantics, map key ordering on encode, etc.) while using jsoniter's faster
// reflection-free codec under the hood.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type enumerates every message type on the wire, both directions.
type Type string

const (
	// Client -> Server
	TypeCreate             Type = "create"
	TypeConnect            Type = "connect"
	TypeDisconnect         Type = "disconnect"
	TypeInput              Type = "input"
	TypeResize             Type = "resize"
	TypeKill               Type = "kill"
	TypePatternRegister    Type = "pattern-register"
	TypePatternUnregister  Type = "pattern-unregister"
	TypeAdminListSessions  Type = "admin-list-sessions"
	TypeAdminAttach        Type = "admin-attach"
	TypeAdminDetach        Type = "admin-detach"
	TypeAdminInput         Type = "admin-input"

	// Server -> Client
	TypeCreated            Type = "created"
	TypeConnected          Type = "connect"
	TypeOutput             Type = "output"
	TypeSessionEnd         Type = "session-end"
	TypePatternMatch       Type = "pattern-match"
	TypeAnsiSequence       Type = "ansi-sequence"
	TypeError              Type = "error"
	TypeLagged             Type = "lagged"
	TypePatternRegistered  Type = "pattern-registered"
	TypeAdminSessionsList  Type = "admin-sessions-list"
)

// AdminMode is the attach mode for an admin client.
type AdminMode string

const (
	AdminReadOnly    AdminMode = "read-only"
	AdminInteractive AdminMode = "interactive"
)

// CreateOptions carries the launch parameters a client may supply with a
// create message; all fields are optional.
type CreateOptions struct {
	ID           string            `json:"id,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Title        string            `json:"title,omitempty"`
	Restrictions *Restrictions     `json:"restrictions,omitempty"`
}

// Restrictions mirrors store.Restrictions on the wire.
type Restrictions struct {
	RestrictToPath        string   `json:"restrictToPath,omitempty"`
	AllowUpwardNavigation bool     `json:"allowUpwardNavigation,omitempty"`
	BlockedCommands       []string `json:"blockedCommands,omitempty"`
	ReadOnlyMode          bool     `json:"readOnlyMode,omitempty"`
}

// SessionInfo is the public, wire-facing view of a session's metadata
// (store.Record minus its buffer snapshot, which travels separately as
// scrollback).
type SessionInfo struct {
	ID             string        `json:"id"`
	Command        string        `json:"command"`
	Args           []string      `json:"args,omitempty"`
	Cwd            string        `json:"cwd,omitempty"`
	Cols           uint16        `json:"cols"`
	Rows           uint16        `json:"rows"`
	CreatedAt      int64         `json:"createdAt"`
	LastAccessedAt int64         `json:"lastAccessedAt"`
	Title          string        `json:"title,omitempty"`
	Restrictions   *Restrictions `json:"restrictions,omitempty"`
	Status         string        `json:"status"`
	ExitCode       *int          `json:"exitCode,omitempty"`
}

// PatternSpec mirrors pattern.Spec on the wire.
type PatternSpec struct {
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	Literal     string            `json:"literal,omitempty"`
	Literals    []string          `json:"literals,omitempty"`
	Regex       string            `json:"regex,omitempty"`
	AnsiClass   string            `json:"ansiClass,omitempty"`
	DebounceMs  int64             `json:"debounceMs,omitempty"`
	CaseFold    bool              `json:"caseFold,omitempty"`
}

// ClientMessage is the single flat envelope for every client -> server
// message; unused fields are simply omitted on the wire.
type ClientMessage struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	FromSeq   *uint64        `json:"fromSeq,omitempty"`
	Data      string         `json:"data,omitempty"`
	Cols      uint16         `json:"cols,omitempty"`
	Rows      uint16         `json:"rows,omitempty"`
	Options   *CreateOptions `json:"options,omitempty"`
	Spec      *PatternSpec   `json:"spec,omitempty"`
	PatternID string         `json:"patternId,omitempty"`
	Mode      AdminMode      `json:"mode,omitempty"`
}

// ServerMessage is the single flat envelope for every server -> client
// message.
type ServerMessage struct {
	Type         Type              `json:"type"`
	SessionID    string            `json:"sessionId,omitempty"`
	Session      *SessionInfo      `json:"session,omitempty"`
	Scrollback   string            `json:"scrollback,omitempty"`
	LastSequence uint64            `json:"lastSequence"`
	Data         string            `json:"data,omitempty"`
	Sequence     uint64            `json:"sequence"`
	Code         int               `json:"code"`
	PatternID    string            `json:"patternId,omitempty"`
	Name         string            `json:"name,omitempty"`
	Match        string            `json:"match,omitempty"`
	Position     int               `json:"position,omitempty"`
	Groups       map[string]string `json:"groups,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"`
	Category     string            `json:"category,omitempty"`
	Raw          string            `json:"raw,omitempty"`
	Message      string            `json:"message,omitempty"`
	DroppedBytes int               `json:"droppedBytes,omitempty"`
	Sessions     []SessionInfo     `json:"sessions,omitempty"`
}

// DecodeClientMessage parses a single inbound frame.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// EncodeServerMessage serializes a single outbound frame.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
