// Package pattern implements the event/pattern engine (C4): a per-session,
// ordered set of registered matchers evaluated against every processed
// chunk, plus unconditional ANSI-escape classification.
package pattern

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind is the closed set of matcher variants. Keeping this a closed sum type
// (rather than an open callback registry) means every arm is known at
// compile time except Custom, whose payload is an explicit function value.
type Kind string

const (
	KindLiteral    Kind = "literal"
	KindLiteralSet Kind = "literal-set"
	KindRegex      Kind = "regex"
	KindAnsiClass  Kind = "ansi-class"
	KindCustom     Kind = "custom"
)

// AnsiCategory classifies a detected ANSI escape sequence.
type AnsiCategory string

const (
	AnsiCursor AnsiCategory = "cursor"
	AnsiColor  AnsiCategory = "color"
	AnsiClear  AnsiCategory = "clear"
	AnsiOSC    AnsiCategory = "osc"
	AnsiEsc    AnsiCategory = "esc"
	AnsiOther  AnsiCategory = "other"
)

// CustomMatch is what a Custom matcher's callable returns on a hit.
type CustomMatch struct {
	Match    string
	Position int
	Groups   map[string]string
}

// CustomFunc is the fixed signature for custom matchers. It must not block
// indefinitely: the engine enforces a hard deadline around every call.
type CustomFunc func(chunk, flatBuffer []byte) (*CustomMatch, error)

// Options tune matcher behavior.
type Options struct {
	CaseSensitive bool
	Multiline     bool
	DebounceMs    int64
}

// Spec describes a matcher to register. Exactly the fields relevant to Kind
// are consulted.
type Spec struct {
	Name       string
	Kind       Kind
	Literal    string
	LiteralSet []string
	Regex      string
	AnsiClass  AnsiCategory
	Custom     CustomFunc
	Options    Options
}

// Match is emitted when a registered matcher fires.
type Match struct {
	SessionID   string
	PatternID   string
	Name        string
	Match       string
	Position    int
	Groups      map[string]string
	TimestampMs int64
}

// AnsiEvent is emitted whenever an ANSI escape sequence is detected in a
// chunk, independent of any registered ansi-class matcher.
type AnsiEvent struct {
	SessionID   string
	Category    AnsiCategory
	Raw         string
	TimestampMs int64
}

// slowMatchThreshold is the per-matcher wall-clock budget above which a
// warning is logged; the matcher is never disabled for being slow.
const slowMatchThreshold = 10 * time.Millisecond

// customTimeout bounds how long a custom matcher's callable may run.
const customTimeout = 50 * time.Millisecond

type matcher struct {
	id      string
	session string
	name    string
	kind    Kind
	spec    Spec
	re      *regexp.Regexp

	mu            sync.Mutex
	lastMatchAtMs int64
	matchCount    int64
}

type registry struct {
	mu       sync.RWMutex
	order    []*matcher
	byID     map[string]*matcher
}

// Engine owns every session's registered matchers and evaluates them.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*registry
}

// New creates an empty Engine.
func New() *Engine {
	return &Engine{sessions: make(map[string]*registry)}
}

func (e *Engine) registryFor(sessionID string) *registry {
	e.mu.RLock()
	r, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		return r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.sessions[sessionID]; ok {
		return r
	}
	r = &registry{byID: make(map[string]*matcher)}
	e.sessions[sessionID] = r
	return r
}

// Register compiles and adds a new matcher, returning its assigned id.
func (e *Engine) Register(sessionID string, spec Spec) (string, error) {
	m := &matcher{
		id:      newPatternID(),
		session: sessionID,
		name:    spec.Name,
		kind:    spec.Kind,
		spec:    spec,
	}

	switch spec.Kind {
	case KindLiteral:
		if spec.Literal == "" {
			return "", fmt.Errorf("literal pattern requires a non-empty literal")
		}
	case KindLiteralSet:
		if len(spec.LiteralSet) == 0 {
			return "", fmt.Errorf("literal-set pattern requires at least one literal")
		}
	case KindRegex:
		flags := ""
		if !spec.Options.CaseSensitive {
			flags += "i"
		}
		if spec.Options.Multiline {
			flags += "m"
		}
		pat := spec.Regex
		if flags != "" {
			pat = "(?" + flags + ")" + pat
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return "", fmt.Errorf("invalid regex: %w", err)
		}
		m.re = re
	case KindAnsiClass:
		if spec.AnsiClass == "" {
			return "", fmt.Errorf("ansi-class pattern requires a category")
		}
	case KindCustom:
		if spec.Custom == nil {
			return "", fmt.Errorf("custom pattern requires a callable")
		}
	default:
		return "", fmt.Errorf("unknown pattern kind %q", spec.Kind)
	}

	r := e.registryFor(sessionID)
	r.mu.Lock()
	r.order = append(r.order, m)
	r.byID[m.id] = m
	r.mu.Unlock()

	return m.id, nil
}

// Unregister removes a matcher by id. Returns false if it wasn't found.
func (e *Engine) Unregister(patternID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.sessions {
		r.mu.Lock()
		m, ok := r.byID[patternID]
		if ok {
			delete(r.byID, patternID)
			for i, mm := range r.order {
				if mm == m {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		}
		r.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// DropSession removes every matcher registered for sessionID. The wiring
// layer calls it when a session ends, so the cascade happens at exit, before
// the session record itself is removed.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// Stats returns a matcher's debounce/match-count state, for tests and
// introspection.
func (e *Engine) Stats(patternID string) (lastMatchAtMs int64, matchCount int64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.sessions {
		r.mu.RLock()
		m, found := r.byID[patternID]
		r.mu.RUnlock()
		if found {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.lastMatchAtMs, m.matchCount, true
		}
	}
	return 0, 0, false
}

// Evaluate runs every registered matcher for sessionID against chunk (in
// registration order; a multiline regex runs against flatBuffer instead, and
// a custom matcher receives both) plus the unconditional ANSI scan of chunk,
// and returns the
// resulting events. It is synchronous; callers that must keep it off the PTY
// hot path should invoke it from a worker goroutine (see Dispatcher).
func (e *Engine) Evaluate(sessionID string, chunk, flatBuffer []byte) ([]Match, []AnsiEvent) {
	now := time.Now().UnixMilli()

	var matches []Match
	r := e.registryForIfExists(sessionID)
	if r != nil {
		r.mu.RLock()
		snapshot := append([]*matcher(nil), r.order...)
		r.mu.RUnlock()

		for _, m := range snapshot {
			start := time.Now()
			cm := e.runMatcher(m, chunk, flatBuffer)
			elapsed := time.Since(start)
			if elapsed > slowMatchThreshold {
				logrus.Warnf("pattern: matcher %s (%s) took %s, exceeding the %s budget", m.id, m.name, elapsed, slowMatchThreshold)
			}
			if cm == nil {
				continue
			}

			m.mu.Lock()
			debounced := m.spec.Options.DebounceMs > 0 && m.lastMatchAtMs > 0 && now-m.lastMatchAtMs < m.spec.Options.DebounceMs
			if !debounced {
				m.lastMatchAtMs = now
				m.matchCount++
			}
			m.mu.Unlock()

			if debounced {
				continue
			}

			matches = append(matches, Match{
				SessionID:   sessionID,
				PatternID:   m.id,
				Name:        m.name,
				Match:       cm.Match,
				Position:    cm.Position,
				Groups:      cm.Groups,
				TimestampMs: now,
			})
		}
	}

	ansiEvents := scanAnsi(sessionID, chunk, now)
	return matches, ansiEvents
}

func (e *Engine) registryForIfExists(sessionID string) *registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}

// runMatcher dispatches by kind and guards custom matchers with a timeout
// and panic recovery; evaluation failures are logged and treated as
// non-match, the matcher stays registered.
func (e *Engine) runMatcher(m *matcher, chunk, flatBuffer []byte) *CustomMatch {
	switch m.kind {
	case KindLiteral:
		return matchLiteral(chunk, m.spec.Literal, m.spec.Options.CaseSensitive)
	case KindLiteralSet:
		return matchLiteralSet(chunk, m.spec.LiteralSet, m.spec.Options.CaseSensitive)
	case KindRegex:
		haystack := chunk
		if m.spec.Options.Multiline {
			haystack = flatBuffer
		}
		return matchRegex(m.re, haystack)
	case KindAnsiClass:
		return matchAnsiClass(chunk, m.spec.AnsiClass)
	case KindCustom:
		return e.runCustom(m, chunk, flatBuffer)
	default:
		return nil
	}
}

func (e *Engine) runCustom(m *matcher, chunk, flatBuffer []byte) *CustomMatch {
	type result struct {
		cm  *CustomMatch
		err error
	}
	out := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- result{nil, fmt.Errorf("panic: %v", r)}
			}
		}()
		cm, err := m.spec.Custom(chunk, flatBuffer)
		out <- result{cm, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), customTimeout)
	defer cancel()

	select {
	case res := <-out:
		if res.err != nil {
			logrus.WithError(res.err).Warnf("pattern: custom matcher %s (%s) failed, treating as non-match", m.id, m.name)
			return nil
		}
		return res.cm
	case <-ctx.Done():
		logrus.Warnf("pattern: custom matcher %s (%s) exceeded %s deadline, treating as non-match", m.id, m.name, customTimeout)
		return nil
	}
}

func newPatternID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "pat_" + hex.EncodeToString(buf)
}
