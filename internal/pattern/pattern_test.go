package pattern

import (
	"fmt"
	"testing"
	"time"
)

func TestLiteralMatch(t *testing.T) {
	e := New()
	id, err := e.Register("s1", Spec{Name: "hi", Kind: KindLiteral, Literal: "hello", Options: Options{CaseSensitive: true}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	matches, _ := e.Evaluate("s1", []byte("say hello world"), nil)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].PatternID != id || matches[0].Position != 4 {
		t.Fatalf("unexpected match: %+v", matches[0])
	}
}

func TestLiteralCaseInsensitive(t *testing.T) {
	e := New()
	_, err := e.Register("s1", Spec{Name: "hi", Kind: KindLiteral, Literal: "HELLO", Options: Options{CaseSensitive: false}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	matches, _ := e.Evaluate("s1", []byte("say hello"), nil)
	if len(matches) != 1 {
		t.Fatalf("expected case-insensitive match, got %d", len(matches))
	}
}

func TestLiteralSetEarliestWins(t *testing.T) {
	e := New()
	_, err := e.Register("s1", Spec{Name: "set", Kind: KindLiteralSet, LiteralSet: []string{"world", "hello"}, Options: Options{CaseSensitive: true}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	matches, _ := e.Evaluate("s1", []byte("say hello world"), nil)
	if len(matches) != 1 || matches[0].Match != "hello" {
		t.Fatalf("expected earliest literal 'hello' to win, got %+v", matches)
	}
}

func TestRegexGroupsSurfaced(t *testing.T) {
	e := New()
	_, err := e.Register("s1", Spec{
		Name: "jest",
		Kind: KindRegex,
		Regex: `Tests:\s+(\d+) passed, (\d+) failed`,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	matches, _ := e.Evaluate("s1", []byte("Tests: 12 passed, 3 failed\n"), nil)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	m := matches[0]
	if m.Match != "Tests: 12 passed, 3 failed" {
		t.Fatalf("unexpected match text: %q", m.Match)
	}
	if m.Groups["1"] != "12" || m.Groups["2"] != "3" {
		t.Fatalf("unexpected groups: %+v", m.Groups)
	}
}

func TestRegexNamedGroups(t *testing.T) {
	e := New()
	_, err := e.Register("s1", Spec{Name: "named", Kind: KindRegex, Regex: `user=(?P<user>\w+)`})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	matches, _ := e.Evaluate("s1", []byte("user=alice"), nil)
	if len(matches) != 1 || matches[0].Groups["user"] != "alice" {
		t.Fatalf("expected named group 'user'=alice, got %+v", matches)
	}
}

func TestCustomMatcherErrorTreatedAsNonMatch(t *testing.T) {
	e := New()
	id, err := e.Register("s1", Spec{
		Name: "boom",
		Kind: KindCustom,
		Custom: func(chunk, flat []byte) (*CustomMatch, error) {
			panic("boom")
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	matches, _ := e.Evaluate("s1", []byte("anything"), nil)
	if len(matches) != 0 {
		t.Fatalf("expected no matches from a panicking custom matcher, got %+v", matches)
	}
	if _, ok := e.Stats(id); !ok {
		t.Fatal("expected matcher to remain registered after a panic")
	}
}

func TestCustomMatcherTimeout(t *testing.T) {
	e := New()
	_, err := e.Register("s1", Spec{
		Name: "slow",
		Kind: KindCustom,
		Custom: func(chunk, flat []byte) (*CustomMatch, error) {
			time.Sleep(200 * time.Millisecond)
			return &CustomMatch{Match: "late"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	matches, _ := e.Evaluate("s1", []byte("x"), nil)
	if len(matches) != 0 {
		t.Fatalf("expected timeout to suppress the match, got %+v", matches)
	}
}

func TestDebounceSuppressesRapidRepeats(t *testing.T) {
	e := New()
	id, err := e.Register("s1", Spec{
		Name:    "rep",
		Kind:    KindLiteral,
		Literal: "x",
		Options: Options{CaseSensitive: true, DebounceMs: 10_000},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	matches1, _ := e.Evaluate("s1", []byte("x"), nil)
	matches2, _ := e.Evaluate("s1", []byte("x"), nil)

	if len(matches1) != 1 {
		t.Fatalf("expected first evaluation to match, got %d", len(matches1))
	}
	if len(matches2) != 0 {
		t.Fatalf("expected debounce to suppress the second evaluation, got %d", len(matches2))
	}

	_, count, ok := e.Stats(id)
	if !ok || count != 1 {
		t.Fatalf("expected matchCount to stay at 1 across the suppressed match, got %d", count)
	}
}

func TestUnregisterRemovesMatcher(t *testing.T) {
	e := New()
	id, err := e.Register("s1", Spec{Name: "hi", Kind: KindLiteral, Literal: "hi", Options: Options{CaseSensitive: true}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !e.Unregister(id) {
		t.Fatal("expected Unregister to succeed")
	}
	if e.Unregister(id) {
		t.Fatal("expected second Unregister to report not-found")
	}
	matches, _ := e.Evaluate("s1", []byte("hi"), nil)
	if len(matches) != 0 {
		t.Fatalf("expected no matches after unregister, got %+v", matches)
	}
}

func TestDropSessionCascades(t *testing.T) {
	e := New()
	_, err := e.Register("s1", Spec{Name: "hi", Kind: KindLiteral, Literal: "hi", Options: Options{CaseSensitive: true}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	e.DropSession("s1")
	matches, _ := e.Evaluate("s1", []byte("hi"), nil)
	if len(matches) != 0 {
		t.Fatalf("expected no matches after DropSession, got %+v", matches)
	}
}

func TestAnsiScanEmitsCategorizedEvents(t *testing.T) {
	e := New()
	chunk := []byte("\x1b[31mred\x1b[0m\x1b[2J")
	_, ansiEvents := e.Evaluate("s1", chunk, nil)
	if len(ansiEvents) != 3 {
		t.Fatalf("expected 3 ansi events, got %d: %+v", len(ansiEvents), ansiEvents)
	}
	if ansiEvents[0].Category != AnsiColor || ansiEvents[1].Category != AnsiColor || ansiEvents[2].Category != AnsiClear {
		t.Fatalf("unexpected categories: %+v", ansiEvents)
	}
}

func TestEvaluationOrderMatchesRegistrationOrder(t *testing.T) {
	e := New()
	var order []string
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("m%d", i)
		_, err := e.Register("s1", Spec{
			Name: name,
			Kind: KindCustom,
			Custom: func(chunk, flat []byte) (*CustomMatch, error) {
				order = append(order, name)
				return &CustomMatch{Match: "x"}, nil
			},
		})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	e.Evaluate("s1", []byte("x"), nil)
	want := []string{"m0", "m1", "m2"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("expected evaluation order %v, got %v", want, order)
		}
	}
}
