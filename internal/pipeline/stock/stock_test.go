package stock

import (
	"regexp"
	"testing"
	"time"

	"github.com/shelltender/shelltender/internal/pipeline"
)

func TestSecurityRedact(t *testing.T) {
	re := regexp.MustCompile(`(?i)password:\s*\S+`)
	s := NewSecurityRedact([]*regexp.Regexp{re})

	ev := pipeline.Event{Data: []byte("login ok; password: hunter2\n")}
	out, ok := s.Apply(ev)
	if !ok {
		t.Fatal("expected processor to keep the event")
	}
	if string(out.Data) != "login ok; [REDACTED]\n" {
		t.Fatalf("got %q", out.Data)
	}
}

func TestCreditCardRedactWithoutLuhn(t *testing.T) {
	c := &CreditCardRedact{}
	ev := pipeline.Event{Data: []byte("card: 4111111111111111 thanks")}
	out, _ := c.Apply(ev)
	if string(out.Data) != "card: [CREDIT_CARD_REDACTED] thanks" {
		t.Fatalf("got %q", out.Data)
	}
}

func TestCreditCardRedactWithLuhnRejectsInvalid(t *testing.T) {
	c := &CreditCardRedact{LuhnCheck: true}
	ev := pipeline.Event{Data: []byte("card: 1234567890123456 thanks")}
	out, _ := c.Apply(ev)
	if string(out.Data) != string(ev.Data) {
		t.Fatalf("expected invalid Luhn number to pass through unredacted, got %q", out.Data)
	}
}

func TestCreditCardRedactWithLuhnAcceptsValid(t *testing.T) {
	c := &CreditCardRedact{LuhnCheck: true}
	// 4111111111111111 is a well-known Luhn-valid test number.
	ev := pipeline.Event{Data: []byte("card: 4111111111111111 thanks")}
	out, _ := c.Apply(ev)
	if string(out.Data) != "card: [CREDIT_CARD_REDACTED] thanks" {
		t.Fatalf("got %q", out.Data)
	}
}

func TestRateLimitDropsOverBudgetThenRecoversNextWindow(t *testing.T) {
	r := NewRateLimit(10)
	ev := pipeline.Event{SessionID: "s1", Data: make([]byte, 8)}

	if _, ok := r.Apply(ev); !ok {
		t.Fatal("expected first chunk within budget to pass")
	}
	if _, ok := r.Apply(ev); ok {
		t.Fatal("expected second chunk in the same window to be dropped")
	}

	time.Sleep(time.Second)
	if _, ok := r.Apply(ev); !ok {
		t.Fatal("expected a chunk in the next window to pass once the bucket refills")
	}
}

func TestLineEndingNormalize(t *testing.T) {
	ev := pipeline.Event{Data: []byte("a\r\nb\r\n")}
	out, _ := LineEndingNormalize{}.Apply(ev)
	if string(out.Data) != "a\nb\n" {
		t.Fatalf("got %q", out.Data)
	}
}

func TestAnsiStrip(t *testing.T) {
	ev := pipeline.Event{Data: []byte("\x1b[31mred\x1b[0m")}
	out, _ := AnsiStrip{}.Apply(ev)
	if string(out.Data) != "red" {
		t.Fatalf("got %q", out.Data)
	}
}

func TestNoBinaryRejectsNUL(t *testing.T) {
	if (NoBinary{}).Apply(pipeline.Event{Data: []byte("a\x00b")}) {
		t.Fatal("expected NUL byte to be rejected")
	}
	if !(NoBinary{}.Apply(pipeline.Event{Data: []byte("clean")})) {
		t.Fatal("expected clean data to pass")
	}
}

func TestMaxSize(t *testing.T) {
	f := MaxSize{N: 4}
	if f.Apply(pipeline.Event{Data: []byte("12345")}) {
		t.Fatal("expected oversized chunk to be rejected")
	}
	if !f.Apply(pipeline.Event{Data: []byte("1234")}) {
		t.Fatal("expected chunk at the limit to pass")
	}
}

func TestSessionAllowlist(t *testing.T) {
	f := NewSessionAllowlist([]string{"s1", "s2"})
	if !f.Apply(pipeline.Event{SessionID: "s1"}) {
		t.Fatal("expected allowed session to pass")
	}
	if f.Apply(pipeline.Event{SessionID: "s3"}) {
		t.Fatal("expected disallowed session to be rejected")
	}
}
