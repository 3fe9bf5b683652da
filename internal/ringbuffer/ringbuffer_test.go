package ringbuffer

import (
	"bytes"
	"fmt"
	"testing"
)

func TestAppendSequenceIsMonotonic(t *testing.T) {
	s := New(1024)
	var last uint64
	for i := 0; i < 10; i++ {
		seq := s.Append("s1", []byte("x"))
		if i > 0 && seq != last+1 {
			t.Fatalf("expected seq %d, got %d", last+1, seq)
		}
		last = seq
	}
}

func TestSnapshotWithinCapEqualsTotalBytes(t *testing.T) {
	s := New(1024)
	want := []byte{}
	for i := 0; i < 5; i++ {
		chunk := []byte(fmt.Sprintf("chunk-%d\n", i))
		s.Append("s1", chunk)
		want = append(want, chunk...)
	}
	got, _, hasData := s.Snapshot("s1")
	if !hasData {
		t.Fatal("expected hasData")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("snapshot mismatch:\ngot  %q\nwant %q", got, want)
	}
}

func TestEvictionKeepsSuffixUnderCap(t *testing.T) {
	s := New(10)
	for i := 0; i < 10; i++ {
		s.Append("s1", []byte(fmt.Sprintf("%d", i)))
	}
	got, _, _ := s.Snapshot("s1")
	if len(got) > 10 {
		t.Fatalf("expected snapshot <= cap, got %d bytes", len(got))
	}
	// the suffix must be a contiguous tail of what was emitted: "0123456789"
	if !bytes.HasSuffix([]byte("0123456789"), got) {
		t.Fatalf("expected a contiguous suffix of the emitted stream, got %q", got)
	}
}

func TestOversizedChunkTruncatedButSequenceConsumed(t *testing.T) {
	s := New(10)
	big := bytes.Repeat([]byte("a"), 100)
	seq := s.Append("s1", big)
	if seq != 0 {
		t.Fatalf("expected seq 0, got %d", seq)
	}
	got, lastSeq, _ := s.Snapshot("s1")
	if len(got) > 10 {
		t.Fatalf("expected stored snapshot <= cap, got %d", len(got))
	}
	if lastSeq != 0 {
		t.Fatalf("expected lastSeq 0, got %d", lastSeq)
	}

	next := s.Append("s1", []byte("b"))
	if next != 1 {
		t.Fatalf("sequence numbers must not be reused after a truncating append, got %d", next)
	}
}

func TestIncrementalNeverSkipsOrRepeats(t *testing.T) {
	s := New(1024)
	var seqs []uint64
	for i := 0; i < 5; i++ {
		seqs = append(seqs, s.Append("s1", []byte(fmt.Sprintf("%d,", i))))
	}

	data, lastSeq, truncated := s.Incremental("s1", seqs[1])
	if truncated {
		t.Fatal("did not expect truncation: nothing has been evicted")
	}
	want := []byte("2,3,4,")
	if !bytes.Equal(data, want) {
		t.Fatalf("got %q want %q", data, want)
	}
	if lastSeq != seqs[len(seqs)-1] {
		t.Fatalf("got lastSeq %d want %d", lastSeq, seqs[len(seqs)-1])
	}
}

func TestIncrementalFromEvictedSeqReturnsTruncatedSnapshot(t *testing.T) {
	s := New(5)
	for i := 0; i < 20; i++ {
		s.Append("s1", []byte("x"))
	}
	data, lastSeq, truncated := s.Incremental("s1", 0)
	if !truncated {
		t.Fatal("expected truncated=true when fromSeq predates the oldest retained entry")
	}
	if len(data) > 5 {
		t.Fatalf("expected snapshot data <= cap, got %d", len(data))
	}
	if lastSeq != 19 {
		t.Fatalf("expected lastSeq 19, got %d", lastSeq)
	}
}

func TestClearResetsSession(t *testing.T) {
	s := New(1024)
	s.Append("s1", []byte("hi"))
	s.Clear("s1")
	data, lastSeq, hasData := s.Snapshot("s1")
	if hasData || data != nil || lastSeq != 0 {
		t.Fatalf("expected empty state after Clear, got data=%q lastSeq=%d hasData=%v", data, lastSeq, hasData)
	}
}

func TestIndependentSessionsDoNotShareSequence(t *testing.T) {
	s := New(1024)
	s.Append("a", []byte("1"))
	seqB := s.Append("b", []byte("1"))
	if seqB != 0 {
		t.Fatalf("expected session b to start at seq 0 independently, got %d", seqB)
	}
}
