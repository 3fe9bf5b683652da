package pattern

import (
	"hash/fnv"
	"runtime"
)

// job is one chunk queued for evaluation.
type job struct {
	sessionID  string
	chunk      []byte
	flatBuffer []byte
}

// Dispatcher runs Engine.Evaluate on a sharded worker pool so pattern
// evaluation never stalls the PTY read path that feeds the buffer. Every
// session hashes to exactly one shard's queue, so all chunks for a given
// session are evaluated by the same goroutine in enqueue (PTY read) order —
// ordering and debounce/matchCount bookkeeping are never raced within a
// session. Different sessions hash to different shards and so evaluate in
// parallel across cores.
type Dispatcher struct {
	engine  *Engine
	shards  []chan job
	onMatch func(Match)
	onAnsi  func(AnsiEvent)
	stopCh  chan struct{}
}

// NewDispatcher starts a worker pool sized to the host's CPU count (minimum
// 1), one per shard, backed by engine, delivering results to onMatch/onAnsi.
func NewDispatcher(engine *Engine, onMatch func(Match), onAnsi func(AnsiEvent)) *Dispatcher {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		engine:  engine,
		shards:  make([]chan job, workers),
		onMatch: onMatch,
		onAnsi:  onAnsi,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.shards[i] = make(chan job, 256)
		go d.loop(d.shards[i])
	}
	return d
}

func (d *Dispatcher) loop(jobs chan job) {
	for {
		select {
		case j, ok := <-jobs:
			if !ok {
				return
			}
			matches, ansiEvents := d.engine.Evaluate(j.sessionID, j.chunk, j.flatBuffer)
			for _, m := range matches {
				if d.onMatch != nil {
					d.onMatch(m)
				}
			}
			for _, a := range ansiEvents {
				if d.onAnsi != nil {
					d.onAnsi(a)
				}
			}
		case <-d.stopCh:
			return
		}
	}
}

// shardFor picks the shard a given session is always routed to, so its jobs
// are processed serially by a single worker.
func (d *Dispatcher) shardFor(sessionID string) chan job {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Dispatch enqueues a chunk for background evaluation. Non-blocking up to
// the queue's capacity; a full queue means evaluation is falling behind the
// PTY read rate, so Dispatch blocks rather than silently drop a chunk (a
// dropped chunk would mean missed pattern-match events, which §8 treats as
// an invariant violation).
func (d *Dispatcher) Dispatch(sessionID string, chunk, flatBuffer []byte) {
	select {
	case d.shardFor(sessionID) <- job{sessionID: sessionID, chunk: chunk, flatBuffer: flatBuffer}:
	case <-d.stopCh:
	}
}

// Close stops all workers. In-flight jobs are allowed to finish; queued-but-
// undispatched jobs are discarded.
func (d *Dispatcher) Close() {
	close(d.stopCh)
}
