// Package jitter provides the per-speaker reordering and pacing buffer for
// incoming voice frames.
//
// Each remote speaker gets one Buffer. The network receive path pushes
// compressed frames keyed by sequence number; the playback loop pops one
// frame per frame-duration tick. The buffer absorbs network jitter by
// holding a small adaptive backlog: the backlog grows immediately when
// measured inter-arrival jitter exceeds it and shrinks slowly when the
// network is calm, trading added latency against audible gaps.
//
// Exactly one producer (the voice receive path) and one consumer (the
// playback loop) may touch a Buffer; the internal lock only guards the
// handoff between those two.
package jitter

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PopResult describes what a playback tick got out of the buffer.
type PopResult int

const (
	// PopFrame means a real audio frame was returned.
	PopFrame PopResult = iota

	// PopSilence means the expected frame is missing or the buffer is
	// underrun; the caller plays a synthesized silence frame.
	PopSilence

	// PopBuffering means the stream has not accumulated its target depth
	// yet (or no packet has arrived at all); nothing should be played.
	PopBuffering
)

// Config defines jitter buffer behavior.
type Config struct {
	// FrameDuration is the shared audio frame duration.
	FrameDuration time.Duration

	// MinDepth and MaxDepth bound the adaptive target backlog, in frames.
	MinDepth int
	MaxDepth int

	// StartDepth is the backlog required before playback of a fresh stream
	// begins, in frames.
	StartDepth int

	// MaxLateness is how many ticks to wait for a missing frame before
	// filling with silence and advancing past it.
	MaxLateness int

	// ShrinkAfter is how many consecutive low-jitter packet arrivals are
	// required before the target depth decreases by one frame.
	ShrinkAfter int

	// Now is the clock used for inter-arrival measurement. Defaults to
	// time.Now; tests inject a deterministic clock.
	Now func() time.Time
}

// DefaultConfig returns jitter buffer settings tuned for 20 ms voice frames.
func DefaultConfig() Config {
	return Config{
		FrameDuration: 20 * time.Millisecond,
		MinDepth:      2,
		MaxDepth:      15,
		StartDepth:    3,
		MaxLateness:   2,
		ShrinkAfter:   250,
	}
}

// Stats counts buffer activity for quality monitoring.
type Stats struct {
	Received   uint64
	Duplicates uint64
	Stale      uint64
	Evicted    uint64 // dropped to keep the backlog bounded
	Filled     uint64 // silence frames emitted for missing data
	Played     uint64
}

// Buffer reorders and paces voice frames for one remote speaker.
type Buffer struct {
	mu  sync.Mutex
	cfg Config

	pending map[uint32][]byte

	started bool   // first packet seen
	playing bool   // backlog reached, ticks emit audio
	nextSeq uint32 // next sequence to play
	waited  int    // ticks spent waiting on nextSeq

	targetDepth int
	lowStreak   int // consecutive arrivals with jitter below target

	lastArrival   time.Time
	jitterEst     time.Duration // EWMA of inter-arrival deviation
	underrunTicks int

	stats Stats
}

// New creates a jitter buffer. Zero config fields fall back to defaults.
func New(cfg Config) *Buffer {
	def := DefaultConfig()
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	if cfg.MinDepth <= 0 {
		cfg.MinDepth = def.MinDepth
	}
	if cfg.MaxDepth < cfg.MinDepth {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.StartDepth < cfg.MinDepth {
		cfg.StartDepth = def.StartDepth
	}
	if cfg.MaxLateness <= 0 {
		cfg.MaxLateness = def.MaxLateness
	}
	if cfg.ShrinkAfter <= 0 {
		cfg.ShrinkAfter = def.ShrinkAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Buffer{
		cfg:         cfg,
		pending:     make(map[uint32][]byte),
		targetDepth: cfg.StartDepth,
	}
}

// Push inserts a received frame. Duplicates are dropped, and once playback
// has started frames behind the play position are dropped as stale.
func (b *Buffer) Push(seq uint32, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observeArrival()

	if !b.started {
		b.started = true
		b.nextSeq = seq
	}

	if seqBefore(seq, b.nextSeq) {
		if b.playing {
			b.stats.Stale++
			return
		}
		// Playback has not started, so an earlier sequence is reordering,
		// not lateness. Rewind the play head to include it.
		b.nextSeq = seq
	}
	if _, dup := b.pending[seq]; dup {
		b.stats.Duplicates++
		return
	}

	b.pending[seq] = payload
	b.stats.Received++

	// Bound the backlog. A flood of sparse or far-future sequences must
	// not grow the map faster than Pop drains it.
	limit := b.cfg.MaxDepth + b.cfg.MaxLateness
	for len(b.pending) > limit {
		oldest := b.oldestPending()
		delete(b.pending, oldest)
		b.stats.Evicted++
		if !seqBefore(oldest, b.nextSeq) {
			b.nextSeq = b.oldestPending()
		}
	}
}

// Pop returns the frame for the next playback tick. Called exactly once per
// frame duration by the playback loop.
func (b *Buffer) Pop() ([]byte, PopResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil, PopBuffering
	}

	if !b.playing {
		if len(b.pending) < b.targetDepth {
			return nil, PopBuffering
		}
		b.playing = true
		b.waited = 0
	}

	if payload, ok := b.pending[b.nextSeq]; ok {
		delete(b.pending, b.nextSeq)
		b.nextSeq++
		b.waited = 0
		b.underrunTicks = 0
		b.stats.Played++
		return payload, PopFrame
	}

	if len(b.pending) == 0 {
		// Underrun: no data at all. After a full backlog worth of empty
		// ticks, fall back to buffering until the backlog rebuilds.
		b.underrunTicks++
		if b.underrunTicks >= b.targetDepth {
			b.playing = false
			b.underrunTicks = 0
			logrus.WithFields(logrus.Fields{
				"function": "Buffer.Pop",
				"next_seq": b.nextSeq,
			}).Debug("Jitter buffer underrun, rebuffering")
		}
		b.stats.Filled++
		return nil, PopSilence
	}

	b.waited++
	if b.waited > b.cfg.MaxLateness {
		// The frame is declared lost. Jump to the oldest buffered
		// sequence so a burst loss costs one lateness window, not one
		// window per missing frame.
		b.nextSeq = b.oldestPending()
		b.waited = 0
	}
	b.stats.Filled++
	return nil, PopSilence
}

// observeArrival updates the inter-arrival jitter estimate and adapts the
// target depth. Caller holds b.mu.
func (b *Buffer) observeArrival() {
	now := b.cfg.Now()
	if !b.lastArrival.IsZero() {
		deviation := now.Sub(b.lastArrival) - b.cfg.FrameDuration
		if deviation < 0 {
			deviation = -deviation
		}
		// EWMA with gain 1/16, same smoothing RTP receivers use for
		// interarrival jitter.
		b.jitterEst += (deviation - b.jitterEst) / 16
		b.adaptDepth()
	}
	b.lastArrival = now
}

// adaptDepth grows the target backlog immediately when jitter exceeds it
// and shrinks it one frame at a time after a sustained calm period.
func (b *Buffer) adaptDepth() {
	needed := int(b.jitterEst/b.cfg.FrameDuration) + 1
	if needed < b.cfg.MinDepth {
		needed = b.cfg.MinDepth
	}
	if needed > b.cfg.MaxDepth {
		needed = b.cfg.MaxDepth
	}

	if needed > b.targetDepth {
		logrus.WithFields(logrus.Fields{
			"function":  "Buffer.adaptDepth",
			"old_depth": b.targetDepth,
			"new_depth": needed,
			"jitter":    b.jitterEst,
		}).Debug("Jitter buffer depth increased")
		b.targetDepth = needed
		b.lowStreak = 0
		return
	}

	if needed < b.targetDepth {
		b.lowStreak++
		if b.lowStreak >= b.cfg.ShrinkAfter {
			b.targetDepth--
			b.lowStreak = 0
		}
	} else {
		b.lowStreak = 0
	}
}

// oldestPending returns the smallest buffered sequence number. Caller holds
// b.mu and guarantees the buffer is non-empty.
func (b *Buffer) oldestPending() uint32 {
	var oldest uint32
	first := true
	for seq := range b.pending {
		if first || seqBefore(seq, oldest) {
			oldest = seq
			first = false
		}
	}
	return oldest
}

// Reset discards all buffered frames and restarts the stream. Used when a
// speaker leaves or a new talk burst begins after a long pause.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = make(map[uint32][]byte)
	b.started = false
	b.playing = false
	b.waited = 0
	b.underrunTicks = 0
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// TargetDepth returns the current adaptive backlog target in frames.
func (b *Buffer) TargetDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetDepth
}

// Statistics returns a copy of the activity counters.
func (b *Buffer) Statistics() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// seqBefore reports whether a precedes b in sequence order, handling
// wrap-around with uint32 arithmetic.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
