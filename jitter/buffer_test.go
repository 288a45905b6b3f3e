package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by a fixed step per arrival so jitter measurements are
// deterministic.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	clock := &fakeClock{now: time.Unix(0, 0), step: 20 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.StartDepth = 2
	cfg.MaxLateness = 2
	cfg.Now = clock.Now
	return New(cfg)
}

func frame(b byte) []byte {
	return []byte{b}
}

func TestPopBeforeAnyPacket(t *testing.T) {
	b := newTestBuffer(t)
	payload, res := b.Pop()
	assert.Nil(t, payload)
	assert.Equal(t, PopBuffering, res)
}

func TestBuffersUntilStartDepth(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(100, frame(1))
	_, res := b.Pop()
	assert.Equal(t, PopBuffering, res)

	b.Push(101, frame(2))
	payload, res := b.Pop()
	assert.Equal(t, PopFrame, res)
	assert.Equal(t, frame(1), payload)
}

func TestOutOfOrderDeliveryPlaysInOrder(t *testing.T) {
	b := newTestBuffer(t)

	// Deliver 4 frames fully reversed.
	for _, seq := range []uint32{103, 102, 101, 100} {
		b.Push(seq, frame(byte(seq)))
	}

	var played []byte
	for i := 0; i < 4; i++ {
		payload, res := b.Pop()
		require.Equal(t, PopFrame, res)
		played = append(played, payload[0])
	}
	assert.Equal(t, []byte{100, 101, 102, 103}, played)
}

func TestDuplicatesDropped(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(5, frame(1))
	b.Push(5, frame(2))
	b.Push(6, frame(3))

	stats := b.Statistics()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Duplicates)

	payload, res := b.Pop()
	require.Equal(t, PopFrame, res)
	assert.Equal(t, frame(1), payload, "first copy wins")
}

func TestStalePacketDropped(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(10, frame(1))
	b.Push(11, frame(2))
	_, res := b.Pop()
	require.Equal(t, PopFrame, res)

	// Sequence 9 is behind the play position now.
	b.Push(9, frame(9))
	assert.Equal(t, uint64(1), b.Statistics().Stale)
}

func TestGapFillsSilenceAndResumes(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(1, frame(1))
	b.Push(2, frame(2))
	// 3 is lost. 4 and 5 arrive.
	b.Push(4, frame(4))
	b.Push(5, frame(5))

	expect := []struct {
		res  PopResult
		data byte
	}{
		{PopFrame, 1},
		{PopFrame, 2},
		{PopSilence, 0}, // waiting on 3
		{PopSilence, 0}, // still inside the lateness window
		{PopSilence, 0}, // window expires, jump to 4
		{PopFrame, 4},
		{PopFrame, 5},
	}
	for i, want := range expect {
		payload, res := b.Pop()
		assert.Equal(t, want.res, res, "tick %d", i)
		if want.res == PopFrame {
			require.NotNil(t, payload, "tick %d", i)
			assert.Equal(t, want.data, payload[0], "tick %d", i)
		}
	}
}

func TestBurstLossCostsOneWindow(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(1, frame(1))
	b.Push(2, frame(2))
	b.Pop()
	b.Pop()

	// Sequences 3..9 all lost, 10 arrives.
	b.Push(10, frame(10))

	silences := 0
	for {
		payload, res := b.Pop()
		if res == PopFrame {
			assert.Equal(t, byte(10), payload[0])
			break
		}
		silences++
		require.Less(t, silences, 10, "buffer stalled past one lateness window")
	}
	// One lateness window (2 ticks) plus the expiry tick.
	assert.LessOrEqual(t, silences, 3)
}

func TestUnderrunRebuffers(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(1, frame(1))
	b.Push(2, frame(2))
	b.Pop()
	b.Pop()

	// Starve the buffer until it drops back to buffering.
	for i := 0; i < 5; i++ {
		_, res := b.Pop()
		if res == PopBuffering {
			break
		}
		assert.Equal(t, PopSilence, res)
	}

	// One new frame is not enough to resume.
	b.Push(3, frame(3))
	_, res := b.Pop()
	assert.Equal(t, PopBuffering, res)

	b.Push(4, frame(4))
	payload, res := b.Pop()
	require.Equal(t, PopFrame, res)
	assert.Equal(t, frame(3), payload)
}

func TestDepthGrowsOnJitter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0), step: 20 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	b := New(cfg)

	initial := b.TargetDepth()

	// Arrivals spaced 120 ms apart against a 20 ms frame duration.
	clock.step = 120 * time.Millisecond
	for seq := uint32(0); seq < 40; seq++ {
		b.Push(seq, frame(0))
	}

	assert.Greater(t, b.TargetDepth(), initial)
	assert.LessOrEqual(t, b.TargetDepth(), cfg.MaxDepth)
}

func TestDepthShrinksSlowly(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0), step: 200 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.ShrinkAfter = 50
	cfg.Now = clock.Now
	b := New(cfg)

	// Build depth up with heavy jitter.
	for seq := uint32(0); seq < 40; seq++ {
		b.Push(seq, frame(0))
	}
	grown := b.TargetDepth()
	require.Greater(t, grown, cfg.MinDepth)

	// Calm network: steady 20 ms arrivals.
	clock.step = 20 * time.Millisecond
	for seq := uint32(40); seq < 90; seq++ {
		b.Push(seq, frame(0))
	}
	afterFew := b.TargetDepth()
	assert.GreaterOrEqual(t, afterFew, grown-1, "shrink is at most one frame per calm period")

	for seq := uint32(90); seq < 1200; seq++ {
		b.Push(seq, frame(0))
	}
	assert.Less(t, b.TargetDepth(), grown)
}

func TestResetClearsEverything(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(1, frame(1))
	b.Push(2, frame(2))
	b.Pop()

	b.Reset()
	assert.Equal(t, 0, b.Len())
	_, res := b.Pop()
	assert.Equal(t, PopBuffering, res)

	// A fresh stream can restart at any sequence.
	b.Push(5000, frame(1))
	b.Push(5001, frame(2))
	payload, res := b.Pop()
	require.Equal(t, PopFrame, res)
	assert.Equal(t, frame(1), payload)
}

func TestSequenceWrapAround(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(0xFFFFFFFF, frame(1))
	b.Push(0, frame(2))

	payload, res := b.Pop()
	require.Equal(t, PopFrame, res)
	assert.Equal(t, frame(1), payload)

	payload, res = b.Pop()
	require.Equal(t, PopFrame, res)
	assert.Equal(t, frame(2), payload)
}

func TestPrePlaybackRewindKeepsEarlierFrames(t *testing.T) {
	b := newTestBuffer(t)

	b.Push(103, frame(103))
	b.Push(100, frame(100))

	// Nothing is stale before playback starts; the earlier frame becomes
	// the new play head.
	stats := b.Statistics()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(0), stats.Stale)

	payload, res := b.Pop()
	require.Equal(t, PopFrame, res)
	assert.Equal(t, frame(100), payload)
}

func TestBacklogBounded(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0), step: time.Millisecond}
	cfg := DefaultConfig()
	cfg.MaxLateness = 2
	cfg.Now = clock.Now
	b := New(cfg)

	// Sparse far-apart sequences arriving faster than Pop drains them.
	for i := uint32(0); i < 200; i++ {
		b.Push(i*100, frame(byte(i)))
	}

	limit := cfg.MaxDepth + cfg.MaxLateness
	assert.LessOrEqual(t, b.Len(), limit)
	assert.Equal(t, uint64(200-limit), b.Statistics().Evicted)

	// The survivors are the newest sequences and still play.
	payload, res := b.Pop()
	require.Equal(t, PopFrame, res)
	assert.Equal(t, frame(byte(200-limit)), payload)
}
