package source

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/core/framequeue"
	"github.com/alxayo/go-rtmp/internal/core/jitter"
)

// Consumer is one player's (or transmuxer's) fan-out target (spec.md
// §4.F's Consumer contract). Its queue is written by the publisher's
// fan-out and drained by the consumer's own goroutine; a sync.Cond lets
// Wait block until enough has accumulated without polling.
//
// The teacher's cooperative-coroutine scheduling model (spec.md §5) has
// no direct Go analog — goroutines aren't cooperatively scheduled at I/O
// points — so this is re-expressed with an explicit mutex/condition
// variable pair instead, the idiomatic Go substitute for "suspend until
// signaled".
type Consumer struct {
	id    string
	queue *framequeue.Queue
	jc    *jitter.Corrector

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
}

func newConsumer(queueBound time.Duration, jitterMode jitter.Mode) *Consumer {
	c := &Consumer{
		id:    uuid.NewString(),
		queue: framequeue.New(queueBound),
		jc:    jitter.New(jitterMode),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the consumer's unique identifier, assigned at creation.
func (c *Consumer) ID() string { return c.id }

// jitter returns this consumer's own Corrector instance. Each consumer
// gets its own so a late-joining viewer's Zero-mode origin and Full-mode
// clamp are relative to when it attached, not the stream's start.
func (c *Consumer) jitter() *jitter.Corrector { return c.jc }

// enqueue is called by the publisher's fan-out; the caller's frame
// reference is consumed. Enqueue always happens regardless of pause —
// only DumpPackets discards while paused, per spec.md §4.F. It reports
// whether this enqueue triggered an overflow shrink, so the caller can
// attribute the event to its stream for metrics.
func (c *Consumer) enqueue(f frame.Frame) (shrunk bool) {
	shrunk = c.queue.Enqueue(f)
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
	return shrunk
}

// DumpPackets returns up to maxN queued frames, or nil if the consumer is
// paused (the queue keeps accumulating underneath, subject to its own
// overflow shrink). The caller owns the returned frames' references and
// must Release each one once delivered.
func (c *Consumer) DumpPackets(maxN int) []frame.Frame {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused || maxN <= 0 {
		return nil
	}
	out := make([]frame.Frame, maxN)
	n := c.queue.Dump(maxN, out)
	return out[:n]
}

// Wait blocks until the queue holds at least minMsgs frames, spans at
// least minDuration, or the consumer is closed. A zero threshold is
// ignored; with both zero Wait returns at once.
func (c *Consumer) Wait(minMsgs int, minDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if minMsgs <= 0 && minDuration <= 0 {
		return
	}
	for !c.closed {
		if minMsgs > 0 && c.queue.Len() >= minMsgs {
			return
		}
		if minDuration > 0 && c.queue.Span() >= minDuration {
			return
		}
		c.cond.Wait()
	}
}

// Pause toggles discard-on-dump without affecting enqueue.
func (c *Consumer) Pause(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

// Paused reports the current pause state.
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Close wakes any blocked Wait and releases the queue's buffered frames.
// The consumer must not be used afterward.
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.queue.Clear()
}
