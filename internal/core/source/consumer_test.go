package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/core/jitter"
)

func testVideoFrame(ts uint32) frame.Frame {
	f := frame.New(frame.KindVideo, ts, []byte{0x01, 0x02})
	f.IsVideo = true
	f.DTS = int64(ts)
	f.Codec = frame.CodecAVC
	return f
}

func TestConsumerDumpPacketsHonorsPause(t *testing.T) {
	c := newConsumer(0, jitter.Disabled)
	defer c.Close()

	c.enqueue(testVideoFrame(0))
	c.enqueue(testVideoFrame(40))

	c.Pause(true)
	require.True(t, c.Paused())
	require.Nil(t, c.DumpPackets(10), "paused consumer must not hand out queued frames")

	c.Pause(false)
	out := c.DumpPackets(10)
	require.Len(t, out, 2)
	for _, f := range out {
		f.Release()
	}
}

func TestConsumerEnqueueAlwaysAccumulatesEvenWhilePaused(t *testing.T) {
	c := newConsumer(0, jitter.Disabled)
	defer c.Close()

	c.Pause(true)
	c.enqueue(testVideoFrame(0))
	c.enqueue(testVideoFrame(40))

	c.Pause(false)
	out := c.DumpPackets(10)
	require.Len(t, out, 2, "frames enqueued while paused must still be queued, not dropped")
	for _, f := range out {
		f.Release()
	}
}

func TestConsumerWaitUnblocksOnMessageCount(t *testing.T) {
	c := newConsumer(0, jitter.Disabled)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		c.Wait(3, 0)
		close(done)
	}()

	c.enqueue(testVideoFrame(0))
	c.enqueue(testVideoFrame(40))

	select {
	case <-done:
		t.Fatalf("Wait returned before the third frame arrived")
	case <-time.After(20 * time.Millisecond):
	}

	c.enqueue(testVideoFrame(80))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not unblock after threshold frame count was reached")
	}
}

func TestConsumerCloseWakesBlockedWait(t *testing.T) {
	c := newConsumer(0, jitter.Disabled)

	done := make(chan struct{})
	go func() {
		c.Wait(100, time.Hour)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Close did not wake a blocked Wait")
	}
}

func TestConsumerEachGetsItsOwnJitterCorrector(t *testing.T) {
	a := newConsumer(0, jitter.Zero)
	b := newConsumer(0, jitter.Zero)
	defer a.Close()
	defer b.Close()

	require.NotSame(t, a.jitter(), b.jitter())

	// a attaches at source time 1000, b at 5000: Zero mode should rebase
	// each to its own origin.
	require.Equal(t, int64(0), a.jitter().Correct(1000, false))
	require.Equal(t, int64(0), b.jitter().Correct(5000, false))
	require.Equal(t, int64(40), a.jitter().Correct(1040, false))
}
