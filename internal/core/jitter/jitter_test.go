package jitter

import "testing"

func TestDefaultMonotone(t *testing.T) {
	c := New(Default)
	ts := []int64{0, 40, 80, 120}
	var last int64 = -1
	for _, v := range ts {
		out := c.Correct(v, false)
		if out < last {
			t.Fatalf("non-monotone output: %d < %d", out, last)
		}
		last = out
	}
}

func TestDefaultResetsOnBackwardsJump(t *testing.T) {
	c := New(Default)
	c.Correct(1000, false)
	out := c.Correct(500, false) // backwards
	if out != 1000 {
		t.Fatalf("expected delta reset to 0 (pts unchanged at 1000), got %d", out)
	}
}

func TestDefaultClampsLargeJump(t *testing.T) {
	c := New(Default)
	c.Correct(0, false)
	out := c.Correct(200000, false) // > 90s jump
	if out != 0 {
		t.Fatalf("expected jump clamped to delta 0, got %d", out)
	}
}

func TestZeroSubtractsFirstTimestamp(t *testing.T) {
	c := New(Zero)
	first := c.Correct(5000, false)
	if first != 0 {
		t.Fatalf("expected first output 0, got %d", first)
	}
	second := c.Correct(5040, false)
	if second != 40 {
		t.Fatalf("expected second output 40, got %d", second)
	}
}

func TestFullForcesMetadataToZero(t *testing.T) {
	c := New(Full)
	c.Correct(1000, false)
	out := c.Correct(2000, true)
	if out != 0 {
		t.Fatalf("expected metadata frame forced to ts=0, got %d", out)
	}
}

func TestFullUsesSyntheticDeltaOnJitter(t *testing.T) {
	c := New(Full)
	start := c.Correct(0, false)
	jumped := c.Correct(5000, false) // way past the ±250ms clamp
	if jumped != start+fullSyntheticMs {
		t.Fatalf("expected synthetic 10ms delta, got %d (start=%d)", jumped, start)
	}
}

func TestDisabledPassesThrough(t *testing.T) {
	c := New(Disabled)
	if got := c.Correct(12345, false); got != 12345 {
		t.Fatalf("expected passthrough, got %d", got)
	}
}

func TestResetClearsState(t *testing.T) {
	c := New(Default)
	c.Correct(1000, false)
	c.Reset()
	out := c.Correct(0, false)
	if out != 0 {
		t.Fatalf("expected fresh state after reset, got %d", out)
	}
}
