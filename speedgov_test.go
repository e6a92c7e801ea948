package teemo

import (
	"context"
	"testing"
	"time"
)

func TestSpeedGovernorUnlimitedNeverBlocks(t *testing.T) {
	g := newSpeedGovernor(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := g.Charge(context.Background(), 1<<20); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("unlimited governor should not stall")
	}
}

func TestSpeedGovernorCapsThroughput(t *testing.T) {
	g := newSpeedGovernor(1024) // 1 KiB/s
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	// Charging 2KiB against a 1KiB/s cap (burst == cap) must take noticeably
	// longer than charging it against no cap at all.
	if err := g.Charge(ctx, 2048); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 500*time.Millisecond {
		t.Fatal("expected the speed governor to stall the caller")
	}
}

func TestSpeedGovernorTickSamplesDelta(t *testing.T) {
	g := newSpeedGovernor(0)
	g.Charge(context.Background(), 100)
	if sample := g.Tick(); sample != 100 {
		t.Fatalf("first tick sample = %d, want 100", sample)
	}
	g.Charge(context.Background(), 50)
	if sample := g.Tick(); sample != 50 {
		t.Fatalf("second tick sample = %d, want 50", sample)
	}
	if g.LastSample() != 50 {
		t.Fatalf("LastSample = %d, want 50", g.LastSample())
	}
}
