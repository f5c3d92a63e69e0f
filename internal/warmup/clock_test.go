package warmup

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSystemClockSleep(t *testing.T) {
	var c SystemClock

	if loc := c.Now().Location(); loc != time.UTC {
		t.Errorf("Now() location = %v, want UTC", loc)
	}

	start := time.Now()
	if err := c.Sleep(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Sleep() returned after %s", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep(canceled) = %v, want context.Canceled", err)
	}
	if err := c.Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep(canceled, 0) = %v, want context.Canceled", err)
	}
	if err := c.Sleep(context.Background(), -time.Second); err != nil {
		t.Errorf("Sleep(negative) = %v", err)
	}
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(testNow)

	if err := c.Sleep(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	c.Advance(time.Hour)
	if err := c.Sleep(context.Background(), time.Second); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}

	if want := testNow.Add(time.Hour + 5*time.Minute + time.Second); !c.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", c.Now(), want)
	}
	if got := c.Sleeps(); len(got) != 2 || got[0] != 5*time.Minute || got[1] != time.Second {
		t.Errorf("Sleeps() = %v, want [5m 1s]", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before := c.Now()
	if err := c.Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep(canceled) = %v, want context.Canceled", err)
	}
	if !c.Now().Equal(before) || len(c.Sleeps()) != 2 {
		t.Error("canceled Sleep moved the clock")
	}

	c.Set(testNow)
	if !c.Now().Equal(testNow) {
		t.Errorf("Set() now = %v", c.Now())
	}
}
