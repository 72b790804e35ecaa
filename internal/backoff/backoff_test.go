package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{0, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.delayWithRand(tc.attempt, 0); got != tc.want {
			t.Errorf("delay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayClampsToMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 10}
	if got := p.delayWithRand(4, 0); got != 5*time.Second {
		t.Errorf("delay = %v, want max", got)
	}
}

func TestDelayJitterBounded(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.1}

	min := p.delayWithRand(1, 0)
	max := p.delayWithRand(1, 1)
	if min != 100*time.Millisecond {
		t.Errorf("zero-jitter delay = %v", min)
	}
	if max != 110*time.Millisecond {
		t.Errorf("full-jitter delay = %v", max)
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	p := Policy{Initial: time.Minute, Factor: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Sleep(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestSleepCompletesShortDelay(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 1}
	if err := p.Sleep(context.Background(), 1); err != nil {
		t.Errorf("err = %v", err)
	}
}
