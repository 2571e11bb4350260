package worker

import (
	"testing"
	"time"
)

func TestBackoffWithJitterGrows(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	prevCeiling := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		ceiling := base << (attempt - 1)
		if ceiling > max {
			ceiling = max
		}
		for i := 0; i < 50; i++ {
			d := backoffWithJitter(base, max, attempt)
			if d < ceiling/2 || d > ceiling {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, ceiling/2, ceiling)
			}
		}
		if ceiling < prevCeiling {
			t.Fatalf("attempt %d: ceiling shrank", attempt)
		}
		prevCeiling = ceiling
	}
}

func TestBackoffWithJitterCapped(t *testing.T) {
	base := 2 * time.Second
	max := 10 * time.Second
	for i := 0; i < 50; i++ {
		if d := backoffWithJitter(base, max, 30); d > max {
			t.Fatalf("delay %s above cap %s", d, max)
		}
	}
}

func TestBackoffWithJitterZeroAttempt(t *testing.T) {
	base := 2 * time.Second
	if d := backoffWithJitter(base, time.Minute, 0); d != base {
		t.Fatalf("delay = %s, want base %s", d, base)
	}
}
