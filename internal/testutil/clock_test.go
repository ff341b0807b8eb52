package testutil

import (
	"sync"
	"testing"
	"time"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	c := NewFakeClock(time.Time{})
	if !c.Now().Equal(DefaultEpoch) {
		t.Errorf("Now() = %v, want %v", c.Now(), DefaultEpoch)
	}
}

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	got := c.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !got.Equal(want) || !c.Now().Equal(want) {
		t.Errorf("Advance() = %v, Now() = %v, want %v", got, c.Now(), want)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("Set() did not move clock: %v", c.Now())
	}
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	c := NewFakeClock(time.Time{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
	}
	wg.Wait()

	if got := c.Now().Sub(DefaultEpoch); got != 50*time.Second {
		t.Errorf("elapsed = %v, want 50s", got)
	}
}
