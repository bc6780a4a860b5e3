// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	if got, want := clock.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	t.Run("fires at deadline", func(t *testing.T) {
		clock := Fake(epoch)
		channel := clock.After(3 * time.Second)

		clock.Advance(2 * time.Second)
		select {
		case <-channel:
			t.Fatal("After fired before deadline")
		default:
		}

		clock.Advance(time.Second)
		select {
		case <-channel:
		default:
			t.Fatal("After did not fire at deadline")
		}
		if clock.PendingCount() != 0 {
			t.Errorf("PendingCount = %d after firing, want 0", clock.PendingCount())
		}
	})

	t.Run("non-positive duration is immediate", func(t *testing.T) {
		clock := Fake(epoch)
		for _, d := range []time.Duration{0, -time.Second} {
			select {
			case <-clock.After(d):
			default:
				t.Fatalf("After(%v) should fire immediately", d)
			}
		}
	})
}

func TestFakeClockTicker(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Minute)

	clock.Advance(time.Minute)
	select {
	case tick := <-ticker.C:
		if !tick.Equal(epoch.Add(time.Minute)) {
			t.Errorf("tick = %v, want %v", tick, epoch.Add(time.Minute))
		}
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// Three intervals at once: the buffer holds one tick, the rest drop.
	clock.Advance(3 * time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after three intervals")
	}
	select {
	case <-ticker.C:
		t.Fatal("expected overflow ticks to be dropped")
	default:
	}

	ticker.Stop()
	clock.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if clock.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after Stop, want 0", clock.PendingCount())
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	fired := make(chan struct{})

	go func() {
		<-clock.After(time.Second)
		close(fired)
	}()

	clock.WaitForTimers(1)
	clock.Advance(time.Second)

	select {
	case <-fired:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("goroutine did not observe the advance")
	}
}
