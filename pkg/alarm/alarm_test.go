// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package alarm

import (
	"sync"
	"testing"
	"time"
)

func TestSnoozeExpires(t *testing.T) {
	a := New()
	defer a.Close()

	started := time.Now()
	expired, err := a.Snooze(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Snooze() error = %v", err)
	}
	if !expired {
		t.Error("expected the snooze to expire")
	}
	if elapsed := time.Since(started); elapsed < 20*time.Millisecond {
		t.Errorf("woke after %v, want at least 20ms", elapsed)
	}
}

func TestWakeUpInterruptsSnooze(t *testing.T) {
	a := New()
	defer a.Close()

	done := make(chan bool, 1)
	go func() {
		expired, err := a.Snooze(5 * time.Second)
		if err != nil {
			t.Errorf("Snooze() error = %v", err)
		}
		done <- expired
	}()

	time.Sleep(10 * time.Millisecond)
	a.WakeUp()

	select {
	case expired := <-done:
		if expired {
			t.Error("expected the snooze to be woken, not expired")
		}
	case <-time.After(time.Second):
		t.Fatal("snooze was not woken")
	}
}

func TestWakeUpIsBroadcast(t *testing.T) {
	a := New()
	defer a.Close()

	const sleepers = 5
	var wg sync.WaitGroup
	woken := make(chan struct{}, sleepers)
	for i := 0; i < sleepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if expired, err := a.Snooze(5 * time.Second); err == nil && !expired {
				woken <- struct{}{}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	a.WakeUp()
	wg.Wait()

	if len(woken) != sleepers {
		t.Errorf("woken = %d, want %d", len(woken), sleepers)
	}
}

func TestWakeUpBeforeSnoozeIsNotLost(t *testing.T) {
	// A wakeup between deciding to sleep and sleeping must not strand
	// the sleeper: Snooze captures the wake channel under the lock.
	a := New()
	defer a.Close()

	for i := 0; i < 100; i++ {
		done := make(chan struct{})
		go func() {
			_, _ = a.Snooze(100 * time.Millisecond)
			close(done)
		}()
		a.WakeUp()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("snooze stranded after wakeup")
		}
	}
}

func TestCloseInterrupts(t *testing.T) {
	a := New()

	errs := make(chan error, 1)
	go func() {
		_, err := a.Snooze(5 * time.Second)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected an interruption error after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("snooze survived Close")
	}

	if _, err := a.Snooze(time.Millisecond); err == nil {
		t.Error("expected an error snoozing a closed alarm")
	}
	if !a.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
}

func TestNegativeTimeoutWaitsForWakeUp(t *testing.T) {
	a := New()
	defer a.Close()

	done := make(chan bool, 1)
	go func() {
		expired, _ := a.Snooze(-1)
		done <- expired
	}()

	time.Sleep(10 * time.Millisecond)
	a.WakeUp()

	select {
	case expired := <-done:
		if expired {
			t.Error("negative timeout must never expire")
		}
	case <-time.After(time.Second):
		t.Fatal("negative-timeout snooze was not woken")
	}
}
