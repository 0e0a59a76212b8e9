// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package alarm provides a broadcast "sleep until woken or timeout"
// primitive shared by long-poll loops and registry wait loops.
//
// A WakeUp call releases every goroutine currently snoozing on the same
// alarm, not just one. The wake channel is replaced on each WakeUp, which
// acts as a generation counter: a snoozer captures the channel before
// sleeping, so a wake that happens between the capture and the sleep is
// still observed and no wakeup can be lost.
package alarm

import (
	"sync"
	"time"

	"github.com/pointvault/pointvault/pkg/errors"
)

// Alarm is a broadcast wake/timeout primitive.
// The zero value is not usable; call New.
type Alarm struct {
	mu     sync.Mutex
	wake   chan struct{}
	closed bool
}

// New creates a new alarm.
func New() *Alarm {
	return &Alarm{wake: make(chan struct{})}
}

// Snooze sleeps until the timeout elapses, the alarm is woken, or the alarm
// is closed. It returns true if the full timeout elapsed, false if woken.
// A closed alarm returns errors.ErrInterrupted immediately.
// A negative timeout snoozes until woken or closed.
func (a *Alarm) Snooze(timeout time.Duration) (bool, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false, errors.ErrInterrupted
	}
	wake := a.wake
	a.mu.Unlock()

	if timeout < 0 {
		<-wake
		return false, a.interrupted()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wake:
		return false, a.interrupted()
	case <-timer.C:
		return true, nil
	}
}

// WakeUp releases all goroutines currently snoozing on this alarm.
func (a *Alarm) WakeUp() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	close(a.wake)
	a.wake = make(chan struct{})
}

// Close wakes all snoozers and makes further snoozes fail immediately.
// Closing an already closed alarm is a no-op.
func (a *Alarm) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.wake)
}

// IsClosed reports whether the alarm has been closed.
func (a *Alarm) IsClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Alarm) interrupted() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.ErrInterrupted
	}
	return nil
}
