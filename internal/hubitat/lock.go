package hubitat

import (
	"context"
	"sync"
	"time"
)

// CommandLock serializes device commands across a hub connection. With a
// pacing delay, Release keeps the lock held for that long before the next
// Acquire can succeed.
type CommandLock struct {
	sem   chan struct{}
	delay time.Duration

	pending sync.WaitGroup
}

// NewCommandLock creates an unlocked lock.
func NewCommandLock(delay time.Duration) *CommandLock {
	return &CommandLock{
		sem:   make(chan struct{}, 1),
		delay: delay,
	}
}

// Delay returns the pacing delay.
func (l *CommandLock) Delay() time.Duration {
	return l.delay
}

// Acquire blocks until the lock is free or ctx is done.
func (l *CommandLock) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock, after the pacing delay if one is configured.
func (l *CommandLock) Release() {
	if l.delay <= 0 {
		<-l.sem
		return
	}

	l.pending.Add(1)
	time.AfterFunc(l.delay, func() {
		defer l.pending.Done()
		<-l.sem
	})
}

// Wait blocks until delayed releases have fired.
func (l *CommandLock) Wait() {
	l.pending.Wait()
}
