package collab

import (
	"context"
	"errors"
)

const DefaultSemaphore = 100

var (
	ErrAcquireTimeout = errors.New("acquire reached time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

// SemaphoreControl bounds concurrent store flushes and kafka sends.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = DefaultSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
