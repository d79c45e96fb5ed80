package collab

import (
	"context"
	"errors"
)

var DefaultSemaphore = 100

var (
	ErrAcquireTimeout = errors.New("SEMAPHORE_ACQUIRE_TIMEOUT")
	ErrNotAcquired    = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// SemaphoreControl 限制同时访问 redis/kafka 的调用数
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
