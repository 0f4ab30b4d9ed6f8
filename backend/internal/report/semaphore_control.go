package report

import (
	"context"
	"errors"
	"fmt"
)

var DefaultMaxSemaphore = 100

var (
	ErrSemaphoreTimeout = errors.New("SEMAPHORE_TIMEOUT")
	ErrSemaphoreNotHeld = errors.New("SEMAPHORE_NOT_HELD")
)

// SemaphoreControl 多个 dispatcher 共用时限制对 broker 的总并发
type SemaphoreControl struct {
	slots chan struct{}
}

// NewSemaphoreControl n <= 0 时使用 DefaultMaxSemaphore
func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = DefaultMaxSemaphore
	}
	return &SemaphoreControl{slots: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSemaphoreTimeout, ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.slots:
		return nil
	default:
		return ErrSemaphoreNotHeld
	}
}

// InUse 当前占用的槽位数
func (s *SemaphoreControl) InUse() int { return len(s.slots) }
