package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrLimiterTimeout is returned when an operation waited too long for a slot.
var ErrLimiterTimeout = errors.New("resilience: timed out waiting for a storage slot")

// ConnectionLimiter bounds the number of concurrent storage operations.
// Operations beyond the cap queue FIFO; both the queue wait and the admitted
// operation carry their own timeout so a stuck operation cannot starve the
// queue indefinitely.
type ConnectionLimiter struct {
	slots        chan struct{}
	queueTimeout time.Duration
	opTimeout    time.Duration
}

// NewConnectionLimiter constructs a limiter admitting at most maxConcurrent
// operations at a time.
func NewConnectionLimiter(maxConcurrent int, queueTimeout, opTimeout time.Duration) *ConnectionLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if queueTimeout <= 0 {
		queueTimeout = 5 * time.Second
	}
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &ConnectionLimiter{
		slots:        make(chan struct{}, maxConcurrent),
		queueTimeout: queueTimeout,
		opTimeout:    opTimeout,
	}
}

// Do runs op once a slot is available, bounding both the wait and the run.
func (l *ConnectionLimiter) Do(ctx context.Context, op func(context.Context) error) error {
	timer := time.NewTimer(l.queueTimeout)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrLimiterTimeout
	}
	defer func() { <-l.slots }()

	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	return op(opCtx)
}

// InUse reports how many slots are currently held, for observability.
func (l *ConnectionLimiter) InUse() int {
	return len(l.slots)
}
