package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryGuardPassesUnderNormalPressure(t *testing.T) {
	guard := NewMemoryGuard(MemoryGuardConfig{})

	start := time.Now()
	require.NoError(t, guard.Wait(context.Background()))
	require.Less(t, time.Since(start), time.Second)
}

func TestMemoryGuardWaitIsBounded(t *testing.T) {
	// A watermark of one byte forces the critical path; the guard must still
	// return after its bounded number of waits instead of blocking forever.
	guard := NewMemoryGuard(MemoryGuardConfig{
		HighWatermarkBytes: 1,
		CriticalPercent:    0.0001,
		WaitInterval:       time.Millisecond,
		MaxWaits:           3,
	})

	done := make(chan error, 1)
	go func() { done <- guard.Wait(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("memory guard blocked past its wait bound")
	}
}

func TestMemoryGuardHonoursContext(t *testing.T) {
	guard := NewMemoryGuard(MemoryGuardConfig{
		HighWatermarkBytes: 1,
		CriticalPercent:    0.0001,
		WaitInterval:       time.Hour,
		MaxWaits:           10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := guard.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
