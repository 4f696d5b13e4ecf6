package resilience

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/openlot/lotsync/pkg/logger"
)

// MemoryGuardConfig tunes process memory backpressure.
type MemoryGuardConfig struct {
	// HighWatermarkBytes is the heap size above which pressure is logged.
	HighWatermarkBytes uint64
	// CriticalPercent is the in-use share of reserved heap above which callers
	// performing remote fetches are briefly held back.
	CriticalPercent float64
	// WaitInterval is the sleep between pressure re-checks.
	WaitInterval time.Duration
	// MaxWaits bounds the number of sleeps; the guard never blocks indefinitely.
	MaxWaits int
}

func (c MemoryGuardConfig) withDefaults() MemoryGuardConfig {
	if c.HighWatermarkBytes == 0 {
		c.HighWatermarkBytes = 1 << 30
	}
	if c.CriticalPercent <= 0 {
		c.CriticalPercent = 90
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 100 * time.Millisecond
	}
	if c.MaxWaits <= 0 {
		c.MaxWaits = 10
	}
	return c
}

// MemoryGuard observes heap usage and applies bounded backpressure before
// expensive operations. It slows callers down under critical pressure but
// never fails them.
type MemoryGuard struct {
	cfg MemoryGuardConfig
	log *zap.Logger
}

// NewMemoryGuard constructs a guard with the supplied thresholds.
func NewMemoryGuard(cfg MemoryGuardConfig) *MemoryGuard {
	return &MemoryGuard{cfg: cfg.withDefaults(), log: logger.WithModule("memguard")}
}

// Wait blocks briefly while heap pressure is critical. The only error it can
// return is the context's.
func (g *MemoryGuard) Wait(ctx context.Context) error {
	high, critical, heapAlloc := g.pressure()
	if high && !critical {
		g.log.Warn("heap above high watermark", zap.Uint64("heap_alloc", heapAlloc))
	}
	if !critical {
		return nil
	}

	g.log.Warn("heap pressure critical, delaying remote fetch", zap.Uint64("heap_alloc", heapAlloc))
	runtime.GC()

	for i := 0; i < g.cfg.MaxWaits; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.cfg.WaitInterval):
		}

		if _, critical, _ = g.pressure(); !critical {
			return nil
		}
	}

	// Proceed anyway: this is backpressure, not admission control.
	return nil
}

func (g *MemoryGuard) pressure() (high, critical bool, heapAlloc uint64) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	high = stats.HeapAlloc >= g.cfg.HighWatermarkBytes
	if stats.HeapSys > 0 {
		used := float64(stats.HeapAlloc) / float64(stats.HeapSys) * 100
		critical = high && used >= g.cfg.CriticalPercent
	}
	return high, critical, stats.HeapAlloc
}
