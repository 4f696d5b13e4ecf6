package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/models"
	"github.com/openlot/lotsync/internal/services"
	"github.com/openlot/lotsync/pkg/logger"
)

const (
	defaultSpec           = "0 3 * * *"
	defaultStaleRetention = 7 * 24 * time.Hour
	defaultLogRetention   = 30 * 24 * time.Hour
)

// Cleaner coordinates background maintenance: purging long-stale listings that
// no detail records reference, and pruning old synchronization log entries.
type Cleaner struct {
	db    *gorm.DB
	store *services.InventoryStore
	logs  *services.SyncLogService
	cron  *cron.Cron
	now   func() time.Time
	log   *zap.Logger

	schedule       string
	staleRetention time.Duration
	logRetention   time.Duration
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification for the maintenance run.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithStaleRetention adjusts how long stale listings survive before removal.
func WithStaleRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.staleRetention = d
		}
	}
}

// WithLogRetention adjusts how long sync log entries are kept.
func WithLogRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.logRetention = d
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil store or log
// service results in the corresponding job being skipped.
func NewCleaner(db *gorm.DB, store *services.InventoryStore, logs *services.SyncLogService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:             db,
		store:          store,
		logs:           logs,
		now:            time.Now,
		schedule:       defaultSpec,
		staleRetention: defaultStaleRetention,
		logRetention:   defaultLogRetention,
		log:            logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the maintenance job with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("maintenance run failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily used
// in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.store != nil && c.db != nil {
		var dealers []models.Dealer
		if err := c.db.WithContext(ctx).Where("active = ?", true).Find(&dealers).Error; err != nil {
			errs = multierr.Append(errs, err)
		} else {
			for _, dealer := range dealers {
				removed, err := c.store.CleanupStale(ctx, dealer.ID, c.staleRetention)
				if err != nil {
					errs = multierr.Append(errs, err)
					continue
				}
				if removed > 0 {
					c.log.Info("removed stale listings",
						zap.String("dealer_id", dealer.ID),
						zap.Int64("removed", removed),
					)
				}
			}
		}
	}

	if c.logs != nil && c.logRetention > 0 {
		if _, err := c.logs.Prune(ctx, c.logRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
