package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/threadsync/internal/models"
	"github.com/charlesng35/threadsync/pkg/logger"
	"github.com/charlesng35/threadsync/pkg/metrics"
)

const (
	defaultLockSpec    = "@every 30s"
	defaultReceiptSpec = "@daily"
)

// Expirer is implemented by lock stores that must drop stale leases themselves.
// Redis expires keys on its own and does not need it.
type Expirer interface {
	Expire(ctx context.Context) ([]string, error)
}

// Rooms is the part of the realtime hub the sweeper drives.
type Rooms interface {
	ReconcileLocks(ctx context.Context) (int, error)
	ActiveRooms() int
}

// Sweeper runs the periodic authority upkeep: expiring edit leases, announcing
// the releases to their rooms and pruning old read receipts.
type Sweeper struct {
	db    *gorm.DB
	locks Expirer
	rooms Rooms
	cron  *cron.Cron
	now   func() time.Time
	log   *zap.Logger

	retention time.Duration

	lockSchedule    string
	receiptSchedule string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLockSchedule overrides the cron specification for lease expiry.
func WithLockSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.lockSchedule = spec
		}
	}
}

// WithReceiptRetention enables pruning of read receipts older than d.
func WithReceiptRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewSweeper constructs a Sweeper. A nil locks skips lease expiry and a nil db
// skips receipt pruning.
func NewSweeper(db *gorm.DB, locks Expirer, rooms Rooms, opts ...Option) *Sweeper {
	s := &Sweeper{
		db:              db,
		locks:           locks,
		rooms:           rooms,
		now:             time.Now,
		lockSchedule:    defaultLockSpec,
		receiptSchedule: defaultReceiptSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Start registers the jobs with the cron scheduler and launches it.
func (s *Sweeper) Start() error {
	if s.locks != nil || s.rooms != nil {
		if _, err := s.cron.AddFunc(s.lockSchedule, func() {
			if err := s.sweepLocks(context.Background()); err != nil {
				s.log.Warn("lock sweep failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule lock sweep: %w", err)
		}
	}

	if s.db != nil && s.retention > 0 {
		if _, err := s.cron.AddFunc(s.receiptSchedule, func() {
			if _, err := PruneReceipts(context.Background(), s.db, s.now().Add(-s.retention)); err != nil {
				s.log.Warn("receipt pruning failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule receipt pruning: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes every configured job sequentially. Used in tests and during shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if err := s.sweepLocks(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if s.db != nil && s.retention > 0 {
		if _, err := PruneReceipts(ctx, s.db, s.now().Add(-s.retention)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Sweeper) sweepLocks(ctx context.Context) error {
	var errs error

	if s.locks != nil {
		freed, err := s.locks.Expire(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire leases: %w", err))
		} else if len(freed) > 0 {
			s.log.Debug("expired edit leases", zap.Strings("threads", freed))
		}
	}

	if s.rooms != nil {
		changed, err := s.rooms.ReconcileLocks(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile locks: %w", err))
		}
		if changed > 0 {
			s.log.Info("announced lock changes", zap.Int("rooms", changed))
		}
		metrics.ActiveRooms.Set(float64(s.rooms.ActiveRooms()))
	}

	return errs
}

// PruneReceipts deletes read receipts recorded before cutoff.
func PruneReceipts(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("prune receipts: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).Where("read_at < ?", cutoff).Delete(&models.ReadReceipt{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune receipts: %w", result.Error)
	}
	return result.RowsAffected, nil
}
