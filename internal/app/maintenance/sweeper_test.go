package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/threadsync/internal/cache"
	dbtestutil "github.com/charlesng35/threadsync/internal/database/testutil"
	"github.com/charlesng35/threadsync/internal/models"
	"github.com/charlesng35/threadsync/pkg/metrics"
)

type fakeRooms struct {
	mu         sync.Mutex
	reconciled int
	changed    int
	active     int
	err        error
}

func (f *fakeRooms) ReconcileLocks(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled++
	return f.changed, f.err
}

func (f *fakeRooms) ActiveRooms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeRooms) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconciled
}

type failingExpirer struct{}

func (failingExpirer) Expire(context.Context) ([]string, error) {
	return nil, errors.New("store offline")
}

func TestSweeperExpiresLeasesBeforeReconciling(t *testing.T) {
	locks := cache.NewMemoryLockStore()
	ctx := context.Background()
	_, err := locks.Acquire(ctx, "thread-1", "alice", 10*time.Millisecond)
	require.NoError(t, err)
	_, err = locks.Acquire(ctx, "thread-2", "bob", time.Hour)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	rooms := &fakeRooms{changed: 1, active: 3}
	s := NewSweeper(nil, locks, rooms)
	require.NoError(t, s.RunOnce(ctx))

	freed, err := locks.Expire(ctx)
	require.NoError(t, err)
	require.Empty(t, freed)

	lease, err := locks.Holder(ctx, "thread-2")
	require.NoError(t, err)
	require.Equal(t, "bob", lease.Holder)

	require.Equal(t, 1, rooms.calls())
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.ActiveRooms))
}

func TestSweeperAggregatesFailures(t *testing.T) {
	rooms := &fakeRooms{err: errors.New("fanout closed")}
	s := NewSweeper(nil, failingExpirer{}, rooms)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "store offline")
	require.Contains(t, err.Error(), "fanout closed")
	require.Equal(t, 1, rooms.calls())
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	rooms := &fakeRooms{}
	s := NewSweeper(nil, nil, rooms,
		WithLockSchedule("@every 1s"),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return rooms.calls() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestSweeperRejectsInvalidSchedule(t *testing.T) {
	s := NewSweeper(nil, nil, &fakeRooms{}, WithLockSchedule("not a schedule"))
	require.Error(t, s.Start())
}

func TestPruneReceipts(t *testing.T) {
	db := dbtestutil.MustOpenTestDB(t, dbtestutil.WithAutoMigrate())
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)

	require.NoError(t, db.Create(&models.ReadReceipt{ThreadID: "t", MessageID: "m-1", UserID: "alice", ReadAt: now.AddDate(0, 0, -40)}).Error)
	require.NoError(t, db.Create(&models.ReadReceipt{ThreadID: "t", MessageID: "m-2", UserID: "alice", ReadAt: now.AddDate(0, 0, -1)}).Error)

	removed, err := PruneReceipts(context.Background(), db, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	var count int64
	require.NoError(t, db.Model(&models.ReadReceipt{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	_, err = PruneReceipts(context.Background(), nil, now)
	require.Error(t, err)
}

func TestSweeperRunOncePrunesWithRetention(t *testing.T) {
	db := dbtestutil.MustOpenTestDB(t, dbtestutil.WithAutoMigrate())
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.ReadReceipt{ThreadID: "t", MessageID: "m-1", UserID: "bob", ReadAt: now.Add(-48 * time.Hour)}).Error)

	s := NewSweeper(db, nil, nil,
		WithNow(func() time.Time { return now }),
		WithReceiptRetention(24*time.Hour),
	)
	require.NoError(t, s.RunOnce(context.Background()))

	var count int64
	require.NoError(t, db.Model(&models.ReadReceipt{}).Count(&count).Error)
	require.Zero(t, count)
}
