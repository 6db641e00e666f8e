package cache

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/threadsync/internal/models"
)

// DatabaseLockStore keeps leases in the primary SQL database so that several
// authority nodes without redis still agree on the holder.
type DatabaseLockStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseLockStore constructs a database-backed LockStore.
func NewDatabaseLockStore(db *gorm.DB) *DatabaseLockStore {
	if db == nil {
		return nil
	}
	return &DatabaseLockStore{db: db, now: time.Now}
}

var errStoreNotInitialised = errors.New("cache: database lock store not initialised")

func (s *DatabaseLockStore) Acquire(ctx context.Context, thread, user string, ttl time.Duration) (Lease, error) {
	if s == nil {
		return Lease{}, errStoreNotInitialised
	}

	now := s.now().UTC()
	expiry := now.Add(normalizeTTL(ttl))

	var lease Lease
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A concurrent first acquire on another node turns the insert into a
		// no-op; the row lock below then serialises the decision.
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.ThreadLock{ThreadID: thread, Holder: user, ExpiresAt: expiry})
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 1 {
			lease = Lease{Holder: user, ExpiresAt: expiry}
			return nil
		}

		var row models.ThreadLock
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&row, "thread_id = ?", thread).Error; err != nil {
			return err
		}
		if row.Holder != user && now.Before(row.ExpiresAt) {
			lease = Lease{Holder: row.Holder, ExpiresAt: row.ExpiresAt}
			return nil
		}

		lease = Lease{Holder: user, ExpiresAt: expiry}
		return tx.Model(&row).Updates(map[string]any{"holder": user, "expires_at": expiry}).Error
	})
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

func (s *DatabaseLockStore) Release(ctx context.Context, thread, user string) (bool, error) {
	if s == nil {
		return false, errStoreNotInitialised
	}
	result := s.db.WithContext(ctx).
		Where("thread_id = ? AND holder = ? AND expires_at > ?", thread, user, s.now().UTC()).
		Delete(&models.ThreadLock{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *DatabaseLockStore) Refresh(ctx context.Context, thread, user string, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, errStoreNotInitialised
	}
	now := s.now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.ThreadLock{}).
		Where("thread_id = ? AND holder = ? AND expires_at > ?", thread, user, now).
		Update("expires_at", now.Add(normalizeTTL(ttl)))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *DatabaseLockStore) Holder(ctx context.Context, thread string) (Lease, error) {
	if s == nil {
		return Lease{}, errStoreNotInitialised
	}

	var row models.ThreadLock
	err := s.db.WithContext(ctx).Take(&row, "thread_id = ?", thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lease{}, nil
	}
	if err != nil {
		return Lease{}, err
	}
	if !s.now().UTC().Before(row.ExpiresAt) {
		return Lease{}, nil
	}
	return Lease{Holder: row.Holder, ExpiresAt: row.ExpiresAt}, nil
}

// Expire deletes every lease past its deadline and returns the threads it freed.
func (s *DatabaseLockStore) Expire(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, errStoreNotInitialised
	}

	now := s.now().UTC()
	var expired []models.ThreadLock
	if err := s.db.WithContext(ctx).Where("expires_at <= ?", now).Find(&expired).Error; err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	threads := make([]string, 0, len(expired))
	for _, row := range expired {
		threads = append(threads, row.ThreadID)
	}
	if err := s.db.WithContext(ctx).Where("thread_id IN ? AND expires_at <= ?", threads, now).Delete(&models.ThreadLock{}).Error; err != nil {
		return nil, err
	}
	return threads, nil
}
