package models

import "time"

// ThreadLock is the database-backed edit lease of a thread.
type ThreadLock struct {
	ThreadID  string    `gorm:"primaryKey;size:128"`
	Holder    string    `gorm:"size:128;not null"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
