package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel carries the identifier and timestamps shared by thread records.
type BaseModel struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID when none was set.
func (m *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// All lists every model managed by AutoMigrate.
func All() []any {
	return []any{
		&Thread{},
		&ThreadCollaborator{},
		&ThreadComment{},
		&ThreadInsight{},
		&ThreadVersion{},
		&ReadReceipt{},
		&ThreadLock{},
	}
}
