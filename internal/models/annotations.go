package models

import (
	"time"

	"gorm.io/datatypes"
)

// ThreadComment is a comment posted on a thread.
type ThreadComment struct {
	BaseModel

	ThreadID string `gorm:"size:128;not null;index" json:"thread_id"`
	AuthorID string `gorm:"size:128;not null;index" json:"author_id"`
	Content  string `gorm:"type:text;not null" json:"content"`
}

// ThreadInsight is a typed annotation such as a summary or a risk note.
type ThreadInsight struct {
	BaseModel

	ThreadID string            `gorm:"size:128;not null;index" json:"thread_id"`
	AuthorID string            `gorm:"size:128;not null;index" json:"author_id"`
	Type     string            `gorm:"type:varchar(64);not null;index" json:"type"`
	Content  string            `gorm:"type:text;not null" json:"content"`
	Metadata datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
}

// ThreadVersion is a named snapshot of thread content.
type ThreadVersion struct {
	BaseModel

	ThreadID string `gorm:"size:128;not null;index" json:"thread_id"`
	AuthorID string `gorm:"size:128;not null;index" json:"author_id"`
	Title    string `gorm:"size:200;not null" json:"title"`
	Content  string `gorm:"type:text" json:"content"`
}

// ReadReceipt is unique per (thread, message, user); the first ReadAt is kept.
type ReadReceipt struct {
	ThreadID  string    `gorm:"primaryKey;size:128" json:"thread_id"`
	MessageID string    `gorm:"primaryKey;size:128" json:"message_id"`
	UserID    string    `gorm:"primaryKey;size:128" json:"user_id"`
	ReadAt    time.Time `gorm:"not null" json:"read_at"`
}
