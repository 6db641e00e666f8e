package models

import "time"

// Thread is a shared document room. ID is the room identifier clients join with.
type Thread struct {
	ID        string    `gorm:"primaryKey;size:128" json:"id"`
	Title     string    `gorm:"size:200" json:"title"`
	Content   string    `gorm:"type:text" json:"content"`
	Revision  int64     `gorm:"not null;default:0" json:"revision"`
	UpdatedBy string    `gorm:"size:128" json:"updated_by,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Collaborators []ThreadCollaborator `gorm:"foreignKey:ThreadID" json:"collaborators,omitempty"`
}

// ThreadCollaborator records that a user has taken part in a thread.
type ThreadCollaborator struct {
	ThreadID  string    `gorm:"primaryKey;size:128" json:"thread_id"`
	UserID    string    `gorm:"primaryKey;size:128" json:"user_id"`
	Name      string    `gorm:"size:128" json:"name,omitempty"`
	Role      string    `gorm:"type:varchar(32);not null;default:'editor'" json:"role"`
	JoinedAt  time.Time `gorm:"not null;index" json:"joined_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
