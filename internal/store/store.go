// Package store persists the authoritative thread state behind the realtime hub:
// content, collaborators, comments, insights, versions and read receipts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/threadsync/internal/models"
	"github.com/charlesng35/threadsync/internal/protocol"
)

// ErrThreadNotFound is returned when a thread row does not exist.
var ErrThreadNotFound = errors.New("store: thread not found")

// Snapshots bundles the four lists sent to a member after joining.
type Snapshots struct {
	Collaborators []protocol.Collaborator
	Versions      []protocol.Version
	Comments      []protocol.Comment
	Insights      []protocol.Insight
}

// SnapshotStore is the gorm backed thread store.
type SnapshotStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSnapshotStore wraps db. The schema must already be migrated.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db, now: time.Now}
}

// EnsureThread creates the thread row on first use and returns it.
func (s *SnapshotStore) EnsureThread(ctx context.Context, threadID string) (models.Thread, error) {
	thread := models.Thread{ID: threadID}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&thread).Error
	if err != nil {
		return models.Thread{}, fmt.Errorf("ensure thread: %w", err)
	}
	return s.Thread(ctx, threadID)
}

// Thread loads one thread.
func (s *SnapshotStore) Thread(ctx context.Context, threadID string) (models.Thread, error) {
	var thread models.Thread
	err := s.db.WithContext(ctx).Take(&thread, "id = ?", threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return models.Thread{}, fmt.Errorf("load thread: %w", err)
	}
	return thread, nil
}

// UpdateContent replaces the thread content and bumps its revision.
func (s *SnapshotStore) UpdateContent(ctx context.Context, threadID, userID, content string) (protocol.Update, error) {
	var update protocol.Update
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.Thread
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&thread, "id = ?", threadID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrThreadNotFound
		}
		if err != nil {
			return err
		}

		thread.Content = content
		thread.Revision++
		thread.UpdatedBy = userID
		if err := tx.Save(&thread).Error; err != nil {
			return err
		}

		update = protocol.Update{
			UserID:   userID,
			Content:  content,
			Revision: thread.Revision,
			At:       thread.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return protocol.Update{}, fmt.Errorf("update content: %w", err)
	}
	return update, nil
}

// AddCollaborator records userID as a member of the thread. Re-joining keeps the first JoinedAt.
func (s *SnapshotStore) AddCollaborator(ctx context.Context, threadID, userID, name, role string) error {
	if strings.TrimSpace(role) == "" {
		role = "editor"
	}
	row := models.ThreadCollaborator{
		ThreadID: threadID,
		UserID:   userID,
		Name:     name,
		Role:     role,
		JoinedAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

// RemoveCollaborator deletes userID from the thread and reports whether a row was removed.
func (s *SnapshotStore) RemoveCollaborator(ctx context.Context, threadID, userID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Delete(&models.ThreadCollaborator{})
	if result.Error != nil {
		return false, fmt.Errorf("remove collaborator: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Collaborators lists thread members ordered by join time.
func (s *SnapshotStore) Collaborators(ctx context.Context, threadID string) ([]protocol.Collaborator, error) {
	var rows []models.ThreadCollaborator
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("joined_at ASC, user_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}

	items := make([]protocol.Collaborator, 0, len(rows))
	for _, row := range rows {
		items = append(items, protocol.Collaborator{
			UserID:   row.UserID,
			Name:     row.Name,
			Role:     row.Role,
			JoinedAt: row.JoinedAt,
		})
	}
	return items, nil
}

// AddComment appends a comment.
func (s *SnapshotStore) AddComment(ctx context.Context, threadID, authorID, content string) (protocol.Comment, error) {
	row := models.ThreadComment{ThreadID: threadID, AuthorID: authorID, Content: content}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return protocol.Comment{}, fmt.Errorf("add comment: %w", err)
	}
	return commentFromModel(row), nil
}

// Comments lists comments oldest first.
func (s *SnapshotStore) Comments(ctx context.Context, threadID string) ([]protocol.Comment, error) {
	var rows []models.ThreadComment
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	items := make([]protocol.Comment, 0, len(rows))
	for _, row := range rows {
		items = append(items, commentFromModel(row))
	}
	return items, nil
}

// AddInsight appends an insight with optional structured metadata.
func (s *SnapshotStore) AddInsight(ctx context.Context, threadID, authorID string, in protocol.AddInsight) (protocol.Insight, error) {
	row := models.ThreadInsight{
		ThreadID: threadID,
		AuthorID: authorID,
		Type:     in.Type,
		Content:  in.Content,
	}
	if len(in.Metadata) > 0 {
		row.Metadata = datatypes.JSONMap(in.Metadata)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return protocol.Insight{}, fmt.Errorf("add insight: %w", err)
	}
	return insightFromModel(row), nil
}

// Insights lists insights oldest first.
func (s *SnapshotStore) Insights(ctx context.Context, threadID string) ([]protocol.Insight, error) {
	var rows []models.ThreadInsight
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}

	items := make([]protocol.Insight, 0, len(rows))
	for _, row := range rows {
		items = append(items, insightFromModel(row))
	}
	return items, nil
}

// CreateVersion records a named snapshot of content.
func (s *SnapshotStore) CreateVersion(ctx context.Context, threadID, authorID, title, content string) (protocol.Version, error) {
	row := models.ThreadVersion{ThreadID: threadID, AuthorID: authorID, Title: title, Content: content}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return protocol.Version{}, fmt.Errorf("create version: %w", err)
	}
	return versionFromModel(row), nil
}

// Versions lists versions newest first.
func (s *SnapshotStore) Versions(ctx context.Context, threadID string) ([]protocol.Version, error) {
	var rows []models.ThreadVersion
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	items := make([]protocol.Version, 0, len(rows))
	for _, row := range rows {
		items = append(items, versionFromModel(row))
	}
	return items, nil
}

// RecordReceipt stores a read receipt with set semantics. It returns the
// stored receipt, whose ReadAt is the first one recorded, and whether this
// call created it.
func (s *SnapshotStore) RecordReceipt(ctx context.Context, threadID, messageID, userID string, readAt time.Time) (protocol.Read, bool, error) {
	row := models.ReadReceipt{
		ThreadID:  threadID,
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    readAt.UTC(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return protocol.Read{}, false, fmt.Errorf("record receipt: %w", result.Error)
	}
	created := result.RowsAffected > 0

	var stored models.ReadReceipt
	if err := s.db.WithContext(ctx).
		Take(&stored, "thread_id = ? AND message_id = ? AND user_id = ?", threadID, messageID, userID).Error; err != nil {
		return protocol.Read{}, false, fmt.Errorf("load receipt: %w", err)
	}
	return protocol.Read{MessageID: messageID, UserID: userID, ReadAt: stored.ReadAt}, created, nil
}

// Receipts lists the receipts of one message ordered by read time.
func (s *SnapshotStore) Receipts(ctx context.Context, threadID, messageID string) ([]protocol.Read, error) {
	var rows []models.ReadReceipt
	if err := s.db.WithContext(ctx).
		Where("thread_id = ? AND message_id = ?", threadID, messageID).
		Order("read_at ASC, user_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}

	items := make([]protocol.Read, 0, len(rows))
	for _, row := range rows {
		items = append(items, protocol.Read{MessageID: row.MessageID, UserID: row.UserID, ReadAt: row.ReadAt})
	}
	return items, nil
}

// Snapshots loads the four lists of a thread.
func (s *SnapshotStore) Snapshots(ctx context.Context, threadID string) (Snapshots, error) {
	var (
		out Snapshots
		err error
	)
	if out.Collaborators, err = s.Collaborators(ctx, threadID); err != nil {
		return Snapshots{}, err
	}
	if out.Versions, err = s.Versions(ctx, threadID); err != nil {
		return Snapshots{}, err
	}
	if out.Comments, err = s.Comments(ctx, threadID); err != nil {
		return Snapshots{}, err
	}
	if out.Insights, err = s.Insights(ctx, threadID); err != nil {
		return Snapshots{}, err
	}
	return out, nil
}

func commentFromModel(row models.ThreadComment) protocol.Comment {
	return protocol.Comment{
		ID:        row.ID,
		AuthorID:  row.AuthorID,
		Content:   row.Content,
		CreatedAt: row.CreatedAt,
	}
}

func insightFromModel(row models.ThreadInsight) protocol.Insight {
	insight := protocol.Insight{
		ID:        row.ID,
		Type:      row.Type,
		Content:   row.Content,
		AuthorID:  row.AuthorID,
		CreatedAt: row.CreatedAt,
	}
	if len(row.Metadata) > 0 {
		insight.Metadata = map[string]any(row.Metadata)
	}
	return insight
}

func versionFromModel(row models.ThreadVersion) protocol.Version {
	return protocol.Version{
		ID:        row.ID,
		Title:     row.Title,
		Content:   row.Content,
		AuthorID:  row.AuthorID,
		CreatedAt: row.CreatedAt,
	}
}
