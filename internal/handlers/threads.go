package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/threadsync/internal/store"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/response"
)

// ThreadHandler serves read-only thread state for clients that have not joined yet.
type ThreadHandler struct {
	store *store.SnapshotStore
}

// NewThreadHandler constructs a thread handler.
func NewThreadHandler(st *store.SnapshotStore) *ThreadHandler {
	return &ThreadHandler{store: st}
}

// Get returns the thread content and its four snapshots.
func (h *ThreadHandler) Get(c *gin.Context) {
	ctx, threadID, err := threadScope(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	thread, err := h.store.Thread(ctx, threadID)
	if errors.Is(err, store.ErrThreadNotFound) {
		response.Error(c, syncErrors.ErrNotFound)
		return
	}
	if err != nil {
		response.Error(c, syncErrors.ErrInternal.WithInternal(err))
		return
	}

	snapshots, err := h.store.Snapshots(ctx, threadID)
	if err != nil {
		response.Error(c, syncErrors.ErrInternal.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"id":            thread.ID,
		"title":         thread.Title,
		"content":       thread.Content,
		"revision":      thread.Revision,
		"updated_by":    thread.UpdatedBy,
		"updated_at":    thread.UpdatedAt,
		"collaborators": snapshots.Collaborators,
		"versions":      snapshots.Versions,
		"comments":      snapshots.Comments,
		"insights":      snapshots.Insights,
	})
}
