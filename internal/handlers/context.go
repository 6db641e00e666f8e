package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/threadsync/internal/middleware"
	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/validator"
)

// threadScope resolves the :id thread of the route for the authenticated
// caller. Malformed ids and threads outside the token's scope both report
// not found so the API does not reveal which threads exist.
func threadScope(c *gin.Context) (context.Context, string, error) {
	threadID := c.Param("id")
	if validator.ValidateRoomID(threadID) != nil {
		return nil, "", syncErrors.ErrNotFound
	}

	claims, ok := middleware.ClaimsFrom(c)
	if !ok || !claims.AllowsThread(threadID) {
		return nil, "", syncErrors.ErrNotFound
	}
	return c.Request.Context(), threadID, nil
}
