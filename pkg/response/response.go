package response

import (
	"net/http"

	syncErrors "github.com/charlesng35/threadsync/pkg/errors"
	"github.com/gin-gonic/gin"
)

// Response defines the base HTTP payload of the authority server.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo holds error details to send to clients.
type ErrorInfo struct {
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes a JSON success response.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
	})
}

// Error writes a JSON error response derived from a SyncError.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = syncErrors.ErrInternal
	}

	syncErr := syncErrors.FromError(err)
	status := syncErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.JSON(status, Response{
		Success: false,
		Error: &ErrorInfo{
			Kind:    string(syncErr.Kind),
			Code:    syncErr.Code,
			Message: syncErr.Message,
		},
	})
}

// Abort writes the error response and stops the handler chain.
func Abort(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}
