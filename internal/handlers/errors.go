package handlers

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

func sendError(c *gin.Context, logger *slog.Logger, code int, message string, err error) {
	logger.Error(message,
		"error", err,
		"code", code,
		"path", c.Request.URL.Path,
	)

	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Message: message,
	})
}
