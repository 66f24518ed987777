package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/repository"
	"gmail-webhook-relay/internal/scheduler"
)

// WatchConfigRequest represents the request structure for creating/updating watch configs
type WatchConfigRequest struct {
	EmailAddress         string `json:"email_address" binding:"required,email"`
	FilterSubject        string `json:"filter_subject"`
	FilterSender         string `json:"filter_sender"`
	CheckIntervalSeconds int    `json:"check_interval_seconds"`
	Active               *bool  `json:"active"`
}

// WebhookRequest represents the request structure for creating/updating webhook targets
type WebhookRequest struct {
	Name        string `json:"name" binding:"required"`
	URL         string `json:"url" binding:"required"`
	Active      *bool  `json:"active"`
	ContentType string `json:"content_type"`
	SendRawBody bool   `json:"send_raw_body"`
}

// ExchangeRequest carries the authorization code returned by Google's consent page.
type ExchangeRequest struct {
	Code string `json:"code" binding:"required"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"total_pages"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Gmail     string                 `json:"gmail"`
	Scheduler string                 `json:"scheduler"`
	Tasks     []scheduler.TaskStatus `json:"tasks"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func respondError(c *gin.Context, code int, kind, message string) {
	c.JSON(code, ErrorResponse{Error: kind, Message: message, Code: code})
}

// respondStoreError maps repository errors to 404 or 500.
func respondStoreError(c *gin.Context, err error, what string) {
	if errors.Is(err, repository.ErrNotFound) {
		respondError(c, http.StatusNotFound, "not_found", what+" not found")
		return
	}
	logrus.Errorf("Database error on %s: %v", what, err)
	respondError(c, http.StatusInternalServerError, "database_error", "Failed to access "+what)
}

func parseID(c *gin.Context, what string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "invalid_id", "Invalid "+what+" ID")
		return 0, false
	}
	return uint(id), true
}
