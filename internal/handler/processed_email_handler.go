package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/repository"
)

// GetProcessedEmails returns processed emails with pagination and filters
func (h *Handlers) GetProcessedEmails(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	days, _ := strconv.Atoi(c.DefaultQuery("days", "0"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	status := c.Query("status")
	if status != "" && status != "success" && status != "failed" {
		respondError(c, http.StatusBadRequest, "validation_error", "status must be success or failed")
		return
	}

	records, total, err := h.repo.ListProcessedEmails(c.Request.Context(), repository.ProcessedEmailFilter{
		Page:     page,
		PageSize: pageSize,
		Status:   status,
		Search:   c.Query("search"),
		Days:     days,
	})
	if err != nil {
		respondStoreError(c, err, "processed emails")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"emails": records,
		"pagination": Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: (total + int64(pageSize) - 1) / int64(pageSize),
		},
	})
}

// GetProcessedSummary returns outcome totals and daily counts for the last week
func (h *Handlers) GetProcessedSummary(c *gin.Context) {
	summary, err := h.repo.Summary(c.Request.Context(), time.Now().UTC())
	if err != nil {
		respondStoreError(c, err, "processed email summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetProcessedEmail returns a specific processed email
func (h *Handlers) GetProcessedEmail(c *gin.Context) {
	id, ok := parseID(c, "processed email")
	if !ok {
		return
	}
	rec, err := h.repo.GetProcessedEmail(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "processed email")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteProcessedEmail removes one audit record. The message is not re-forwarded.
func (h *Handlers) DeleteProcessedEmail(c *gin.Context) {
	id, ok := parseID(c, "processed email")
	if !ok {
		return
	}
	if err := h.repo.DeleteProcessedEmail(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "processed email")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Processed email deleted successfully"})
}

// ClearProcessedEmails removes every audit record. Watermarks are kept.
func (h *Handlers) ClearProcessedEmails(c *gin.Context) {
	n, err := h.repo.ClearAllProcessedEmails(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "processed emails")
		return
	}
	logrus.Infof("Cleared %d processed email records", n)
	c.JSON(http.StatusOK, gin.H{
		"message": "Processed emails cleared",
		"deleted": n,
	})
}
