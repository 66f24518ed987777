package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gmail-webhook-relay/internal/config"
	"gmail-webhook-relay/internal/model"
)

// GetWebhooks returns all webhook targets
func (h *Handlers) GetWebhooks(c *gin.Context) {
	targets, err := h.repo.ListWebhookTargets(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "webhooks")
		return
	}
	c.JSON(http.StatusOK, targets)
}

// GetWebhook returns a specific webhook target
func (h *Handlers) GetWebhook(c *gin.Context) {
	id, ok := parseID(c, "webhook")
	if !ok {
		return
	}
	target, err := h.repo.GetWebhookTarget(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "webhook")
		return
	}
	c.JSON(http.StatusOK, target)
}

// CreateWebhook creates a new webhook target
func (h *Handlers) CreateWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	target := model.WebhookTarget{Active: true}
	if !applyWebhook(c, &target, req) {
		return
	}
	if err := h.repo.CreateWebhookTarget(c.Request.Context(), &target); err != nil {
		respondStoreError(c, err, "webhook")
		return
	}
	c.JSON(http.StatusCreated, target)
}

// UpdateWebhook replaces an existing webhook target
func (h *Handlers) UpdateWebhook(c *gin.Context) {
	id, ok := parseID(c, "webhook")
	if !ok {
		return
	}
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	target, err := h.repo.GetWebhookTarget(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "webhook")
		return
	}
	if !applyWebhook(c, target, req) {
		return
	}
	if err := h.repo.UpdateWebhookTarget(c.Request.Context(), target); err != nil {
		respondStoreError(c, err, "webhook")
		return
	}
	c.JSON(http.StatusOK, target)
}

// DeleteWebhook deletes a webhook target
func (h *Handlers) DeleteWebhook(c *gin.Context) {
	id, ok := parseID(c, "webhook")
	if !ok {
		return
	}
	if err := h.repo.DeleteWebhookTarget(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "webhook")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Webhook deleted successfully"})
}

// TestWebhook sends a sample payload to the target. The dedup ledger is not touched.
func (h *Handlers) TestWebhook(c *gin.Context) {
	id, ok := parseID(c, "webhook")
	if !ok {
		return
	}
	target, err := h.repo.GetWebhookTarget(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "webhook")
		return
	}
	c.JSON(http.StatusOK, h.tester.Test(c.Request.Context(), *target))
}

func applyWebhook(c *gin.Context, target *model.WebhookTarget, req WebhookRequest) bool {
	if err := config.ValidateWebhookURL(req.URL); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	target.Name = req.Name
	target.URL = req.URL
	target.ContentType = req.ContentType
	if target.ContentType == "" {
		target.ContentType = model.DefaultContentType
	}
	target.SendRawBody = req.SendRawBody
	if req.Active != nil {
		target.Active = *req.Active
	}
	return true
}
