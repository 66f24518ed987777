package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/credential"
)

// GetAuthStatus reports whether the mailbox is authorized
func (h *Handlers) GetAuthStatus(c *gin.Context) {
	status, err := h.auth.Status(c.Request.Context())
	if err != nil {
		logrus.Errorf("Failed to read token status: %v", err)
		respondError(c, http.StatusInternalServerError, "auth_error", "Failed to read token status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetAuthURL returns the Google consent page URL
func (h *Handlers) GetAuthURL(c *gin.Context) {
	state := uuid.NewString()
	c.JSON(http.StatusOK, gin.H{
		"auth_url": h.auth.AuthCodeURL(state),
		"state":    state,
	})
}

// ExchangeCode stores the token for an authorization code and restarts polling
func (h *Handlers) ExchangeCode(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	h.exchange(c, req.Code)
}

// OAuthCallback is the redirect target of the consent page
func (h *Handlers) OAuthCallback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		respondError(c, http.StatusBadRequest, "auth_error", "Authorization denied: "+e)
		return
	}
	code := c.Query("code")
	if code == "" {
		respondError(c, http.StatusBadRequest, "validation_error", "Missing authorization code")
		return
	}
	h.exchange(c, code)
}

func (h *Handlers) exchange(c *gin.Context, code string) {
	if _, err := h.auth.Exchange(c.Request.Context(), code); err != nil {
		logrus.Warnf("Authorization code exchange failed: %v", err)
		status := http.StatusInternalServerError
		if credential.IsAuthError(err) {
			status = http.StatusBadRequest
		}
		respondError(c, status, "auth_error", "Failed to exchange authorization code")
		return
	}

	if err := h.scheduler.Restart(c.Request.Context()); err != nil {
		logrus.Errorf("Failed to restart mail service after authorization: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Gmail authorization completed"})
}

// ResetAuth forgets the token and every watermark, then restarts polling.
// Tasks are stopped before the watermarks go, so no draining cycle can write
// an old position back. They come back unhealthy until the mailbox is
// authorized again.
func (h *Handlers) ResetAuth(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.auth.Invalidate(ctx); err != nil {
		logrus.Errorf("Failed to invalidate token: %v", err)
		respondError(c, http.StatusInternalServerError, "auth_error", "Failed to reset authorization")
		return
	}
	if err := h.scheduler.Shutdown(ctx); err != nil {
		logrus.Warnf("Mail service did not stop cleanly before reset: %v", err)
	}
	err := h.repo.ResetWatermarks(ctx)
	if startErr := h.scheduler.Start(ctx); startErr != nil {
		logrus.Errorf("Failed to start mail service after reset: %v", startErr)
	}
	if err != nil {
		respondStoreError(c, err, "watermarks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Authorization reset, re-authorize to resume polling"})
}
