package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"gmail-webhook-relay/internal/model"
)

const defaultCheckInterval = 60

// GetWatchConfigs returns all watch configs
func (h *Handlers) GetWatchConfigs(c *gin.Context) {
	configs, err := h.repo.ListWatchConfigs(c.Request.Context())
	if err != nil {
		respondStoreError(c, err, "watch configs")
		return
	}
	c.JSON(http.StatusOK, configs)
}

// GetWatchConfig returns a specific watch config
func (h *Handlers) GetWatchConfig(c *gin.Context) {
	id, ok := parseID(c, "watch config")
	if !ok {
		return
	}
	cfg, err := h.repo.GetWatchConfig(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "watch config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// CreateWatchConfig creates a new watch config
func (h *Handlers) CreateWatchConfig(c *gin.Context) {
	var req WatchConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	cfg := model.WatchConfig{Active: true}
	if !h.applyWatchConfig(c, &cfg, req) {
		return
	}

	if err := h.repo.CreateWatchConfig(c.Request.Context(), &cfg); err != nil {
		respondStoreError(c, err, "watch config")
		return
	}
	h.reconcile(c.Request.Context())
	c.JSON(http.StatusCreated, cfg)
}

// UpdateWatchConfig replaces an existing watch config
func (h *Handlers) UpdateWatchConfig(c *gin.Context) {
	id, ok := parseID(c, "watch config")
	if !ok {
		return
	}
	var req WatchConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	cfg, err := h.repo.GetWatchConfig(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "watch config")
		return
	}
	if !h.applyWatchConfig(c, cfg, req) {
		return
	}
	if err := h.repo.UpdateWatchConfig(c.Request.Context(), cfg); err != nil {
		respondStoreError(c, err, "watch config")
		return
	}
	h.reconcile(c.Request.Context())
	c.JSON(http.StatusOK, cfg)
}

// DeleteWatchConfig deletes a watch config and stops its task
func (h *Handlers) DeleteWatchConfig(c *gin.Context) {
	id, ok := parseID(c, "watch config")
	if !ok {
		return
	}
	if err := h.repo.DeleteWatchConfig(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "watch config")
		return
	}
	h.reconcile(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"message": "Watch config deleted successfully"})
}

// EnableWatchConfig activates a watch config
func (h *Handlers) EnableWatchConfig(c *gin.Context) {
	h.setWatchConfigActive(c, true)
}

// DisableWatchConfig deactivates a watch config
func (h *Handlers) DisableWatchConfig(c *gin.Context) {
	h.setWatchConfigActive(c, false)
}

func (h *Handlers) setWatchConfigActive(c *gin.Context, active bool) {
	id, ok := parseID(c, "watch config")
	if !ok {
		return
	}
	cfg, err := h.repo.GetWatchConfig(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "watch config")
		return
	}
	cfg.Active = active
	if err := h.repo.UpdateWatchConfig(c.Request.Context(), cfg); err != nil {
		respondStoreError(c, err, "watch config")
		return
	}
	h.reconcile(c.Request.Context())
	c.JSON(http.StatusOK, cfg)
}

// applyWatchConfig copies req onto cfg and validates the poll interval.
func (h *Handlers) applyWatchConfig(c *gin.Context, cfg *model.WatchConfig, req WatchConfigRequest) bool {
	interval := req.CheckIntervalSeconds
	if interval == 0 {
		interval = defaultCheckInterval
	}
	if min := int(h.minPoll.Seconds()); interval < min {
		respondError(c, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("check_interval_seconds must be at least %d", min))
		return false
	}

	cfg.EmailAddress = req.EmailAddress
	cfg.FilterSubject = req.FilterSubject
	cfg.FilterSender = req.FilterSender
	cfg.CheckIntervalSeconds = interval
	if req.Active != nil {
		cfg.Active = *req.Active
	}
	return true
}
