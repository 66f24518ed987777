package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const keepAliveInterval = 25 * time.Second

// GetDashboard returns the dashboard overview
func (h *Handlers) GetDashboard(c *gin.Context) {
	stats, err := h.repo.Dashboard(c.Request.Context(), time.Now().UTC())
	if err != nil {
		respondStoreError(c, err, "dashboard stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// StreamEvents pushes processed-email and task health events as server-sent events.
func (h *Handlers) StreamEvents(c *gin.Context) {
	ch, cancel := h.hub.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().UTC()})
			return true
		}
	})
}
