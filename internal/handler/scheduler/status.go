package scheduler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Status returns the supervisor state and every task's status
func Status(s Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := "stopped"
		if s.IsRunning() {
			state = "running"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":         state,
			"next_reconcile": s.NextReconcile(),
			"last_reconcile": s.LastReconcile(),
			"tasks":          s.Statuses(),
		})
	}
}

// Restart tears down and restarts every poll task
func Restart(s Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Restart(c.Request.Context()); err != nil {
			logrus.Errorf("Failed to restart mail service: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "scheduler_error",
				Message: "Failed to restart mail service",
				Code:    http.StatusInternalServerError,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Mail service restarted",
			"status":  "running",
			"tasks":   s.Statuses(),
		})
	}
}
