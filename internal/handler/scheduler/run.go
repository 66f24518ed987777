package scheduler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/repository"
)

// RunOnce runs one poll cycle for the watch config in the path
func RunOnce(s Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_id",
				Message: "Invalid watch config ID",
				Code:    http.StatusBadRequest,
			})
			return
		}

		res, err := s.RunOnce(c.Request.Context(), uint(id))
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Watch config not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		if err != nil {
			logrus.Errorf("Run once failed: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "scheduler_error",
				Message: "Failed to run poll cycle",
				Code:    http.StatusInternalServerError,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Poll cycle completed",
			"result":  res,
		})
	}
}
