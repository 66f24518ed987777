package scheduler

import (
	"context"
	"time"

	schedulerSvc "gmail-webhook-relay/internal/scheduler"
)

// Service is the poll supervisor behind the service endpoints.
type Service interface {
	RunOnce(ctx context.Context, configID uint) (*schedulerSvc.CycleResult, error)
	Restart(ctx context.Context) error
	Statuses() []schedulerSvc.TaskStatus
	IsRunning() bool
	NextReconcile() time.Time
	LastReconcile() time.Time
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
