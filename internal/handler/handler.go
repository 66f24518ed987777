package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"gmail-webhook-relay/internal/config"
	"gmail-webhook-relay/internal/credential"
	"gmail-webhook-relay/internal/dispatcher"
	"gmail-webhook-relay/internal/events"
	schedulerHandler "gmail-webhook-relay/internal/handler/scheduler"
	"gmail-webhook-relay/internal/model"
	"gmail-webhook-relay/internal/repository"
	"gmail-webhook-relay/internal/scheduler"
)

// Supervisor is the poll scheduler as seen by the API.
type Supervisor interface {
	schedulerHandler.Service
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Reconcile(ctx context.Context) error
	Healthy() bool
}

// Authenticator is the credential store as seen by the API.
type Authenticator interface {
	Status(ctx context.Context) (credential.Status, error)
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Invalidate(ctx context.Context) error
}

// WebhookTester sends the sample payload to a target.
type WebhookTester interface {
	Test(ctx context.Context, target model.WebhookTarget) dispatcher.TestResult
}

// Handlers contains all HTTP handlers
type Handlers struct {
	repo      *repository.Repository
	scheduler Supervisor
	auth      Authenticator
	tester    WebhookTester
	hub       *events.Hub
	gatherer  prometheus.Gatherer
	minPoll   time.Duration
}

// Options wires NewHandlers. Gatherer defaults to the Prometheus default registry.
type Options struct {
	Repo       *repository.Repository
	Scheduler  Supervisor
	Auth       Authenticator
	Tester     WebhookTester
	Hub        *events.Hub
	Gatherer   prometheus.Gatherer
	Scheduling config.SchedulerConfig
}

// NewHandlers creates new HTTP handlers
func NewHandlers(opts Options) *Handlers {
	g := opts.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Handlers{
		repo:      opts.Repo,
		scheduler: opts.Scheduler,
		auth:      opts.Auth,
		tester:    opts.Tester,
		hub:       opts.Hub,
		gatherer:  g,
		minPoll:   opts.Scheduling.MinInterval(),
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	router.GET("/callback", h.OAuthCallback)

	api := router.Group("/api/v1")
	{
		api.GET("/watch-configs", h.GetWatchConfigs)
		api.POST("/watch-configs", h.CreateWatchConfig)
		api.GET("/watch-configs/:id", h.GetWatchConfig)
		api.PUT("/watch-configs/:id", h.UpdateWatchConfig)
		api.DELETE("/watch-configs/:id", h.DeleteWatchConfig)
		api.PATCH("/watch-configs/:id/enable", h.EnableWatchConfig)
		api.PATCH("/watch-configs/:id/disable", h.DisableWatchConfig)
		api.POST("/watch-configs/:id/run-once", schedulerHandler.RunOnce(h.scheduler))

		api.GET("/webhooks", h.GetWebhooks)
		api.POST("/webhooks", h.CreateWebhook)
		api.GET("/webhooks/:id", h.GetWebhook)
		api.PUT("/webhooks/:id", h.UpdateWebhook)
		api.DELETE("/webhooks/:id", h.DeleteWebhook)
		api.POST("/webhooks/:id/test", h.TestWebhook)

		api.GET("/processed-emails", h.GetProcessedEmails)
		api.GET("/processed-emails/summary", h.GetProcessedSummary)
		api.GET("/processed-emails/:id", h.GetProcessedEmail)
		api.DELETE("/processed-emails/:id", h.DeleteProcessedEmail)
		api.DELETE("/processed-emails", h.ClearProcessedEmails)

		api.GET("/stats/dashboard", h.GetDashboard)
		api.GET("/events", h.StreamEvents)

		api.GET("/auth/status", h.GetAuthStatus)
		api.GET("/auth/url", h.GetAuthURL)
		api.POST("/auth/exchange", h.ExchangeCode)
		api.POST("/auth/reset", h.ResetAuth)

		api.GET("/service/status", schedulerHandler.Status(h.scheduler))
		api.POST("/service/restart", schedulerHandler.Restart(h.scheduler))
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Gmail:     "authorized",
		Scheduler: "stopped",
		Tasks:     h.scheduler.Statuses(),
	}

	sqlDB, err := h.repo.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	status, err := h.auth.Status(ctx)
	switch {
	case err != nil:
		response.Gmail = "error"
	case !status.Authorized:
		response.Gmail = "unauthorized"
	case !status.Valid && !status.HasRefreshToken:
		response.Gmail = "expired"
	}

	if h.scheduler.IsRunning() {
		response.Scheduler = "running"
	}
	if response.Status == "ok" && (response.Gmail != "authorized" || !h.scheduler.Healthy()) {
		response.Status = "degraded"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// reconcile applies configuration changes to the running tasks right away
// instead of waiting for the next scheduled reconcile.
func (h *Handlers) reconcile(ctx context.Context) {
	if !h.scheduler.IsRunning() {
		return
	}
	if err := h.scheduler.Reconcile(ctx); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		logrus.Warnf("Reconcile after config change failed: %v", err)
	}
}
