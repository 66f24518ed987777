package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/config"
	"gmail-webhook-relay/internal/credential"
	"gmail-webhook-relay/internal/dispatcher"
	"gmail-webhook-relay/internal/events"
	"gmail-webhook-relay/internal/mailclient"
	"gmail-webhook-relay/internal/metrics"
	"gmail-webhook-relay/internal/model"
)

// Store is the slice of the repository the supervisor reads and writes.
type Store interface {
	ListActiveWatchConfigs(ctx context.Context) ([]model.WatchConfig, error)
	GetWatchConfig(ctx context.Context, id uint) (*model.WatchConfig, error)
	ListActiveWebhookTargets(ctx context.Context) ([]model.WebhookTarget, error)
	GetWatermark(ctx context.Context, configID uint) (model.Watermark, error)
	SaveWatermark(ctx context.Context, wm *model.Watermark) error
}

// Claimer is the dedup ledger.
type Claimer interface {
	TryClaim(ctx context.Context, configID uint, s mailclient.Summary) (*model.ProcessedEmail, bool, error)
	Complete(ctx context.Context, rec *model.ProcessedEmail) error
	Release(ctx context.Context, messageID string) error
}

// Dispatcher fans a payload out to webhook targets.
type Dispatcher interface {
	FanOut(ctx context.Context, targets []model.WebhookTarget, payload dispatcher.Payload) (bool, []dispatcher.DeliveryOutcome)
}

// TokenRefresher keeps the shared OAuth token fresh between cycles.
type TokenRefresher interface {
	RefreshIfExpiring(ctx context.Context, window time.Duration) error
}

// Publisher receives processed-email and health notifications.
type Publisher interface {
	Publish(ev events.Event)
}

// Deps are the collaborators of a Scheduler. Tokens and Events are optional.
type Deps struct {
	Store      Store
	Mail       mailclient.Client
	Ledger     Claimer
	Dispatcher Dispatcher
	Tokens     TokenRefresher
	Metrics    *metrics.Metrics
	Events     Publisher
}

// ErrNotRunning is returned by operations that need a started scheduler.
var ErrNotRunning = errors.New("scheduler is not running")

// Scheduler supervises one polling task per active WatchConfig. A cron
// reconcile job diffs the active configs against the running tasks.
type Scheduler struct {
	cfg        config.SchedulerConfig
	snippetLen int
	deps       Deps

	cron        *cron.Cron
	reconcileID cron.EntryID

	mu            sync.Mutex
	running       bool
	ctx           context.Context
	cancel        context.CancelFunc
	tasks         map[uint]*task
	stopping      map[uint]*task
	stopped       map[uint]TaskStatus
	lastReconcile time.Time

	lockMu     sync.Mutex
	cycleLocks map[uint]*sync.Mutex
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg config.SchedulerConfig, bodySnippetLength int, deps Deps) *Scheduler {
	if bodySnippetLength <= 0 {
		bodySnippetLength = 500
	}
	return &Scheduler{
		cfg:        cfg,
		snippetLen: bodySnippetLength,
		deps:       deps,
		tasks:      make(map[uint]*task),
		stopping:   make(map[uint]*task),
		stopped:    make(map[uint]TaskStatus),
		cycleLocks: make(map[uint]*sync.Mutex),
	}
}

// Start launches a task for every active WatchConfig and schedules the
// reconcile and token refresh jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}

	c := cron.New(
		cron.WithLogger(cron.PrintfLogger(logrus.StandardLogger())),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logrus.StandardLogger()))),
	)
	reconcileID, err := c.AddFunc(every(s.cfg.ReconcileInterval, 15*time.Second), func() {
		if err := s.Reconcile(context.Background()); err != nil {
			logrus.Errorf("Failed to reconcile watch configs: %v", err)
		}
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to add reconcile job: %w", err)
	}
	if s.deps.Tokens != nil {
		interval := s.cfg.TokenRefreshInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		if _, err := c.AddFunc(every(interval, interval), func() { s.refreshToken(2 * interval) }); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to add token refresh job: %w", err)
		}
	}

	s.cron = c
	s.reconcileID = reconcileID
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	c.Start()
	s.mu.Unlock()

	logrus.Infof("Scheduler started, reconciling every %v", s.cfg.ReconcileInterval)
	return s.Reconcile(ctx)
}

// Reconcile starts tasks for newly active configs and stops tasks whose
// config was deactivated or deleted.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	configs, err := s.deps.Store.ListActiveWatchConfigs(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.lastReconcile = time.Now()

	want := make(map[uint]model.WatchConfig, len(configs))
	for _, cfg := range configs {
		want[cfg.ID] = cfg
	}

	for id, t := range s.stopping {
		if t.finished() {
			delete(s.stopping, id)
		}
	}

	for id, t := range s.tasks {
		if t.finished() {
			// the task ended itself after seeing its config inactive or gone
			s.retireLocked(id, t)
			delete(s.stopping, id)
			continue
		}
		if _, ok := want[id]; !ok {
			logrus.WithField("watch_config_id", id).Info("Stopping poll task")
			s.retireLocked(id, t)
		}
	}

	for id, cfg := range want {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		if _, busy := s.stopping[id]; busy {
			// picked up by a later reconcile once the old task has drained
			continue
		}
		s.startTaskLocked(cfg)
	}
	return nil
}

func (s *Scheduler) startTaskLocked(cfg model.WatchConfig) {
	t := newTask(cfg)
	s.tasks[cfg.ID] = t
	delete(s.stopped, cfg.ID)

	logrus.WithFields(logrus.Fields{
		"watch_config_id": cfg.ID,
		"address":         cfg.EmailAddress,
		"interval":        cfg.Interval(s.cfg.MinInterval()),
	}).Info("Starting poll task")

	go s.runTask(s.ctx, t)
}

// retireLocked signals t to stop and moves it to the stopping set.
func (s *Scheduler) retireLocked(id uint, t *task) {
	t.stop()
	delete(s.tasks, id)
	if !t.finished() {
		s.stopping[id] = t
	}
	st := t.snapshot()
	st.State = StateStopped
	st.NextRun = time.Time{}
	s.stopped[id] = st
}

// Shutdown stops all tasks and waits up to the grace period for in-flight
// cycles to finish. Tasks still running after that are abandoned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cronDone := s.cron.Stop()

	var all []*task
	for id, t := range s.tasks {
		s.retireLocked(id, t)
	}
	for _, t := range s.stopping {
		all = append(all, t)
	}
	cancel := s.cancel
	s.mu.Unlock()

	grace := s.cfg.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	defer cancel()

	drained := make(chan struct{})
	go func() {
		for _, t := range all {
			<-t.done
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-timer.C:
	case <-ctx.Done():
	}

	// abandoned tasks stay in stopping so a later Start waits for them
	abandoned := 0
	s.mu.Lock()
	for id, t := range s.stopping {
		if t.finished() {
			delete(s.stopping, id)
		} else {
			abandoned++
		}
	}
	s.mu.Unlock()

	select {
	case <-cronDone.Done():
	case <-time.After(time.Second):
	}

	if abandoned > 0 {
		logrus.Warnf("Scheduler stop timeout, abandoning %d poll tasks", abandoned)
		return fmt.Errorf("abandoned %d poll tasks after %v", abandoned, grace)
	}
	logrus.Info("Scheduler stopped gracefully")
	return nil
}

// Restart tears down every task and starts them again from the store. Used
// after credential changes.
func (s *Scheduler) Restart(ctx context.Context) error {
	if err := s.Shutdown(ctx); err != nil {
		logrus.Warnf("Restart continuing after unclean stop: %v", err)
	}
	return s.Start(ctx)
}

// RunOnce runs a single synchronous cycle for one WatchConfig, whether or not
// the scheduler is running. It never overlaps with the config's own task.
func (s *Scheduler) RunOnce(ctx context.Context, configID uint) (*CycleResult, error) {
	cfg, err := s.deps.Store.GetWatchConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	logrus.WithField("watch_config_id", configID).Info("Running poll cycle once")

	res := s.runCycle(ctx, *cfg, nil)

	s.mu.Lock()
	if t, ok := s.tasks[configID]; ok {
		t.record(res, time.Time{})
	}
	s.mu.Unlock()
	return &res, nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Statuses returns the runtime status of every known task, running or not.
func (s *Scheduler) Statuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks)+len(s.stopped))
	for _, t := range s.tasks {
		st := t.snapshot()
		if t.finished() {
			st.State = StateStopped
		}
		out = append(out, st)
	}
	for id, st := range s.stopped {
		if _, ok := s.tasks[id]; !ok {
			out = append(out, st)
		}
	}
	sortStatuses(out)
	return out
}

// Healthy reports whether no running task is unhealthy.
func (s *Scheduler) Healthy() bool {
	for _, st := range s.Statuses() {
		if st.State == StateUnhealthy {
			return false
		}
	}
	return true
}

// NextReconcile returns the time of the next scheduled reconcile
func (s *Scheduler) NextReconcile() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.reconcileID).Next
}

// LastReconcile returns the time of the last reconcile
func (s *Scheduler) LastReconcile() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReconcile
}

func (s *Scheduler) refreshToken(window time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.deps.Tokens.RefreshIfExpiring(ctx, window)
	switch {
	case err == nil:
	case errors.Is(err, credential.ErrNoToken):
		logrus.Debug("Skipping token refresh, mailbox is not authorized")
	default:
		logrus.Warnf("Proactive token refresh failed: %v", err)
	}
}

func (s *Scheduler) cycleLock(id uint) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.cycleLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.cycleLocks[id] = l
	}
	return l
}

func (s *Scheduler) publish(typ events.Type, data interface{}) {
	if s.deps.Events != nil {
		s.deps.Events.Publish(events.Event{Type: typ, Data: data})
	}
}

func every(d, fallback time.Duration) string {
	if d <= 0 {
		d = fallback
	}
	return "@every " + d.String()
}
