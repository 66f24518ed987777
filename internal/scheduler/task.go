package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/events"
	"gmail-webhook-relay/internal/model"
	"gmail-webhook-relay/internal/repository"
)

// State is the runtime state of a poll task.
type State string

const (
	StateRunning   State = "running"
	StateUnhealthy State = "unhealthy"
	StateStopped   State = "stopped"
)

// TaskStatus is the externally visible status of one WatchConfig task.
type TaskStatus struct {
	WatchConfigID uint         `json:"watch_config_id"`
	EmailAddress  string       `json:"email_address"`
	State         State        `json:"state"`
	LastRun       time.Time    `json:"last_run"`
	NextRun       time.Time    `json:"next_run"`
	LastError     string       `json:"last_error,omitempty"`
	LastResult    *CycleResult `json:"last_result,omitempty"`
}

type task struct {
	configID uint
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	status TaskStatus
}

func newTask(cfg model.WatchConfig) *task {
	return &task{
		configID: cfg.ID,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		status: TaskStatus{
			WatchConfigID: cfg.ID,
			EmailAddress:  cfg.EmailAddress,
			State:         StateRunning,
		},
	}
}

func (t *task) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *task) snapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// record stores a cycle result and reports whether the health state changed.
func (t *task) record(res CycleResult, next time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.status.State
	t.status.LastRun = time.Now().UTC()
	if !next.IsZero() {
		t.status.NextRun = next
	}
	r := res
	t.status.LastResult = &r
	if res.Err != nil {
		t.status.State = StateUnhealthy
		t.status.LastError = res.Err.Error()
	} else {
		t.status.State = StateRunning
		t.status.LastError = ""
	}
	return prev != t.status.State
}

func (t *task) fail(err error, next time.Time) bool {
	return t.record(CycleResult{WatchConfigID: t.configID, Err: err, Error: err.Error()}, next)
}

// runTask polls one WatchConfig until stopped. The config is re-read at the
// top of every cycle, so interval and predicate edits apply on the next run.
func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer close(t.done)
	s.deps.Metrics.RunningTasks.Inc()
	defer s.deps.Metrics.RunningTasks.Dec()

	log := logrus.WithField("watch_config_id", t.configID)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// a stop that raced the timer wins
		select {
		case <-t.stopCh:
			return
		default:
		}

		interval := s.cfg.MinInterval()
		if interval <= 0 {
			interval = 30 * time.Second
		}

		cfg, err := s.deps.Store.GetWatchConfig(ctx, t.configID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			log.Info("Watch config deleted, ending poll task")
			return
		case err != nil:
			log.Errorf("Failed to load watch config: %v", err)
			if t.fail(err, time.Now().Add(interval)) {
				s.publish(events.TaskHealth, t.snapshot())
			}
		case !cfg.Active:
			log.Info("Watch config deactivated, ending poll task")
			return
		default:
			interval = cfg.Interval(interval)
			res := s.runCycle(ctx, *cfg, t.stopCh)
			if t.record(res, time.Now().Add(interval)) {
				s.publish(events.TaskHealth, t.snapshot())
			}
		}

		timer.Reset(interval)
	}
}

func sortStatuses(st []TaskStatus) {
	sort.Slice(st, func(i, j int) bool { return st[i].WatchConfigID < st[j].WatchConfigID })
}
