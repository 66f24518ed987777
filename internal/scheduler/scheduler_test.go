package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmail-webhook-relay/internal/config"
	"gmail-webhook-relay/internal/credential"
	"gmail-webhook-relay/internal/dispatcher"
	"gmail-webhook-relay/internal/events"
	"gmail-webhook-relay/internal/ledger"
	"gmail-webhook-relay/internal/mailclient"
	"gmail-webhook-relay/internal/metrics"
	"gmail-webhook-relay/internal/model"
	"gmail-webhook-relay/internal/repository"
	"gmail-webhook-relay/internal/testutil"
)

type fakeMsg struct {
	summary  mailclient.Summary
	body     string
	fetchErr error
}

// fakeMailbox lists messages in received order and serves their bodies.
type fakeMailbox struct {
	mu       sync.Mutex
	messages []fakeMsg
	listErr  error
	fetches  map[string]int
	onFetch  func(id string)
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{fetches: map[string]int{}}
}

func (f *fakeMailbox) add(id, sender, subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := int64(1700000000000 + len(f.messages)*1000)
	f.messages = append(f.messages, fakeMsg{
		summary: mailclient.Summary{
			ID:         id,
			Sender:     sender,
			Subject:    subject,
			ReceivedAt: time.UnixMilli(pos).UTC(),
			Position:   mailclient.Position{Value: pos, Ref: id},
		},
		body: body,
	})
}

func (f *fakeMailbox) setFetchErr(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].summary.ID == id {
			f.messages[i].fetchErr = err
		}
	}
}

func (f *fakeMailbox) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeMailbox) ListSince(ctx context.Context, address string, since mailclient.Position) ([]mailclient.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []mailclient.Summary
	for _, m := range f.messages {
		if since.IsZero() || m.summary.Position.After(since) {
			out = append(out, m.summary)
		}
	}
	return out, nil
}

func (f *fakeMailbox) FetchBody(ctx context.Context, id string) (*mailclient.Message, error) {
	f.mu.Lock()
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	for _, m := range f.messages {
		if m.summary.ID != id {
			continue
		}
		if m.fetchErr != nil {
			return nil, m.fetchErr
		}
		return &mailclient.Message{
			ID:         id,
			Sender:     m.summary.Sender,
			Subject:    m.summary.Subject,
			ReceivedAt: m.summary.ReceivedAt,
			Body:       m.body,
		}, nil
	}
	return nil, mailclient.ErrNotFound
}

func (f *fakeMailbox) setOnFetch(fn func(id string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFetch = fn
}

func (f *fakeMailbox) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeMailbox) newest() mailclient.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[len(f.messages)-1].summary.Position
}

// webhookSink counts deliveries and keeps the decoded payloads.
type webhookSink struct {
	srv      *httptest.Server
	hits     int32
	mu       sync.Mutex
	payloads []dispatcher.Payload
}

func newWebhookSink(t *testing.T, status int) *webhookSink {
	t.Helper()
	s := &webhookSink{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		b, _ := io.ReadAll(r.Body)
		var p dispatcher.Payload
		if json.Unmarshal(b, &p) == nil {
			s.mu.Lock()
			s.payloads = append(s.payloads, p)
			s.mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *webhookSink) count() int {
	return int(atomic.LoadInt32(&s.hits))
}

type fixture struct {
	repo  *repository.Repository
	mail  *fakeMailbox
	hub   *events.Hub
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.New(testutil.NewTestDB(t))
	require.NoError(t, err)

	mail := newFakeMailbox()
	hub := events.NewHub(64)
	sched := NewScheduler(config.SchedulerConfig{
		MinIntervalSeconds: 1,
		ReconcileInterval:  time.Hour,
		GracePeriod:        2 * time.Second,
	}, 500, Deps{
		Store:      repo,
		Mail:       mail,
		Ledger:     ledger.New(repo),
		Dispatcher: dispatcher.New(dispatcher.Options{Timeout: 2 * time.Second}),
		Metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
		Events:     hub,
	})
	t.Cleanup(func() { sched.Shutdown(context.Background()) })
	return &fixture{repo: repo, mail: mail, hub: hub, sched: sched}
}

func (f *fixture) watch(t *testing.T, subject, sender string) model.WatchConfig {
	t.Helper()
	cfg := model.WatchConfig{
		EmailAddress:         "alerts@example.com",
		FilterSubject:        subject,
		FilterSender:         sender,
		CheckIntervalSeconds: 60,
		Active:               true,
	}
	require.NoError(t, f.repo.CreateWatchConfig(context.Background(), &cfg))
	return cfg
}

func (f *fixture) target(t *testing.T, name, url string) {
	t.Helper()
	require.NoError(t, f.repo.CreateWebhookTarget(context.Background(), &model.WebhookTarget{Name: name, URL: url, Active: true}))
}

func (f *fixture) processed(t *testing.T) []model.ProcessedEmail {
	t.Helper()
	recs, _, err := f.repo.ListProcessedEmails(context.Background(), repository.ProcessedEmailFilter{Page: 1, PageSize: 100})
	require.NoError(t, err)
	return recs
}

func (f *fixture) watermark(t *testing.T, id uint) model.Watermark {
	t.Helper()
	wm, err := f.repo.GetWatermark(context.Background(), id)
	require.NoError(t, err)
	return wm
}

func TestTradingSignalForwardedToEveryTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.watch(t, "Trading Signal", "bot@example.com")
	a := newWebhookSink(t, http.StatusOK)
	b := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", a.srv.URL)
	f.target(t, "B", b.srv.URL)

	f.mail.add("m1", "Trading Bot <bot@example.com>", "Trading Signal: BUY BTC", "BUY BTC at 42000")
	f.mail.add("m2", "news@example.com", "Weekly newsletter", "hello")
	f.mail.add("m3", "bot@example.com", "Trading Signal: SELL ETH", "SELL ETH")

	res, err := f.sched.RunOnce(ctx, cfg.ID)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Listed)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Forwarded)

	assert.Equal(t, 2, a.count())
	assert.Equal(t, 2, b.count())
	a.mu.Lock()
	assert.Equal(t, "BUY BTC at 42000", a.payloads[0].Body)
	assert.Equal(t, "Trading Signal: BUY BTC", a.payloads[0].Subject)
	assert.Equal(t, "Trading Bot <bot@example.com>", a.payloads[0].Sender)
	assert.Equal(t, "2023-11-14T22:13:20Z", a.payloads[0].Timestamp)
	a.mu.Unlock()

	recs := f.processed(t)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.True(t, r.ForwardedSuccessfully)
		assert.True(t, r.Completed)
		assert.Equal(t, http.StatusOK, r.StatusCode)
	}
	assert.Equal(t, f.mail.newest().Value, f.watermark(t, cfg.ID).Position)

	// nothing new: no further deliveries
	res, err = f.sched.RunOnce(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Listed)
	assert.Equal(t, 2, a.count())
}

func TestFanOutOneTargetFailingStillForwarded(t *testing.T) {
	f := newFixture(t)
	cfg := f.watch(t, "", "")
	ok := newWebhookSink(t, http.StatusOK)
	bad := newWebhookSink(t, http.StatusInternalServerError)
	f.target(t, "ok", ok.srv.URL)
	f.target(t, "bad", bad.srv.URL)
	f.mail.add("m1", "a@example.com", "hi", "body")

	_, err := f.sched.RunOnce(context.Background(), cfg.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
	recs := f.processed(t)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].ForwardedSuccessfully)
}

func TestAllTargetsFailingRecordsFailure(t *testing.T) {
	f := newFixture(t)
	cfg := f.watch(t, "", "")
	bad := newWebhookSink(t, http.StatusBadGateway)
	f.target(t, "bad", bad.srv.URL)
	f.mail.add("m1", "a@example.com", "hi", "body")

	res, err := f.sched.RunOnce(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	recs := f.processed(t)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].ForwardedSuccessfully)
	assert.Equal(t, http.StatusBadGateway, recs[0].StatusCode)
	assert.Equal(t, "body", recs[0].BodySnippet)

	// not retried on the next cycle
	_, err = f.sched.RunOnce(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, bad.count())
}

func TestNotFoundAfterClaimRecordsFailure(t *testing.T) {
	f := newFixture(t)
	cfg := f.watch(t, "", "")
	sink := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", sink.srv.URL)
	f.mail.add("m1", "a@example.com", "gone soon", "body")
	f.mail.setFetchErr("m1", fmt.Errorf("fetch message: %w", mailclient.ErrNotFound))

	res, err := f.sched.RunOnce(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.NoError(t, res.Err)

	recs := f.processed(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "m1", recs[0].MessageID)
	assert.False(t, recs[0].ForwardedSuccessfully)
	assert.Empty(t, recs[0].BodySnippet)
	assert.Zero(t, sink.count())
	assert.Equal(t, f.mail.newest().Value, f.watermark(t, cfg.ID).Position)
}

func TestTransientFetchReleasesClaimAndHoldsWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.watch(t, "", "")
	sink := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", sink.srv.URL)
	f.mail.add("m1", "a@example.com", "one", "1")
	f.mail.add("m2", "a@example.com", "two", "2")
	f.mail.add("m3", "a@example.com", "three", "3")
	f.mail.setFetchErr("m2", &mailclient.TransientFetchError{Op: "fetch message", Err: fmt.Errorf("503")})

	res, err := f.sched.RunOnce(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, mailclient.IsTransient(res.Err))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, int64(1700000000000), f.watermark(t, cfg.ID).Position)

	claimed, err := f.repo.IsEmailProcessed(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, claimed)

	f.mail.setFetchErr("m2", nil)
	res, err = f.sched.RunOnce(ctx, cfg.ID)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, sink.count())
	assert.Len(t, f.processed(t), 3)
	assert.Equal(t, f.mail.newest().Value, f.watermark(t, cfg.ID).Position)
}

func TestClearAllDoesNotReforward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.watch(t, "", "")
	sink := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", sink.srv.URL)
	f.mail.add("m1", "a@example.com", "one", "1")
	f.mail.add("m2", "a@example.com", "two", "2")

	_, err := f.sched.RunOnce(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, 2, sink.count())

	n, err := f.repo.ClearAllProcessedEmails(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = f.sched.RunOnce(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sink.count())
	assert.Empty(t, f.processed(t))
}

func TestWatermarkIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.watch(t, "signal", "")
	sink := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", sink.srv.URL)

	var last int64
	for cycle := 0; cycle < 5; cycle++ {
		for i := 0; i < cycle; i++ {
			subject := "noise"
			if i%2 == 0 {
				subject = "signal"
			}
			f.mail.add(fmt.Sprintf("c%d-%d", cycle, i), "a@example.com", subject, "b")
		}
		res, err := f.sched.RunOnce(ctx, cfg.ID)
		require.NoError(t, err)
		require.NoError(t, res.Err)

		wm := f.watermark(t, cfg.ID).Position
		assert.GreaterOrEqual(t, wm, last)
		last = wm
	}
	assert.Equal(t, f.mail.newest().Value, last)
	assert.Equal(t, 6, sink.count())
}

func TestSecondWatchConfigDoesNotReclaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.watch(t, "Trading", "")
	second := f.watch(t, "", "bot@example.com")
	sink := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", sink.srv.URL)
	f.mail.add("m1", "bot@example.com", "Trading Signal", "b")

	_, err := f.sched.RunOnce(ctx, first.ID)
	require.NoError(t, err)
	res, err := f.sched.RunOnce(ctx, second.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Matched)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, 1, sink.count())
	recs := f.processed(t)
	require.Len(t, recs, 1)
	assert.Equal(t, first.ID, recs[0].WatchConfigID)
}

func TestProcessedEventPublished(t *testing.T) {
	f := newFixture(t)
	cfg := f.watch(t, "", "")
	sink := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", sink.srv.URL)
	f.mail.add("m1", "a@example.com", "hi", "b")

	ch, cancel := f.hub.Subscribe()
	defer cancel()

	_, err := f.sched.RunOnce(context.Background(), cfg.ID)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.EmailProcessed, ev.Type)
		rec, ok := ev.Data.(model.ProcessedEmail)
		require.True(t, ok)
		assert.Equal(t, "m1", rec.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestRunOnceUnknownConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.RunOnce(context.Background(), 999)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func statusOf(s *Scheduler, id uint) (TaskStatus, bool) {
	for _, st := range s.Statuses() {
		if st.WatchConfigID == id {
			return st, true
		}
	}
	return TaskStatus{}, false
}

func TestAuthErrorMarksTaskUnhealthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.watch(t, "", "")
	f.mail.add("m1", "a@example.com", "hi", "b")
	require.NoError(t, f.repo.SaveWatermark(ctx, &model.Watermark{WatchConfigID: cfg.ID, Position: 42, Ref: "x"}))
	f.mail.setListErr(&credential.AuthError{Reason: "token has been revoked"})

	require.NoError(t, f.sched.Start(ctx))

	require.Eventually(t, func() bool {
		st, ok := statusOf(f.sched, cfg.ID)
		return ok && st.State == StateUnhealthy
	}, 3*time.Second, 20*time.Millisecond)

	st, _ := statusOf(f.sched, cfg.ID)
	assert.Contains(t, st.LastError, "revoked")
	assert.False(t, f.sched.Healthy())

	wm := f.watermark(t, cfg.ID)
	assert.Equal(t, int64(42), wm.Position)
	assert.Equal(t, "x", wm.Ref)
	assert.Empty(t, f.processed(t))
}

func TestReconcileStartsAndStopsTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.watch(t, "", "")
	b := f.watch(t, "", "")

	require.NoError(t, f.sched.Start(ctx))
	assert.True(t, f.sched.IsRunning())
	assert.False(t, f.sched.NextReconcile().IsZero())
	assert.False(t, f.sched.LastReconcile().IsZero())

	st, ok := statusOf(f.sched, a.ID)
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)
	_, ok = statusOf(f.sched, b.ID)
	require.True(t, ok)

	b.Active = false
	require.NoError(t, f.repo.UpdateWatchConfig(ctx, &b))
	require.NoError(t, f.sched.Reconcile(ctx))

	st, ok = statusOf(f.sched, b.ID)
	require.True(t, ok)
	assert.Equal(t, StateStopped, st.State)

	c := f.watch(t, "", "")
	require.NoError(t, f.sched.Reconcile(ctx))
	st, ok = statusOf(f.sched, c.ID)
	require.True(t, ok)
	assert.NotEqual(t, StateStopped, st.State)

	require.NoError(t, f.sched.Shutdown(ctx))
	assert.False(t, f.sched.IsRunning())
	for _, st := range f.sched.Statuses() {
		assert.Equal(t, StateStopped, st.State)
	}
	assert.ErrorIs(t, f.sched.Reconcile(ctx), ErrNotRunning)
}

func TestTaskForwardsWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.watch(t, "", "")
	sink := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", sink.srv.URL)
	f.mail.add("m1", "a@example.com", "hi", "b")

	require.NoError(t, f.sched.Start(ctx))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, f.sched.Shutdown(ctx))
}

func TestRestartRunsTasksAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.watch(t, "", "")

	require.NoError(t, f.sched.Start(ctx))
	assert.Error(t, f.sched.Start(ctx))

	require.NoError(t, f.sched.Restart(ctx))
	assert.True(t, f.sched.IsRunning())
	st, ok := statusOf(f.sched, cfg.ID)
	require.True(t, ok)
	assert.NotEqual(t, StateStopped, st.State)
}

func TestStopMidCycleFinishesCurrentMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.watch(t, "", "")
	sink := newWebhookSink(t, http.StatusOK)
	f.target(t, "A", sink.srv.URL)
	f.mail.add("m1", "a@example.com", "one", "1")
	f.mail.add("m2", "a@example.com", "two", "2")

	stop := make(chan struct{})
	f.mail.setOnFetch(func(id string) {
		if id == "m1" {
			close(stop)
		}
	})

	res := f.sched.runCycle(ctx, cfg, stop)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Listed)
	assert.Equal(t, 1, res.Forwarded)
	assert.Equal(t, 1, sink.count())

	recs := f.processed(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "m1", recs[0].MessageID)
	assert.True(t, recs[0].ForwardedSuccessfully)
	assert.Equal(t, int64(1700000000000), f.watermark(t, cfg.ID).Position)

	assert.Zero(t, f.mail.fetchCount("m2"))
	claimed, err := f.repo.IsEmailProcessed(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, claimed)

	// the next cycle resumes right after m1
	f.mail.setOnFetch(nil)
	next, err := f.sched.RunOnce(ctx, cfg.ID)
	require.NoError(t, err)
	require.NoError(t, next.Err)
	assert.Equal(t, 1, next.Listed)
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, f.mail.newest().Value, f.watermark(t, cfg.ID).Position)
}

// stuckDispatcher blocks every delivery until released, ignoring cancellation.
type stuckDispatcher struct {
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
	releaseOnce sync.Once
}

func newStuckDispatcher() *stuckDispatcher {
	return &stuckDispatcher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (d *stuckDispatcher) FanOut(ctx context.Context, targets []model.WebhookTarget, payload dispatcher.Payload) (bool, []dispatcher.DeliveryOutcome) {
	d.enteredOnce.Do(func() { close(d.entered) })
	<-d.release
	return true, nil
}

func (d *stuckDispatcher) unblock() {
	d.releaseOnce.Do(func() { close(d.release) })
}

func TestShutdownAbandonsAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.watch(t, "", "")
	f.mail.add("m1", "a@example.com", "hi", "b")

	stuck := newStuckDispatcher()
	t.Cleanup(stuck.unblock)
	f.sched.deps.Dispatcher = stuck
	f.sched.cfg.GracePeriod = 100 * time.Millisecond

	require.NoError(t, f.sched.Start(ctx))
	select {
	case <-stuck.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("poll task never reached delivery")
	}

	start := time.Now()
	err := f.sched.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abandoned 1 poll tasks")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, f.sched.IsRunning())

	// the abandoned task keeps its slot, so a restart does not run a second one
	require.NoError(t, f.sched.Start(ctx))
	f.sched.mu.Lock()
	_, replaced := f.sched.tasks[cfg.ID]
	old := f.sched.stopping[cfg.ID]
	f.sched.mu.Unlock()
	assert.False(t, replaced)
	require.NotNil(t, old)
	st, ok := statusOf(f.sched, cfg.ID)
	require.True(t, ok)
	assert.Equal(t, StateStopped, st.State)

	stuck.unblock()
	select {
	case <-old.done:
	case <-time.After(3 * time.Second):
		t.Fatal("abandoned task did not exit after its delivery returned")
	}

	require.NoError(t, f.sched.Reconcile(ctx))
	f.sched.mu.Lock()
	_, replaced = f.sched.tasks[cfg.ID]
	_, draining := f.sched.stopping[cfg.ID]
	f.sched.mu.Unlock()
	assert.True(t, replaced)
	assert.False(t, draining)
}
