package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/credential"
	"gmail-webhook-relay/internal/dispatcher"
	"gmail-webhook-relay/internal/events"
	"gmail-webhook-relay/internal/filter"
	"gmail-webhook-relay/internal/mailclient"
	"gmail-webhook-relay/internal/model"
	"gmail-webhook-relay/internal/repository"
)

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	WatchConfigID uint   `json:"watch_config_id"`
	Listed        int    `json:"listed"`
	Matched       int    `json:"matched"`
	Claimed       int    `json:"claimed"`
	Forwarded     int    `json:"forwarded"`
	Failed        int    `json:"failed"`
	Skipped       int    `json:"skipped"`
	Watermark     int64  `json:"watermark"`
	Error         string `json:"error,omitempty"`
	Err           error  `json:"-"`
}

func (r *CycleResult) setErr(err error) {
	r.Err = err
	r.Error = err.Error()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case credential.IsAuthError(err):
		return "auth_error"
	case mailclient.IsTransient(err):
		return "transient_error"
	default:
		return "error"
	}
}

// runCycle lists, filters, claims, delivers and records. stop is checked
// between messages; a message already claimed is always finished first.
func (s *Scheduler) runCycle(ctx context.Context, cfg model.WatchConfig, stop <-chan struct{}) (res CycleResult) {
	lock := s.cycleLock(cfg.ID)
	lock.Lock()
	defer lock.Unlock()

	res.WatchConfigID = cfg.ID
	start := time.Now()
	defer func() {
		s.deps.Metrics.CycleDuration.Observe(time.Since(start).Seconds())
		s.deps.Metrics.PollCycles.WithLabelValues(resultLabel(res.Err)).Inc()
	}()

	log := logrus.WithFields(logrus.Fields{"watch_config_id": cfg.ID, "address": cfg.EmailAddress})

	wm, err := s.deps.Store.GetWatermark(ctx, cfg.ID)
	if err != nil {
		log.Errorf("Failed to load watermark: %v", err)
		res.setErr(err)
		return res
	}
	since := mailclient.Position{Value: wm.Position, Ref: wm.Ref}
	res.Watermark = since.Value

	summaries, err := s.deps.Mail.ListSince(ctx, cfg.EmailAddress, since)
	if err != nil {
		log.Warnf("Failed to list messages: %v", err)
		res.setErr(err)
		return res
	}
	res.Listed = len(summaries)
	s.deps.Metrics.MessagesListed.Add(float64(len(summaries)))

	p := &pass{s: s, cfg: cfg, log: log, res: &res}
	advanced := since
	for _, sum := range summaries {
		if stopRequested(stop) || ctx.Err() != nil {
			log.Info("Stop requested, ending cycle early")
			break
		}
		if !p.process(ctx, sum) {
			break
		}
		advanced = sum.Position
	}

	if advanced.After(since) {
		next := &model.Watermark{WatchConfigID: cfg.ID, Position: advanced.Value, Ref: advanced.Ref}
		if err := s.deps.Store.SaveWatermark(ctx, next); err != nil {
			log.Errorf("Failed to save watermark: %v", err)
			if res.Err == nil {
				res.setErr(err)
			}
		} else {
			res.Watermark = advanced.Value
		}
	}

	if res.Listed > 0 {
		log.Infof("Cycle done: %d listed, %d matched, %d forwarded, %d failed",
			res.Listed, res.Matched, res.Forwarded, res.Failed)
	}
	return res
}

// pass holds per-cycle state. Active targets are loaded on the first claim.
type pass struct {
	s       *Scheduler
	cfg     model.WatchConfig
	log     *logrus.Entry
	res     *CycleResult
	targets []model.WebhookTarget
	loaded  bool
}

// process handles one summary. It returns false when the cycle must stop
// before this message so the watermark stays behind it.
func (p *pass) process(ctx context.Context, sum mailclient.Summary) bool {
	m := p.s.deps.Metrics
	log := p.log.WithField("message_id", sum.ID)

	if !filter.Matches(p.cfg, sum) {
		return true
	}
	p.res.Matched++
	m.MatchCount.Inc()

	rec, claimed, err := p.s.deps.Ledger.TryClaim(ctx, p.cfg.ID, sum)
	if err != nil {
		log.Errorf("Failed to claim message, skipping it: %v", err)
		p.res.Skipped++
		return true
	}
	if !claimed {
		log.Debug("Message already processed")
		return true
	}
	p.res.Claimed++
	m.ClaimCount.Inc()

	msg, err := p.s.deps.Mail.FetchBody(ctx, sum.ID)
	switch {
	case err == nil:
	case mailclient.IsNotFound(err):
		log.Warn("Message vanished after claim, recording it as not forwarded")
		rec.ResponseSnippet = "message not found"
		p.complete(ctx, rec, false)
		return true
	case credential.IsAuthError(err), mailclient.IsTransient(err), ctx.Err() != nil:
		p.release(ctx, sum.ID)
		p.res.setErr(err)
		log.Warnf("Failed to fetch message body, retrying next cycle: %v", err)
		return false
	default:
		log.Errorf("Unreadable message body: %v", err)
		rec.ResponseSnippet = dispatcher.Snippet(err.Error(), 500)
		p.complete(ctx, rec, false)
		return true
	}

	if !p.loaded {
		targets, err := p.s.deps.Store.ListActiveWebhookTargets(ctx)
		if err != nil {
			p.release(ctx, sum.ID)
			p.res.setErr(err)
			log.Errorf("Failed to load webhook targets: %v", err)
			return false
		}
		p.targets, p.loaded = targets, true
	}

	sender, subject, received := msg.Sender, msg.Subject, msg.ReceivedAt
	if sender == "" {
		sender = sum.Sender
	}
	if subject == "" {
		subject = sum.Subject
	}
	if received.IsZero() {
		received = sum.ReceivedAt
	}
	if received.IsZero() {
		received = time.Now()
	}
	payload := dispatcher.NewPayload(msg.Body, subject, sender, received)

	ok, outcomes := p.s.deps.Dispatcher.FanOut(ctx, p.targets, payload)
	if rep, found := dispatcher.Representative(outcomes); found {
		rec.StatusCode = rep.StatusCode
		rec.ResponseSnippet = rep.ResponseSnippet
	} else {
		rec.ResponseSnippet = "no active webhook targets"
	}
	rec.BodySnippet = dispatcher.Snippet(msg.Body, p.s.snippetLen)
	p.complete(ctx, rec, ok)
	return true
}

func (p *pass) complete(ctx context.Context, rec *model.ProcessedEmail, ok bool) {
	rec.ForwardedSuccessfully = ok
	if ok {
		p.res.Forwarded++
	} else {
		p.res.Failed++
	}
	if err := p.s.deps.Ledger.Complete(ctx, rec); err != nil {
		p.log.WithField("message_id", rec.MessageID).Errorf("Failed to record outcome: %v", err)
		if repository.IsStorageError(err) {
			p.res.Skipped++
		}
	}
	p.s.publish(events.EmailProcessed, *rec)
}

func (p *pass) release(ctx context.Context, messageID string) {
	if err := p.s.deps.Ledger.Release(ctx, messageID); err != nil {
		p.log.WithField("message_id", messageID).Errorf("Failed to release claim: %v", err)
	}
}

func stopRequested(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
