// Package dispatcher posts normalized email payloads to webhook targets.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gmail-webhook-relay/internal/model"
)

// Payload is the wire format every target receives. Field names are stable.
type Payload struct {
	Body      string `json:"body"`
	Subject   string `json:"subject"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// NewPayload stamps the payload with t in RFC 3339.
func NewPayload(body, subject, sender string, t time.Time) Payload {
	return Payload{Body: body, Subject: subject, Sender: sender, Timestamp: t.UTC().Format(time.RFC3339)}
}

// DeliveryError describes a failed delivery: transport failure or a non-2xx answer.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("webhook delivery failed: status %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DeliveryOutcome is the result of one POST to one target.
type DeliveryOutcome struct {
	TargetID        uint          `json:"target_id"`
	TargetName      string        `json:"target_name"`
	DeliveryID      string        `json:"delivery_id"`
	Success         bool          `json:"success"`
	StatusCode      int           `json:"status_code"`
	ResponseSnippet string        `json:"response"`
	Duration        time.Duration `json:"duration"`
	Err             error         `json:"-"`
}

// Options tune the dispatcher.
type Options struct {
	Timeout       time.Duration
	UserAgent     string
	SnippetLength int
}

// Dispatcher delivers payloads. It never retries.
type Dispatcher struct {
	client *http.Client
	opts   Options
	onSent func(DeliveryOutcome)
}

func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.SnippetLength <= 0 {
		opts.SnippetLength = 500
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "gmail-webhook-relay/1.0"
	}
	return &Dispatcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

// OnDelivery registers a hook observing every outcome, used for metrics.
func (d *Dispatcher) OnDelivery(fn func(DeliveryOutcome)) {
	d.onSent = fn
}

// Deliver posts payload to target once.
func (d *Dispatcher) Deliver(ctx context.Context, target model.WebhookTarget, payload Payload) (out DeliveryOutcome) {
	out = DeliveryOutcome{
		TargetID:   target.ID,
		TargetName: target.Name,
		DeliveryID: uuid.NewString(),
	}
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		if d.onSent != nil {
			d.onSent(out)
		}
	}()

	body, err := encodeBody(target, payload)
	if err != nil {
		out.Err = &DeliveryError{Err: err}
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		out.Err = &DeliveryError{Err: err}
		return out
	}
	req.Header.Set("Content-Type", target.EffectiveContentType())
	req.Header.Set("User-Agent", d.opts.UserAgent)
	req.Header.Set("X-Delivery-ID", out.DeliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		out.Err = &DeliveryError{Err: err}
		out.ResponseSnippet = truncate(err.Error(), d.opts.SnippetLength)
		logrus.WithFields(logrus.Fields{"target": target.Name, "delivery_id": out.DeliveryID}).
			Warnf("Webhook delivery failed: %v", err)
		return out
	}
	defer resp.Body.Close()

	// read one byte past the limit; the snippet is cut on rune boundaries below
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(d.opts.SnippetLength)*4+1))
	out.StatusCode = resp.StatusCode
	snippet := string(raw)
	if readErr != nil {
		snippet = fmt.Sprintf("%s[failed to read response: %v]", snippet, readErr)
		logrus.WithFields(logrus.Fields{"target": target.Name, "delivery_id": out.DeliveryID}).
			Warnf("Failed to read webhook response: %v", readErr)
	}
	out.ResponseSnippet = truncate(snippet, d.opts.SnippetLength)
	out.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !out.Success {
		out.Err = &DeliveryError{StatusCode: resp.StatusCode}
		logrus.WithFields(logrus.Fields{"target": target.Name, "status": resp.StatusCode, "delivery_id": out.DeliveryID}).
			Warn("Webhook target rejected payload")
	}
	return out
}

// FanOut delivers payload to every target concurrently. The aggregate is true
// when at least one target accepted the payload.
func (d *Dispatcher) FanOut(ctx context.Context, targets []model.WebhookTarget, payload Payload) (bool, []DeliveryOutcome) {
	outcomes := make([]DeliveryOutcome, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		if !target.Active {
			outcomes[i] = DeliveryOutcome{TargetID: target.ID, TargetName: target.Name, Err: &DeliveryError{Err: errors.New("target is inactive")}}
			continue
		}
		wg.Add(1)
		go func(i int, target model.WebhookTarget) {
			defer wg.Done()
			outcomes[i] = d.Deliver(ctx, target, payload)
		}(i, target)
	}
	wg.Wait()

	ok := false
	for _, o := range outcomes {
		ok = ok || o.Success
	}
	return ok, outcomes
}

// Representative picks the outcome stored on the audit record: the first
// success, otherwise the first failure.
func Representative(outcomes []DeliveryOutcome) (DeliveryOutcome, bool) {
	for _, o := range outcomes {
		if o.Success {
			return o, true
		}
	}
	if len(outcomes) > 0 {
		return outcomes[0], true
	}
	return DeliveryOutcome{}, false
}

func encodeBody(target model.WebhookTarget, payload Payload) ([]byte, error) {
	if target.SendRawBody {
		return []byte(payload.Body), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Snippet bounds text for audit display.
func Snippet(s string, n int) string {
	return truncate(s, n)
}
