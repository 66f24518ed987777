package dispatcher

import (
	"context"
	"time"

	"gmail-webhook-relay/internal/model"
)

// Sample values sent by the manual "test webhook" action.
const (
	SampleBody    = "This is a test email body sent from the webhook testing feature."
	SampleSubject = "Test Email for Webhook Configuration"
	SampleSender  = "test@example.com"
)

// TestResult is returned to the operator after a manual test delivery.
type TestResult struct {
	Success       bool    `json:"success"`
	WebhookID     uint    `json:"webhook_id"`
	WebhookName   string  `json:"webhook_name"`
	DeliveryID    string  `json:"delivery_id"`
	StatusCode    int     `json:"status_code"`
	Response      string  `json:"response"`
	Error         string  `json:"error,omitempty"`
	DurationMS    int64   `json:"duration_ms"`
	SamplePayload Payload `json:"sample_payload"`
}

// SamplePayload builds the synthetic payload used by Test.
func SamplePayload(now time.Time) Payload {
	return NewPayload(SampleBody, SampleSubject, SampleSender, now)
}

// Test delivers the sample payload to target. The target's active flag is
// ignored so operators can check a disabled endpoint before enabling it.
// It never touches the dedup ledger.
func (d *Dispatcher) Test(ctx context.Context, target model.WebhookTarget) TestResult {
	payload := SamplePayload(time.Now())
	out := d.Deliver(ctx, target, payload)

	res := TestResult{
		Success:       out.Success,
		WebhookID:     target.ID,
		WebhookName:   target.Name,
		DeliveryID:    out.DeliveryID,
		StatusCode:    out.StatusCode,
		Response:      out.ResponseSnippet,
		DurationMS:    out.Duration.Milliseconds(),
		SamplePayload: payload,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	return res
}
