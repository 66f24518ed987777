package mailclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gmail-webhook-relay/internal/config"
	"gmail-webhook-relay/internal/credential"
)

// GmailClient reads the mailbox through the Gmail REST API.
type GmailClient struct {
	svc        *gmail.Service
	userID     string
	lookback   time.Duration
	maxResults int64
	cb         *gobreaker.CircuitBreaker
	now        func() time.Time
}

// NewGmailClient builds the REST transport. Extra options are appended after
// the token source, so tests can point the service at a fake endpoint.
func NewGmailClient(ctx context.Context, ts oauth2.TokenSource, cfg config.GmailConfig, opts ...option.ClientOption) (*GmailClient, error) {
	all := append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "me"
	}
	lookback := cfg.InitialLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 100
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	})

	return &GmailClient{
		svc:        svc,
		userID:     userID,
		lookback:   lookback,
		maxResults: maxResults,
		cb:         cb,
		now:        time.Now,
	}, nil
}

// ListSince lists messages to address received after since.
func (g *GmailClient) ListSince(ctx context.Context, address string, since Position) ([]Summary, error) {
	var after int64
	if since.IsZero() {
		after = g.now().Add(-g.lookback).Unix()
	} else {
		// after: has one second granularity; exact ordering is applied below
		after = since.Value/1000 - 1
	}
	query := fmt.Sprintf("to:%s after:%d", address, after)

	var ids []string
	pageToken := ""
	for {
		call := g.svc.Users.Messages.List(g.userID).Q(query).MaxResults(g.maxResults).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var resp *gmail.ListMessagesResponse
		err := g.call("list messages", func() error {
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		var msg *gmail.Message
		err := g.call("get message metadata", func() error {
			var err error
			msg, err = g.svc.Users.Messages.Get(g.userID, id).
				Format("metadata").
				MetadataHeaders("From", "Subject").
				Context(ctx).Do()
			return err
		})
		if IsNotFound(err) {
			logrus.Debugf("Message %s vanished before its metadata was read", id)
			continue
		}
		if err != nil {
			return nil, err
		}

		s := Summary{
			ID:         msg.Id,
			ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
			Position:   Position{Value: msg.InternalDate, Ref: msg.Id},
		}
		if msg.Payload != nil {
			s.Sender = decodeHeader(header(msg.Payload.Headers, "From"))
			s.Subject = decodeHeader(header(msg.Payload.Headers, "Subject"))
		}
		if !since.IsZero() && !s.Position.After(since) {
			continue
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[j].Position.After(summaries[i].Position)
	})
	return summaries, nil
}

// FetchBody fetches the full message and decodes its text body.
func (g *GmailClient) FetchBody(ctx context.Context, id string) (*Message, error) {
	var msg *gmail.Message
	err := g.call("fetch message", func() error {
		var err error
		msg, err = g.svc.Users.Messages.Get(g.userID, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &Message{
		ID:         msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload != nil {
		out.Sender = decodeHeader(header(msg.Payload.Headers, "From"))
		out.Subject = decodeHeader(header(msg.Payload.Headers, "Subject"))
	}
	body, err := extractGmailBody(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	out.Body = body
	return out, nil
}

// call runs fn through the circuit breaker. Only transient failures count
// against the breaker; auth and not-found errors pass straight through.
func (g *GmailClient) call(op string, fn func() error) error {
	var inner error
	_, err := g.cb.Execute(func() (interface{}, error) {
		inner = classifyGmailError(op, fn())
		if IsTransient(inner) {
			return nil, inner
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientFetchError{Op: op, Err: err}
	}
	if err != nil {
		return err
	}
	return inner
}

func classifyGmailError(op string, err error) error {
	if err == nil {
		return nil
	}
	if credential.IsAuthError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return &credential.AuthError{Reason: "gmail rejected the access token", Err: err}
		case gerr.Code == http.StatusForbidden && isRateLimit(gerr):
			return &TransientFetchError{Op: op, Err: err}
		case gerr.Code == http.StatusForbidden:
			return &credential.AuthError{Reason: "gmail denied access", Err: err}
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return &TransientFetchError{Op: op, Err: err}
		default:
			return fmt.Errorf("failed to %s: %w", op, err)
		}
	}

	// anything else is transport level: DNS, resets, timeouts
	return &TransientFetchError{Op: op, Err: err}
}

func isRateLimit(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "ratelimit") {
			return true
		}
	}
	return false
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
