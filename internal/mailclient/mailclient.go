// Package mailclient lists and fetches Gmail messages behind a transport-agnostic interface.
package mailclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a message disappeared between listing and fetch.
var ErrNotFound = errors.New("message not found")

// TransientFetchError covers network failures, rate limits and provider outages.
// The caller retries on its next cycle.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a TransientFetchError.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Position orders messages within one mailbox listing.
// Value is an IMAP UID or a Gmail internal date in milliseconds; Ref breaks ties.
type Position struct {
	Value int64  `json:"value"`
	Ref   string `json:"ref,omitempty"`
}

func (p Position) IsZero() bool {
	return p.Value == 0 && p.Ref == ""
}

// After reports whether p sorts strictly after o.
func (p Position) After(o Position) bool {
	if p.Value != o.Value {
		return p.Value > o.Value
	}
	return p.Ref > o.Ref
}

// Summary is the metadata needed to filter and claim a message.
type Summary struct {
	ID         string
	Sender     string // raw From header
	Subject    string
	ReceivedAt time.Time
	Position   Position
}

// Message is a fetched message with its decoded text body.
type Message struct {
	ID         string
	Sender     string
	Subject    string
	ReceivedAt time.Time
	Body       string
}

// Client is implemented by every mailbox transport.
type Client interface {
	// ListSince returns messages addressed to address that sort after since,
	// oldest first. A zero position lists the configured lookback window.
	ListSince(ctx context.Context, address string, since Position) ([]Summary, error)
	// FetchBody returns the decoded body, preferring text/plain over stripped HTML.
	FetchBody(ctx context.Context, id string) (*Message, error)
}
