// Package ledger guarantees that each provider message is claimed at most once.
package ledger

import (
	"context"
	"time"

	"gmail-webhook-relay/internal/mailclient"
	"gmail-webhook-relay/internal/model"
)

// Store is the persistence the ledger needs. The repository implements it.
type Store interface {
	ClaimProcessedEmail(ctx context.Context, rec *model.ProcessedEmail) (bool, error)
	CompleteProcessedEmail(ctx context.Context, rec *model.ProcessedEmail) error
	ReleaseProcessedEmail(ctx context.Context, messageID string) error
}

// Ledger claims message ids through the unique index on processed_emails.
// The claim row is the ProcessedEmail record itself; Complete fills in the outcome.
type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// TryClaim returns true exactly once per message id. Storage failures surface
// as repository.StorageError and leave the message unclaimed.
func (l *Ledger) TryClaim(ctx context.Context, configID uint, s mailclient.Summary) (*model.ProcessedEmail, bool, error) {
	rec := &model.ProcessedEmail{
		MessageID:     s.ID,
		WatchConfigID: configID,
		Sender:        s.Sender,
		Subject:       s.Subject,
		ReceivedAt:    s.ReceivedAt,
		ProcessedAt:   l.now().UTC(),
	}
	claimed, err := l.store.ClaimProcessedEmail(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		return nil, false, nil
	}
	return rec, true, nil
}

// Complete records the dispatch outcome on a claimed record.
func (l *Ledger) Complete(ctx context.Context, rec *model.ProcessedEmail) error {
	rec.ProcessedAt = l.now().UTC()
	return l.store.CompleteProcessedEmail(ctx, rec)
}

// Release gives up a claim whose body could not be fetched yet, so the next
// cycle can claim the message again.
func (l *Ledger) Release(ctx context.Context, messageID string) error {
	return l.store.ReleaseProcessedEmail(ctx, messageID)
}
