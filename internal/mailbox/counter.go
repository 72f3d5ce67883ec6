package mailbox

import (
	"context"

	"portal-mailbox/internal/bus"
	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/metrics"
)

// Drift compares the stored counter with a scan of the records.
type Drift struct {
	RecipientID string `json:"recipientId"`
	Stored      int64  `json:"stored"`
	Actual      int64  `json:"actual"`
}

func (d Drift) InSync() bool { return d.Stored == d.Actual }

// RecomputeCounter rescans the mailbox and overwrites the stored counter.
func (m *Mailbox) RecomputeCounter(ctx context.Context, recipientID string) (int64, error) {
	if err := ValidateRecipient(recipientID); err != nil {
		return 0, err
	}

	actual, previous, err := m.store.Recompute(ctx, recipientID)
	if err != nil {
		return 0, errors.NewStoreUnavailableError("recompute", err)
	}

	if actual != previous {
		metrics.CounterRepairs.Inc()
		m.log.Warn("Unread counter repaired", map[string]interface{}{
			"recipientId": recipientID,
			"stored":      previous,
			"actual":      actual,
		})
		m.publish(ctx, recipientID, bus.KindCounterRecomputed)
	}
	return actual, nil
}

// CheckCounter reports drift without repairing it. Under concurrent writes
// a non-zero drift may be transient.
func (m *Mailbox) CheckCounter(ctx context.Context, recipientID string) (Drift, error) {
	if err := ValidateRecipient(recipientID); err != nil {
		return Drift{}, err
	}

	stored, err := m.store.UnreadCount(ctx, recipientID)
	if err != nil {
		return Drift{}, errors.NewStoreUnavailableError("unreadCount", err)
	}
	actual, err := m.store.CountUnread(ctx, recipientID)
	if err != nil {
		return Drift{}, errors.NewStoreUnavailableError("countUnread", err)
	}
	return Drift{RecipientID: recipientID, Stored: stored, Actual: actual}, nil
}
