package notify

import (
	"context"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/models"
)

// Notifier is the entry point for portal features: they name a kind and
// supply template fields, and the notifier renders and dispatches.
type Notifier struct {
	dispatcher *Dispatcher
}

func NewNotifier(d *Dispatcher) *Notifier {
	return &Notifier{dispatcher: d}
}

func (n *Notifier) Notify(ctx context.Context, recipientID string, kind models.NotificationType, fields map[string]string) error {
	payload, err := Render(kind, fields)
	if err != nil {
		return errors.NewInvalidPayloadError(err.Error())
	}
	_, err = n.dispatcher.Dispatch(ctx, recipientID, payload)
	return err
}

// NotifyMany returns one error per failed recipient; nil means all succeeded.
func (n *Notifier) NotifyMany(ctx context.Context, recipientIDs []string, kind models.NotificationType, fields map[string]string) []error {
	payload, err := Render(kind, fields)
	if err != nil {
		return []error{errors.NewInvalidPayloadError(err.Error())}
	}
	report := n.dispatcher.DispatchMany(ctx, recipientIDs, payload)
	if len(report.Failures) == 0 {
		return nil
	}
	return report.Errors()
}

// NotifyRole notifies every member of role except the ids in exclude,
// typically the actor who triggered the event.
func (n *Notifier) NotifyRole(ctx context.Context, role string, kind models.NotificationType, fields map[string]string, exclude ...string) []error {
	payload, err := Render(kind, fields)
	if err != nil {
		return []error{errors.NewInvalidPayloadError(err.Error())}
	}
	report, err := n.dispatcher.DispatchToRole(ctx, role, payload, exclude...)
	if err != nil {
		return []error{err}
	}
	if len(report.Failures) == 0 {
		return nil
	}
	return report.Errors()
}
