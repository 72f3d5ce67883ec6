// Package notify writes notifications into recipients' mailboxes, one at a
// time or fanned out to many recipients.
package notify

import (
	"context"
	stderrors "errors"
	"time"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/common/metrics"
	"portal-mailbox/internal/common/observability"
	"portal-mailbox/internal/mailbox"
	"portal-mailbox/internal/models"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultConcurrency  = 8
	DefaultWriteTimeout = 5 * time.Second
)

// RoleDirectory resolves a role to the ids of its current members.
type RoleDirectory interface {
	MembersOf(ctx context.Context, role string) ([]string, error)
}

type Dispatcher struct {
	mailbox      *mailbox.Mailbox
	directory    RoleDirectory
	concurrency  int
	writeTimeout time.Duration
	obs          *observability.Observability
	log          logger.Logger
}

type Option func(*Dispatcher)

func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithWriteTimeout bounds each mailbox write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.writeTimeout = timeout
		}
	}
}

func WithObservability(obs *observability.Observability) Option {
	return func(d *Dispatcher) {
		if obs != nil {
			d.obs = obs
		}
	}
}

func NewDispatcher(mb *mailbox.Mailbox, directory RoleDirectory, log logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		mailbox:      mb,
		directory:    directory,
		concurrency:  DefaultConcurrency,
		writeTimeout: DefaultWriteTimeout,
		obs:          observability.Noop(),
		log:          log.WithFields(map[string]interface{}{"component": "dispatcher"}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch writes exactly one record into recipientID's mailbox and returns
// its id. With an idempotency key on the payload a retry returns the id of
// the first write.
func (d *Dispatcher) Dispatch(ctx context.Context, recipientID string, payload models.NotificationPayload) (string, error) {
	ctx, span := d.obs.StartSpan(ctx, "notify.dispatch",
		attribute.String("notification.type", string(payload.Type)))
	defer span.End()

	if err := mailbox.ValidateRecipient(recipientID); err != nil {
		metrics.DispatchTotal.WithLabelValues(string(payload.Type), "invalid").Inc()
		return "", err
	}
	if reason := payload.Validate(); reason != "" {
		metrics.DispatchTotal.WithLabelValues(string(payload.Type), "invalid").Inc()
		return "", errors.NewInvalidPayloadError(reason)
	}

	id, err := d.deliver(ctx, recipientID, payload)
	if err != nil {
		span.RecordError(err)
	}
	return id, err
}

// deliver assumes recipient and payload are valid.
func (d *Dispatcher) deliver(ctx context.Context, recipientID string, payload models.NotificationPayload) (string, error) {
	writeCtx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	defer cancel()

	rec := payload.Record(uuid.NewString(), recipientID, d.mailbox.Now())
	id, created, err := d.mailbox.Deliver(writeCtx, rec, payload.IdempotencyKey)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(string(payload.Type), "failed").Inc()
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(writeCtx.Err(), context.DeadlineExceeded) {
			return "", errors.NewDeliveryTimeoutError(recipientID, err)
		}
		return "", errors.NewDeliveryFailedError(recipientID, err)
	}

	result := "delivered"
	if !created {
		result = "duplicate"
	}
	metrics.DispatchTotal.WithLabelValues(string(payload.Type), result).Inc()
	d.log.Debug("Notification delivered", map[string]interface{}{
		"recipientId":    recipientID,
		"notificationId": id,
		"type":           payload.Type,
		"created":        created,
	})
	return id, nil
}

// DispatchMany writes one record per distinct recipient. Writes are
// independent: a failed recipient never stops or undoes the others, and
// every failure is listed in the report.
func (d *Dispatcher) DispatchMany(ctx context.Context, recipientIDs []string, payload models.NotificationPayload) *FanoutReport {
	ctx, span := d.obs.StartSpan(ctx, "notify.fanout",
		attribute.String("notification.type", string(payload.Type)),
		attribute.Int("fanout.recipients", len(recipientIDs)))
	defer span.End()

	report := newFanoutReport(dedupe(recipientIDs))
	metrics.FanoutRecipients.Observe(float64(len(report.Recipients)))

	if reason := payload.Validate(); reason != "" {
		err := errors.NewInvalidPayloadError(reason)
		for _, r := range report.Recipients {
			report.fail(r, err)
		}
		metrics.DispatchTotal.WithLabelValues(string(payload.Type), "invalid").Inc()
		return report
	}

	type outcome struct {
		recipientID string
		id          string
		err         error
	}

	p := pool.NewWithResults[outcome]().WithMaxGoroutines(d.concurrency)
	for _, recipientID := range report.Recipients {
		recipientID := recipientID
		p.Go(func() outcome {
			if err := mailbox.ValidateRecipient(recipientID); err != nil {
				return outcome{recipientID: recipientID, err: err}
			}
			id, err := d.deliver(ctx, recipientID, payload)
			return outcome{recipientID: recipientID, id: id, err: err}
		})
	}

	for _, o := range p.Wait() {
		if o.err != nil {
			report.fail(o.recipientID, o.err)
			continue
		}
		report.Delivered[o.recipientID] = o.id
	}
	report.sortFailures()

	for _, f := range report.Failures {
		metrics.FanoutFailures.WithLabelValues(string(payload.Type), string(errors.CodeOf(f.Err))).Inc()
		d.log.Warn("Fan-out delivery failed", map[string]interface{}{
			"recipientId": f.RecipientID,
			"type":        payload.Type,
			"error":       f.Err.Error(),
		})
	}
	if len(report.Failures) > 0 {
		span.RecordError(report.Err())
	}
	return report
}

// DispatchToRole resolves role once and fans out to that snapshot of
// members, skipping anyone in exclude.
func (d *Dispatcher) DispatchToRole(ctx context.Context, role string, payload models.NotificationPayload, exclude ...string) (*FanoutReport, error) {
	if d.directory == nil {
		return nil, errors.NewIdentityLookupFailedError(stderrors.New("no role directory configured"))
	}
	members, err := d.directory.MembersOf(ctx, role)
	if err != nil {
		return nil, errors.NewIdentityLookupFailedError(err)
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	audience := make([]string, 0, len(members))
	for _, id := range members {
		if _, ok := skip[id]; !ok {
			audience = append(audience, id)
		}
	}

	d.log.Info("Dispatching to role", map[string]interface{}{
		"role":       role,
		"type":       payload.Type,
		"recipients": len(audience),
	})
	return d.DispatchMany(ctx, audience, payload), nil
}

// dedupe keeps the first occurrence of each id, in input order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
