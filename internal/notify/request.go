package notify

import (
	"context"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/models"
)

// Request is a templated notification addressed to one audience. The first
// non-empty of RecipientID, RecipientIDs and Role is used.
type Request struct {
	Type            models.NotificationType `json:"notificationType"`
	RecipientID     string                  `json:"recipientId,omitempty"`
	RecipientIDs    []string                `json:"recipientIds,omitempty"`
	Role            string                  `json:"role,omitempty"`
	ExcludeIDs      []string                `json:"excludeIds,omitempty"`
	Fields          map[string]string       `json:"fields,omitempty"`
	RelatedEntityID string                  `json:"relatedEntityId,omitempty"`
	TriggeredBy     string                  `json:"triggeredBy,omitempty"`
	IdempotencyKey  string                  `json:"idempotencyKey,omitempty"`
}

// HasAudience reports whether the request names anyone.
func (r Request) HasAudience() bool {
	return r.RecipientID != "" || len(r.RecipientIDs) > 0 || r.Role != ""
}

// Payload renders the template for the request's type.
func (r Request) Payload() (models.NotificationPayload, error) {
	fields := make(map[string]string, len(r.Fields)+3)
	for k, v := range r.Fields {
		fields[k] = v
	}
	setIfPresent(fields, "relatedEntityId", r.RelatedEntityID)
	setIfPresent(fields, "triggeredBy", r.TriggeredBy)
	setIfPresent(fields, "idempotencyKey", r.IdempotencyKey)

	payload, err := Render(r.Type, fields)
	if err != nil {
		return models.NotificationPayload{}, errors.NewInvalidPayloadError(err.Error())
	}
	return payload, nil
}

// Send renders req and fans it out. Per-recipient failures are in the
// report; the error covers a bad request or a failed role lookup.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*FanoutReport, error) {
	payload, err := req.Payload()
	if err != nil {
		return nil, err
	}

	switch {
	case req.RecipientID != "":
		return d.DispatchMany(ctx, []string{req.RecipientID}, payload), nil
	case len(req.RecipientIDs) > 0:
		return d.DispatchMany(ctx, without(req.RecipientIDs, req.ExcludeIDs), payload), nil
	case req.Role != "":
		return d.DispatchToRole(ctx, req.Role, payload, req.ExcludeIDs...)
	}
	return nil, errors.NewInvalidRecipientError("request names no recipient, recipients or role")
}

func without(ids, skip []string) []string {
	if len(skip) == 0 {
		return ids
	}
	drop := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		drop[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func setIfPresent(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
