package models

import (
	"strings"
	"time"
)

// NotificationType is the closed set of notification kinds the portal emits.
type NotificationType string

const (
	NotificationTaskAssigned  NotificationType = "task_assigned"
	NotificationTaskCompleted NotificationType = "task_completed"

	NotificationIdeaSubmitted NotificationType = "idea_submitted"
	NotificationIdeaApproved  NotificationType = "idea_approved"
	NotificationIdeaRejected  NotificationType = "idea_rejected"

	NotificationEventSubmitted NotificationType = "event_submitted"
	NotificationEventApproved  NotificationType = "event_approved"
	NotificationEventRejected  NotificationType = "event_rejected"

	NotificationMessageReceived NotificationType = "message_received"
	NotificationPostLiked       NotificationType = "post_liked"
	NotificationPostCommented   NotificationType = "post_commented"

	NotificationOrganizationSubmitted NotificationType = "organization_submitted"
	NotificationOrganizationApproved  NotificationType = "organization_approved"
	NotificationOrganizationRejected  NotificationType = "organization_rejected"

	NotificationFormSubmitted NotificationType = "form_submitted"
	NotificationFormApproved  NotificationType = "form_approved"
	NotificationFormRejected  NotificationType = "form_rejected"

	NotificationRequestSubmitted NotificationType = "request_submitted"
	NotificationRequestApproved  NotificationType = "request_approved"
	NotificationRequestRejected  NotificationType = "request_rejected"

	NotificationUserRegistered NotificationType = "user_registered"
	NotificationUserApproved   NotificationType = "user_approved"
	NotificationUserRejected   NotificationType = "user_rejected"
)

var notificationTypes = map[NotificationType]struct{}{
	NotificationTaskAssigned: {}, NotificationTaskCompleted: {},
	NotificationIdeaSubmitted: {}, NotificationIdeaApproved: {}, NotificationIdeaRejected: {},
	NotificationEventSubmitted: {}, NotificationEventApproved: {}, NotificationEventRejected: {},
	NotificationMessageReceived: {}, NotificationPostLiked: {}, NotificationPostCommented: {},
	NotificationOrganizationSubmitted: {}, NotificationOrganizationApproved: {}, NotificationOrganizationRejected: {},
	NotificationFormSubmitted: {}, NotificationFormApproved: {}, NotificationFormRejected: {},
	NotificationRequestSubmitted: {}, NotificationRequestApproved: {}, NotificationRequestRejected: {},
	NotificationUserRegistered: {}, NotificationUserApproved: {}, NotificationUserRejected: {},
}

// Valid reports whether t belongs to the closed set.
func (t NotificationType) Valid() bool {
	_, ok := notificationTypes[t]
	return ok
}

// NotificationTypes lists every known type.
func NotificationTypes() []NotificationType {
	out := make([]NotificationType, 0, len(notificationTypes))
	for t := range notificationTypes {
		out = append(out, t)
	}
	return out
}

// NotificationRecord is one entry in a recipient's mailbox. Everything but
// Read and ReadAt is fixed at creation.
type NotificationRecord struct {
	ID              string           `json:"id" db:"id"`
	RecipientID     string           `json:"recipientId" db:"recipient_id"`
	Type            NotificationType `json:"type" db:"type"`
	Title           string           `json:"title" db:"title"`
	Message         string           `json:"message" db:"message"`
	ActionRef       string           `json:"actionRef,omitempty" db:"action_ref"`
	RelatedEntityID string           `json:"relatedEntityId,omitempty" db:"related_entity_id"`
	TriggeredBy     string           `json:"triggeredBy,omitempty" db:"triggered_by"`
	Read            bool             `json:"read" db:"read"`
	CreatedAt       time.Time        `json:"createdAt" db:"created_at"`
	ReadAt          *time.Time       `json:"readAt,omitempty" db:"read_at"`
}

// NotificationPayload is what a caller hands the dispatcher; the dispatcher
// stamps id, recipient and time.
type NotificationPayload struct {
	Type            NotificationType `json:"type"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	ActionRef       string           `json:"actionRef,omitempty"`
	RelatedEntityID string           `json:"relatedEntityId,omitempty"`
	TriggeredBy     string           `json:"triggeredBy,omitempty"`

	// IdempotencyKey, when set, makes a retried dispatch to the same
	// recipient return the original record instead of writing another.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Validate checks the fields a record cannot exist without.
func (p NotificationPayload) Validate() string {
	switch {
	case !p.Type.Valid():
		return "unknown notification type: " + string(p.Type)
	case strings.TrimSpace(p.Title) == "":
		return "title is required"
	}
	return ""
}

// Record materializes the payload for one recipient.
func (p NotificationPayload) Record(id, recipientID string, at time.Time) NotificationRecord {
	return NotificationRecord{
		ID:              id,
		RecipientID:     recipientID,
		Type:            p.Type,
		Title:           p.Title,
		Message:         p.Message,
		ActionRef:       p.ActionRef,
		RelatedEntityID: p.RelatedEntityID,
		TriggeredBy:     p.TriggeredBy,
		CreatedAt:       at,
	}
}

// MailboxState is a full snapshot of a mailbox as seen by a live subscriber.
type MailboxState struct {
	RecipientID string               `json:"recipientId"`
	Records     []NotificationRecord `json:"records"`
	UnreadCount int64                `json:"unreadCount"`
}

// ListOptions pages through a mailbox newest first.
type ListOptions struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	UnreadOnly bool `json:"unreadOnly"`
}
