package notify

import (
	"fmt"
	"strings"

	"portal-mailbox/internal/models"
)

// Template is the title/message/actionRef contract for one notification
// type. Placeholders are {{field}}; missing fields render empty.
type Template struct {
	Title     string
	Message   string
	ActionRef string
}

var templates = map[models.NotificationType]Template{
	models.NotificationTaskAssigned: {
		Title:     "New task assigned",
		Message:   "{{actorName}} assigned you \"{{taskTitle}}\"",
		ActionRef: "/tasks/{{taskId}}",
	},
	models.NotificationTaskCompleted: {
		Title:     "Task completed",
		Message:   "{{actorName}} completed \"{{taskTitle}}\"",
		ActionRef: "/tasks/{{taskId}}",
	},

	models.NotificationIdeaSubmitted: {
		Title:     "New idea awaiting review",
		Message:   "{{actorName}} submitted \"{{ideaTitle}}\"",
		ActionRef: "/admin/ideas/{{ideaId}}",
	},
	models.NotificationIdeaApproved: {
		Title:     "Your idea was approved",
		Message:   "\"{{ideaTitle}}\" is now visible to everyone",
		ActionRef: "/ideas/{{ideaId}}",
	},
	models.NotificationIdeaRejected: {
		Title:     "Your idea was not approved",
		Message:   "\"{{ideaTitle}}\" was declined. {{reason}}",
		ActionRef: "/ideas/{{ideaId}}",
	},

	models.NotificationEventSubmitted: {
		Title:     "New event awaiting review",
		Message:   "{{actorName}} proposed \"{{eventTitle}}\"",
		ActionRef: "/admin/events/{{eventId}}",
	},
	models.NotificationEventApproved: {
		Title:     "Your event was approved",
		Message:   "\"{{eventTitle}}\" has been published",
		ActionRef: "/events/{{eventId}}",
	},
	models.NotificationEventRejected: {
		Title:     "Your event was not approved",
		Message:   "\"{{eventTitle}}\" was declined. {{reason}}",
		ActionRef: "/events/{{eventId}}",
	},

	models.NotificationMessageReceived: {
		Title:     "New message",
		Message:   "{{senderName}}: {{preview}}",
		ActionRef: "/messages/{{conversationId}}",
	},
	models.NotificationPostLiked: {
		Title:     "Someone liked your post",
		Message:   "{{actorName}} liked \"{{postTitle}}\"",
		ActionRef: "/posts/{{postId}}",
	},
	models.NotificationPostCommented: {
		Title:     "New comment on your post",
		Message:   "{{actorName}} commented on \"{{postTitle}}\"",
		ActionRef: "/posts/{{postId}}",
	},

	models.NotificationOrganizationSubmitted: {
		Title:     "New organization awaiting review",
		Message:   "{{actorName}} registered \"{{organizationName}}\"",
		ActionRef: "/admin/organizations/{{organizationId}}",
	},
	models.NotificationOrganizationApproved: {
		Title:     "Organization approved",
		Message:   "\"{{organizationName}}\" is now active",
		ActionRef: "/organizations/{{organizationId}}",
	},
	models.NotificationOrganizationRejected: {
		Title:     "Organization not approved",
		Message:   "\"{{organizationName}}\" was declined. {{reason}}",
		ActionRef: "/organizations/{{organizationId}}",
	},

	models.NotificationFormSubmitted: {
		Title:     "New form submission",
		Message:   "{{actorName}} submitted \"{{formTitle}}\"",
		ActionRef: "/admin/forms/{{formId}}",
	},
	models.NotificationFormApproved: {
		Title:     "Form approved",
		Message:   "Your submission of \"{{formTitle}}\" was approved",
		ActionRef: "/forms/{{formId}}",
	},
	models.NotificationFormRejected: {
		Title:     "Form not approved",
		Message:   "Your submission of \"{{formTitle}}\" was declined. {{reason}}",
		ActionRef: "/forms/{{formId}}",
	},

	models.NotificationRequestSubmitted: {
		Title:     "New request awaiting review",
		Message:   "{{actorName}} requested \"{{requestTitle}}\"",
		ActionRef: "/admin/requests/{{requestId}}",
	},
	models.NotificationRequestApproved: {
		Title:     "Request approved",
		Message:   "Your request \"{{requestTitle}}\" was approved",
		ActionRef: "/requests/{{requestId}}",
	},
	models.NotificationRequestRejected: {
		Title:     "Request not approved",
		Message:   "Your request \"{{requestTitle}}\" was declined. {{reason}}",
		ActionRef: "/requests/{{requestId}}",
	},

	models.NotificationUserRegistered: {
		Title:     "New user awaiting approval",
		Message:   "{{actorName}} ({{email}}) signed up",
		ActionRef: "/admin/users/{{userId}}",
	},
	models.NotificationUserApproved: {
		Title:     "Welcome aboard",
		Message:   "Your account has been approved",
		ActionRef: "/profile",
	},
	models.NotificationUserRejected: {
		Title:     "Account not approved",
		Message:   "Your registration was declined. {{reason}}",
		ActionRef: "",
	},
}

// TemplateFor returns the template registered for kind.
func TemplateFor(kind models.NotificationType) (Template, bool) {
	t, ok := templates[kind]
	return t, ok
}

// Render fills the template and builds a payload. Fields named
// relatedEntityId, triggeredBy and idempotencyKey are copied onto the
// payload as well as being available to placeholders.
func Render(kind models.NotificationType, fields map[string]string) (models.NotificationPayload, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return models.NotificationPayload{}, fmt.Errorf("no template for notification type %q", kind)
	}
	return models.NotificationPayload{
		Type:            kind,
		Title:           strings.TrimSpace(renderTemplate(tmpl.Title, fields)),
		Message:         strings.TrimSpace(renderTemplate(tmpl.Message, fields)),
		ActionRef:       renderTemplate(tmpl.ActionRef, fields),
		RelatedEntityID: fields["relatedEntityId"],
		TriggeredBy:     fields["triggeredBy"],
		IdempotencyKey:  fields["idempotencyKey"],
	}, nil
}

// renderTemplate scans tmpl once, left to right. Each {{name}} becomes
// data[name], or nothing when the field is absent. Substituted values are
// copied verbatim and never scanned again.
func renderTemplate(tmpl string, data map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(rest[start+2:], "}}")
		if end == -1 {
			break
		}
		b.WriteString(rest[:start])
		b.WriteString(data[rest[start+2:start+2+end]])
		rest = rest[start+2+end+2:]
	}
	b.WriteString(rest)
	return b.String()
}
