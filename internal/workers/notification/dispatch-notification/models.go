package dispatchnotification

// Input is the job variable contract. Exactly one audience is used:
// recipientId, then recipientIds, then role.
type Input struct {
	NotificationType string            `json:"notificationType"`
	RecipientID      string            `json:"recipientId,omitempty"`
	RecipientIDs     []string          `json:"recipientIds,omitempty"`
	Role             string            `json:"role,omitempty"`
	ExcludeIDs       []string          `json:"excludeIds,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
	RelatedEntityID  string            `json:"relatedEntityId,omitempty"`
	TriggeredBy      string            `json:"triggeredBy,omitempty"`
	IdempotencyKey   string            `json:"idempotencyKey,omitempty"`
}

type Output struct {
	Status           string            `json:"notificationStatus"`
	Delivered        int               `json:"deliveredCount"`
	Failed           int               `json:"failedCount"`
	FailedRecipients []string          `json:"failedRecipients"`
	NotificationIDs  map[string]string `json:"notificationIds"`
	ProcessedAt      string            `json:"processedAt"` // ISO 8601

	// UncertainRecipients timed out mid-write; their record may exist.
	UncertainRecipients []string `json:"uncertainRecipients,omitempty"`
}

// Statuses
const (
	StatusDelivered  = "delivered"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
	StatusNoAudience = "no_audience"
)

const inputSchema = `{
  "type": "object",
  "required": ["notificationType"],
  "properties": {
    "notificationType": {"type": "string", "minLength": 1},
    "recipientId":      {"type": "string"},
    "recipientIds":     {"type": "array", "items": {"type": "string", "minLength": 1}},
    "role":             {"type": "string"},
    "excludeIds":       {"type": "array", "items": {"type": "string"}},
    "fields":           {"type": "object", "additionalProperties": {"type": "string"}},
    "relatedEntityId":  {"type": "string"},
    "triggeredBy":      {"type": "string"},
    "idempotencyKey":   {"type": "string"}
  }
}`
