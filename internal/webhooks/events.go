package webhooks

import "strings"

// Event names form a fixed catalog. Subscriptions may only reference names
// listed here; new names are added in code, not at runtime.
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
	EventUserLogin   = "user.login"

	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"

	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"

	EventMediaCreated   = "media.created"
	EventMediaUpdated   = "media.updated"
	EventMediaDeleted   = "media.deleted"
	EventMediaProcessed = "media.processed"
	EventMediaFailed    = "media.failed"

	EventEmailSent          = "email.sent"
	EventEmailFailed        = "email.failed"
	EventBulkEmailCompleted = "bulk_email.completed"

	EventRoleCreated        = "role.created"
	EventRoleUpdated        = "role.updated"
	EventPermissionsUpdated = "permissions.updated"

	EventTestPing = "test.ping"
)

var eventDescriptions = map[string]string{
	EventUserCreated:        "Triggered when a new user is created",
	EventUserUpdated:        "Triggered when a user is updated",
	EventUserDeleted:        "Triggered when a user is deleted",
	EventUserLogin:          "Triggered when a user logs in",
	EventEntityCreated:      "Triggered when any entity is created",
	EventEntityUpdated:      "Triggered when any entity is updated",
	EventEntityDeleted:      "Triggered when any entity is deleted",
	EventTaskStarted:        "Triggered when a background task starts",
	EventTaskCompleted:      "Triggered when a background task completes successfully",
	EventTaskFailed:         "Triggered when a background task fails",
	EventMediaCreated:       "Triggered when a media record is created",
	EventMediaUpdated:       "Triggered when a media record is updated",
	EventMediaDeleted:       "Triggered when a media record is deleted",
	EventMediaProcessed:     "Triggered when media processing completes",
	EventMediaFailed:        "Triggered when media processing fails",
	EventEmailSent:          "Triggered when an email is sent successfully",
	EventEmailFailed:        "Triggered when an email fails to send",
	EventBulkEmailCompleted: "Triggered when a bulk email operation completes",
	EventRoleCreated:        "Triggered when a new role is created",
	EventRoleUpdated:        "Triggered when a role is updated",
	EventPermissionsUpdated: "Triggered when permissions are updated",
	EventTestPing:           "Test event sent by the webhook test operation",
}

// EventCatalog lists every subscribable event name in a stable order.
var EventCatalog = []string{
	EventUserCreated,
	EventUserUpdated,
	EventUserDeleted,
	EventUserLogin,
	EventEntityCreated,
	EventEntityUpdated,
	EventEntityDeleted,
	EventTaskStarted,
	EventTaskCompleted,
	EventTaskFailed,
	EventMediaCreated,
	EventMediaUpdated,
	EventMediaDeleted,
	EventMediaProcessed,
	EventMediaFailed,
	EventEmailSent,
	EventEmailFailed,
	EventBulkEmailCompleted,
	EventRoleCreated,
	EventRoleUpdated,
	EventPermissionsUpdated,
	EventTestPing,
}

var validEvents = func() map[string]struct{} {
	m := make(map[string]struct{}, len(EventCatalog))
	for _, e := range EventCatalog {
		m[e] = struct{}{}
	}
	return m
}()

// IsValidEvent reports whether name is part of the catalog.
func IsValidEvent(name string) bool {
	_, ok := validEvents[name]
	return ok
}

// EventType describes one catalog entry for the reference endpoint.
type EventType struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// EventTypes returns the catalog with categories and descriptions.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(EventCatalog))
	for _, e := range EventCatalog {
		category, _, _ := strings.Cut(e, ".")
		out = append(out, EventType{
			Type:        e,
			Category:    category,
			Description: eventDescriptions[e],
		})
	}
	return out
}
