package ws

import "time"

type EventType string

const (
	EventVaultOpened        EventType = "vault_opened"
	EventVaultLocked        EventType = "vault_locked"
	EventVaultAutoLocked    EventType = "vault_auto_locked"
	EventVaultAlreadyOpen   EventType = "vault_already_open"
	EventSecurityAlert      EventType = "security_alert"
	EventEmergencyRequested EventType = "emergency_requested"
	EventEmergencyApproved  EventType = "emergency_approved"
	EventEmergencyDenied    EventType = "emergency_denied"
	EventActivity           EventType = "activity"
	EventError              EventType = "error"
)

// IncomingMessage is what the client sends to the server. The only client-driven
// event is an activity ping which keeps the vault session alive.
type IncomingMessage struct {
	Type     EventType `json:"type"`
	VaultID  string    `json:"vault_id,omitempty"`
	Activity string    `json:"activity,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// VaultEventPayload is broadcast for every vault state change.
type VaultEventPayload struct {
	VaultID string    `json:"vault_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// SessionExtendedPayload confirms an accepted activity ping to its sender.
type SessionExtendedPayload struct {
	VaultID   string    `json:"vault_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
