package model

import "time"

// Vault — защищённый контейнер документов. Модель банковской ячейки:
// сейф открыт для всех участников или закрыт для всех.
type Vault struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NomineeStatus — статус участника хранилища.
type NomineeStatus string

const (
	NomineePending  NomineeStatus = "pending"
	NomineeAccepted NomineeStatus = "accepted"
	NomineeActive   NomineeStatus = "active"
	NomineeInactive NomineeStatus = "inactive"
	NomineeRevoked  NomineeStatus = "revoked"
)

// Nominee — приглашённый участник хранилища. При одобрении экстренного доступа
// статус временно поднимается до active на окно действия пропуска.
type Nominee struct {
	ID              string        `json:"id"`
	VaultID         string        `json:"vault_id"`
	UserID          string        `json:"user_id"`
	Name            string        `json:"name"`
	Email           string        `json:"email,omitempty"`
	Phone           string        `json:"phone,omitempty"`
	Status          NomineeStatus `json:"status"`
	InvitedByUserID string        `json:"invited_by_user_id,omitempty"`
	InvitedAt       time.Time     `json:"invited_at"`
	AcceptedAt      *time.Time    `json:"accepted_at,omitempty"`
	LastActiveAt    *time.Time    `json:"last_active_at,omitempty"`
}
