package model

import "time"

// VaultSession — общая сессия хранилища: одна активная запись на vault_id.
// Открыл один участник — открыто для всех; закрытие или истечение TTL закрывает для всех.
type VaultSession struct {
	ID             string    `json:"id"`
	VaultID        string    `json:"vault_id"`
	VaultName      string    `json:"vault_name"`
	UnlockedBy     string    `json:"unlocked_by"`
	UnlockedByName string    `json:"unlocked_by_name"`
	UnlockedAt     time.Time `json:"unlocked_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivity   string    `json:"last_activity,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Duration — сколько сессия уже открыта.
func (s *VaultSession) Duration(now time.Time) time.Duration {
	return now.Sub(s.UnlockedAt)
}

// IsExpired — истёк ли TTL сессии на момент now.
func (s *VaultSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RemainingTime — остаток TTL (0, если сессия истекла).
func (s *VaultSession) RemainingTime(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
