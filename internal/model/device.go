package model

import "time"

// Device — доверенное устройство владельца. Никогда не удаляется физически:
// отзыв и утеря — флаги состояния, история попыток доступа сохраняется для аудита.
type Device struct {
	ID               string `json:"id"`
	OwnerID          string `json:"owner_id"`
	DeviceIdentifier string `json:"device_identifier"`
	DeviceName       string `json:"device_name"`
	DeviceModel      string `json:"device_model"`
	DeviceType       string `json:"device_type"`
	SystemVersion    string `json:"system_version"`
	FingerprintHash  string `json:"-"`

	IsAuthorized  bool `json:"is_authorized"`
	IsWhitelisted bool `json:"is_whitelisted"`
	// IsIrrevocable — единственное неотзываемое устройство владельца.
	// Инвариант: не более одного такого устройства на owner_id.
	IsIrrevocable bool `json:"is_irrevocable"`

	IsLost         bool       `json:"is_lost"`
	IsStolen       bool       `json:"is_stolen"`
	LostReason     string     `json:"lost_reason,omitempty"`
	ReportedLostAt *time.Time `json:"reported_lost_at,omitempty"`

	AccessAttemptCount       int `json:"access_attempt_count"`
	FailedAttemptCount       int `json:"failed_attempt_count"`
	LostDeviceAccessAttempts int `json:"lost_device_access_attempts"`

	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DeviceInfo — атрибуты устройства, как их сообщает клиент при авторизации.
// Из них вычисляется отпечаток; identifier устойчив в рамках вендора.
type DeviceInfo struct {
	Identifier    string `json:"identifier"`
	Name          string `json:"name"`
	Model         string `json:"model"`
	Type          string `json:"type"`
	SystemVersion string `json:"system_version"`
	Hardware      string `json:"hardware"`
}
