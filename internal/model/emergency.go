package model

import "time"

// Статусы экстренного запроса. Переход из pending в терминальный статус ровно один раз.
const (
	EmergencyPending  = "pending"
	EmergencyApproved = "approved"
	EmergencyDenied   = "denied"
)

// Уровни срочности экстренного запроса.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// EmergencyAccessRequest — запрос экстренного доступа к хранилищу.
type EmergencyAccessRequest struct {
	ID          string     `json:"id"`
	VaultID     string     `json:"vault_id"`
	RequesterID string     `json:"requester_id"`
	Reason      string     `json:"reason"`
	Urgency     string     `json:"urgency"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	ApproverID  string     `json:"approver_id,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	PassCode    string     `json:"-"` // выдаётся только запросившему
}

// EmergencyAccessPass — одноразовый пропуск, создаётся только вместе с одобрением запроса.
// UsedAt выставляется не более одного раза; после использования IsActive=false навсегда.
type EmergencyAccessPass struct {
	ID          string     `json:"id"`
	VaultID     string     `json:"vault_id"`
	RequesterID string     `json:"requester_id"`
	RequestID   string     `json:"request_id"`
	PassCode    string     `json:"-"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// IsValid — пропуск действителен: активен, не использован и не истёк.
func (p *EmergencyAccessPass) IsValid(now time.Time) bool {
	return p.IsActive && p.UsedAt == nil && now.Before(p.ExpiresAt)
}

// ApprovalRecommendation — рекомендация по одобрению. Эфемерная, не сохраняется:
// итоговое решение всегда принимает человек.
type ApprovalRecommendation struct {
	ShouldApprove bool     `json:"should_approve"`
	Confidence    float64  `json:"confidence"` // 0.0 .. 1.0
	Reasoning     string   `json:"reasoning"`
	RiskFactors   []string `json:"risk_factors"`
}

// ConfidenceLevel — текстовая градация уверенности для интерфейса оператора.
func (r ApprovalRecommendation) ConfidenceLevel() string {
	switch {
	case r.Confidence >= 0.8:
		return "High"
	case r.Confidence >= 0.6:
		return "Moderate"
	case r.Confidence >= 0.4:
		return "Low"
	default:
		return "Very Low"
	}
}
