package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vaultguard/internal/logger"
	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/notify"
	"github.com/vaultguard/internal/repository"
)

var (
	// ErrAlreadyProcessed — запрос уже покинул статус pending; переход терминален.
	ErrAlreadyProcessed = errors.New("emergency request already processed")
	// ErrRateLimitExceeded — слишком много экстренных запросов от пользователя.
	ErrRateLimitExceeded = errors.New("emergency request rate limit exceeded")
)

// EmergencyStore — персистентность запросов и пропусков.
// Реализуется repository.EmergencyRepository.
type EmergencyStore interface {
	CreateRequest(ctx context.Context, req *model.EmergencyAccessRequest) error
	GetRequest(ctx context.Context, id string) (*model.EmergencyAccessRequest, error)
	ListRequestsByStatus(ctx context.Context, status string) ([]model.EmergencyAccessRequest, error)
	UpdateRequest(ctx context.Context, req *model.EmergencyAccessRequest) error
	CreatePass(ctx context.Context, p *model.EmergencyAccessPass) error
	GetPassByCode(ctx context.Context, passCode, vaultID string) (*model.EmergencyAccessPass, error)
	MarkPassUsed(ctx context.Context, passID string, usedAt time.Time) (bool, error)
	DeactivatePassByRequest(ctx context.Context, requestID string) error
}

// NomineeStore — доверенные лица хранилища; одобренный запрос временно
// поднимает запросившего номинанта в active.
type NomineeStore interface {
	ListNominees(ctx context.Context, vaultID string) ([]model.Nominee, error)
	SetNomineeStatus(ctx context.Context, nomineeID string, status model.NomineeStatus, activeAt time.Time) error
}

// PassCache — Redis-слой: кэш кодов пропусков и rate limit запросов.
// Удовлетворяется storage.PassStore.
type PassCache interface {
	SetPass(ctx context.Context, vaultID, code, passID string, ttl time.Duration) error
	GetPass(ctx context.Context, vaultID, code string) (string, error)
	DeletePass(ctx context.Context, vaultID, code string) error
	CheckRequestRateLimit(ctx context.Context, requesterID string) (allowed bool, err error)
}

// RiskAssessor — внешняя оценка угроз хранилища для формулы уверенности.
type RiskAssessor interface {
	Score(ctx context.Context, vaultID string) (geo, tag, access float64, err error)
}

// Arbiter выдаёт рекомендации по экстренным запросам и одноразовые пропуска.
// Решение всегда принимает человек; арбитр лишь считает уверенность.
type Arbiter struct {
	mu       sync.Mutex
	store    EmergencyStore
	nominees NomineeStore
	cache    PassCache
	assessor RiskAssessor
	notifier notify.Notifier
	passTTL  time.Duration
	now      func() time.Time
}

func NewArbiter(store EmergencyStore, nominees NomineeStore, cache PassCache, assessor RiskAssessor, notifier notify.Notifier, passTTL time.Duration) *Arbiter {
	return &Arbiter{
		store:    store,
		nominees: nominees,
		cache:    cache,
		assessor: assessor,
		notifier: notifier,
		passTTL:  passTTL,
		now:      time.Now,
	}
}

// Request создаёт ожидающий запрос экстренного доступа. Rate limit на
// запросившего защищает владельца от спама одобрений.
func (a *Arbiter) Request(ctx context.Context, vaultID, requesterID, reason, urgency string) (*model.EmergencyAccessRequest, error) {
	defer logger.DeferLogDuration("emergency.Request", time.Now())()

	allowed, err := a.cache.CheckRequestRateLimit(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("emergency.Request: %w", err)
	}
	if !allowed {
		return nil, ErrRateLimitExceeded
	}

	req := &model.EmergencyAccessRequest{
		ID:          uuid.NewString(),
		VaultID:     vaultID,
		RequesterID: requesterID,
		Reason:      reason,
		Urgency:     urgency,
		Status:      model.EmergencyPending,
		RequestedAt: a.now(),
	}
	if err := a.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("emergency.Request: %w", err)
	}
	a.notifier.Notify(ctx, vaultID, notify.KindEmergencyRequested,
		fmt.Sprintf("Emergency access requested (%s urgency)", urgency))
	logger.Infof("emergency request %s created for vault %s", req.ID, vaultID)
	return req, nil
}

// Recommend считает рекомендацию для запроса, запрашивая риски у ассессора.
func (a *Arbiter) Recommend(ctx context.Context, requestID string) (model.ApprovalRecommendation, error) {
	defer logger.DeferLogDuration("emergency.Recommend", time.Now())()

	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return model.ApprovalRecommendation{}, fmt.Errorf("emergency.Recommend: %w", err)
	}
	geo, tag, access, err := a.assessor.Score(ctx, req.VaultID)
	if err != nil {
		return model.ApprovalRecommendation{}, fmt.Errorf("emergency.Recommend: %w", err)
	}
	return Recommend(req, RiskInputs{Geo: geo, Tag: tag, Access: access}, a.now()), nil
}

// Approve одобряет запрос и выписывает одноразовый пропуск на 24 часа.
// Попутно поднимает соответствующего номинанта хранилища в active на окно гранта.
func (a *Arbiter) Approve(ctx context.Context, requestID, approverID string) (*model.EmergencyAccessPass, error) {
	defer logger.DeferLogDuration("emergency.Approve", time.Now())()
	a.mu.Lock()
	defer a.mu.Unlock()

	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("emergency.Approve: %w", err)
	}
	if req.Status != model.EmergencyPending {
		return nil, ErrAlreadyProcessed
	}

	now := a.now()
	expires := now.Add(a.passTTL)
	passCode := uuid.NewString()

	req.Status = model.EmergencyApproved
	req.ApproverID = approverID
	req.ApprovedAt = &now
	req.ExpiresAt = &expires
	req.PassCode = passCode
	if err := a.store.UpdateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("emergency.Approve: %w", err)
	}

	pass := &model.EmergencyAccessPass{
		ID:          uuid.NewString(),
		VaultID:     req.VaultID,
		RequesterID: req.RequesterID,
		RequestID:   req.ID,
		PassCode:    passCode,
		IssuedAt:    now,
		ExpiresAt:   expires,
		IsActive:    true,
	}
	if err := a.store.CreatePass(ctx, pass); err != nil {
		return nil, fmt.Errorf("emergency.Approve: %w", err)
	}
	if err := a.cache.SetPass(ctx, req.VaultID, passCode, pass.ID, a.passTTL); err != nil {
		// Кэш ускоряет redeem, истина в БД — одобрение не откатываем.
		logger.Errorf("cache pass for vault %s: %v", req.VaultID, err)
	}

	a.elevateNominee(ctx, req.VaultID, req.RequesterID, now)
	a.notifier.Notify(ctx, req.VaultID, notify.KindEmergencyApproved, "Emergency access approved")
	logger.Infof("emergency request %s approved, pass expires %s", req.ID, expires.Format(time.RFC3339))
	return pass, nil
}

// Deny отклоняет запрос. Терминально: повторная обработка невозможна.
func (a *Arbiter) Deny(ctx context.Context, requestID, approverID string) error {
	defer logger.DeferLogDuration("emergency.Deny", time.Now())()
	a.mu.Lock()
	defer a.mu.Unlock()

	req, err := a.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("emergency.Deny: %w", err)
	}
	if req.Status != model.EmergencyPending {
		return ErrAlreadyProcessed
	}
	now := a.now()
	req.Status = model.EmergencyDenied
	req.ApproverID = approverID
	req.ApprovedAt = &now
	if err := a.store.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("emergency.Deny: %w", err)
	}
	a.notifier.Notify(ctx, req.VaultID, notify.KindEmergencyDenied, "Emergency access denied")
	logger.Infof("emergency request %s denied", req.ID)
	return nil
}

// Verify проверяет код пропуска. Возвращает nil без ошибки для любого
// недействительного кода: использованного, истёкшего или неизвестного.
func (a *Arbiter) Verify(ctx context.Context, passCode, vaultID string) (*model.EmergencyAccessPass, error) {
	defer logger.DeferLogDuration("emergency.Verify", time.Now())()

	// Промах кэша не приговор: идём в БД.
	if _, err := a.cache.GetPass(ctx, vaultID, passCode); err != nil {
		logger.Errorf("pass cache lookup: %v", err)
	}
	pass, err := a.store.GetPassByCode(ctx, passCode, vaultID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("emergency.Verify: %w", err)
	}
	if !pass.IsValid(a.now()) {
		return nil, nil
	}
	return pass, nil
}

// Use гасит пропуск: одноразовость обеспечивается условным UPDATE в БД,
// повторное использование всегда проваливает Verify.
func (a *Arbiter) Use(ctx context.Context, pass *model.EmergencyAccessPass) error {
	defer logger.DeferLogDuration("emergency.Use", time.Now())()
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	consumed, err := a.store.MarkPassUsed(ctx, pass.ID, now)
	if err != nil {
		return fmt.Errorf("emergency.Use: %w", err)
	}
	if !consumed {
		return ErrAlreadyProcessed
	}
	pass.UsedAt = &now
	pass.IsActive = false
	if err := a.cache.DeletePass(ctx, pass.VaultID, pass.PassCode); err != nil {
		logger.Errorf("drop pass from cache: %v", err)
	}
	logger.Infof("emergency pass %s consumed for vault %s", pass.ID, pass.VaultID)
	return nil
}

// ExpireGrants закрывает истёкшие одобренные гранты: гасит пропуск, чистит кэш
// и возвращает номинанта в inactive. Запускается периодически из сервиса.
func (a *Arbiter) ExpireGrants(ctx context.Context) {
	defer logger.DeferLogDuration("emergency.ExpireGrants", time.Now())()
	a.mu.Lock()
	defer a.mu.Unlock()

	approved, err := a.store.ListRequestsByStatus(ctx, model.EmergencyApproved)
	if err != nil {
		logger.Errorf("list approved requests: %v", err)
		return
	}
	now := a.now()
	for i := range approved {
		req := approved[i]
		if req.ExpiresAt == nil || now.Before(*req.ExpiresAt) {
			continue
		}
		pass, err := a.store.GetPassByCode(ctx, req.PassCode, req.VaultID)
		if err != nil || !pass.IsActive {
			continue // уже погашен или использован
		}
		if err := a.store.DeactivatePassByRequest(ctx, req.ID); err != nil {
			logger.Errorf("deactivate pass for request %s: %v", req.ID, err)
			continue
		}
		if err := a.cache.DeletePass(ctx, req.VaultID, req.PassCode); err != nil {
			logger.Errorf("drop expired pass from cache: %v", err)
		}
		a.demoteNominee(ctx, req.VaultID, req.RequesterID, now)
		logger.Infof("emergency grant for request %s expired", req.ID)
	}
}

// StartExpiryMonitor запускает периодическую проверку истёкших грантов.
func (a *Arbiter) StartExpiryMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.ExpireGrants(ctx)
			}
		}
	}()
}

func (a *Arbiter) elevateNominee(ctx context.Context, vaultID, userID string, now time.Time) {
	nominees, err := a.nominees.ListNominees(ctx, vaultID)
	if err != nil {
		logger.Errorf("list nominees for vault %s: %v", vaultID, err)
		return
	}
	for _, n := range nominees {
		if n.UserID == userID && n.Status != model.NomineeRevoked {
			if err := a.nominees.SetNomineeStatus(ctx, n.ID, model.NomineeActive, now); err != nil {
				logger.Errorf("elevate nominee %s: %v", n.ID, err)
			}
			return
		}
	}
}

func (a *Arbiter) demoteNominee(ctx context.Context, vaultID, userID string, now time.Time) {
	nominees, err := a.nominees.ListNominees(ctx, vaultID)
	if err != nil {
		logger.Errorf("list nominees for vault %s: %v", vaultID, err)
		return
	}
	for _, n := range nominees {
		if n.UserID == userID && n.Status == model.NomineeActive {
			if err := a.nominees.SetNomineeStatus(ctx, n.ID, model.NomineeInactive, now); err != nil {
				logger.Errorf("demote nominee %s: %v", n.ID, err)
			}
			return
		}
	}
}

// RiskInputs — внешние сигналы риска, каждый в [0,1]; усредняются в overallRisk.
type RiskInputs struct {
	Geo    float64
	Tag    float64
	Access float64
}

// Ключевые слова причины запроса. Совпадение ищется по подстроке в нижнем регистре.
var (
	positiveKeywords = []string{"medical", "emergency", "urgent", "critical", "immediate", "accident", "hospital"}
	negativeKeywords = []string{"test", "demo", "check", "just", "curious"}
)

// Recommend — детерминированная формула уверенности. Поправки применяются
// в фиксированном порядке и независимо друг от друга; каждая отрицательная
// поправка оставляет след в riskFactors.
func Recommend(req *model.EmergencyAccessRequest, risk RiskInputs, now time.Time) model.ApprovalRecommendation {
	confidence := 0.5
	var riskFactors []string

	switch req.Urgency {
	case model.UrgencyCritical:
		confidence += 0.2
	case model.UrgencyHigh:
		confidence += 0.1
	case model.UrgencyLow:
		confidence -= 0.1
		riskFactors = append(riskFactors, "Low urgency request")
	}

	reason := strings.ToLower(req.Reason)
	if containsAny(reason, positiveKeywords) {
		confidence += 0.15
	}
	if containsAny(reason, negativeKeywords) {
		confidence -= 0.2
		riskFactors = append(riskFactors, "Reason contains non-emergency keywords")
	}

	overallRisk := (risk.Geo + risk.Tag + risk.Access) / 3
	if overallRisk > 0.7 {
		confidence -= 0.2
		riskFactors = append(riskFactors, "High threat risk detected in vault")
	} else if overallRisk < 0.3 {
		confidence += 0.1
	}

	age := now.Sub(req.RequestedAt)
	if age < time.Hour {
		confidence += 0.05
	} else if age > 24*time.Hour {
		confidence -= 0.1
		riskFactors = append(riskFactors, "Request is more than 24 hours old")
	}

	confidence = clamp(confidence, 0, 1)

	rec := model.ApprovalRecommendation{
		ShouldApprove: confidence >= 0.6,
		Confidence:    confidence,
		RiskFactors:   riskFactors,
	}
	rec.Reasoning = reasoning(rec, req.Urgency, overallRisk)
	return rec
}

func reasoning(rec model.ApprovalRecommendation, urgency string, overallRisk float64) string {
	parts := []string{
		fmt.Sprintf("%s confidence in approval recommendation", rec.ConfidenceLevel()),
		fmt.Sprintf("Urgency: %s", urgency),
		fmt.Sprintf("Vault threat score: %.1f", overallRisk),
	}
	if len(rec.RiskFactors) > 0 {
		parts = append(parts, "Risk factors: "+strings.Join(rec.RiskFactors, ", "))
	}
	return strings.Join(parts, ". ")
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
