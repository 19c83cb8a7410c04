package emergency

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/notify"
	"github.com/vaultguard/internal/repository"
)

type fakeEmergencyStore struct {
	requests map[string]*model.EmergencyAccessRequest
	passes   map[string]*model.EmergencyAccessPass
}

func newFakeEmergencyStore() *fakeEmergencyStore {
	return &fakeEmergencyStore{
		requests: make(map[string]*model.EmergencyAccessRequest),
		passes:   make(map[string]*model.EmergencyAccessPass),
	}
}

func (s *fakeEmergencyStore) CreateRequest(ctx context.Context, req *model.EmergencyAccessRequest) error {
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *fakeEmergencyStore) GetRequest(ctx context.Context, id string) (*model.EmergencyAccessRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *fakeEmergencyStore) ListRequestsByStatus(ctx context.Context, status string) ([]model.EmergencyAccessRequest, error) {
	var list []model.EmergencyAccessRequest
	for _, req := range s.requests {
		if req.Status == status {
			list = append(list, *req)
		}
	}
	return list, nil
}

func (s *fakeEmergencyStore) UpdateRequest(ctx context.Context, req *model.EmergencyAccessRequest) error {
	if _, ok := s.requests[req.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *fakeEmergencyStore) CreatePass(ctx context.Context, p *model.EmergencyAccessPass) error {
	cp := *p
	s.passes[p.ID] = &cp
	return nil
}

func (s *fakeEmergencyStore) GetPassByCode(ctx context.Context, passCode, vaultID string) (*model.EmergencyAccessPass, error) {
	for _, p := range s.passes {
		if p.PassCode == passCode && p.VaultID == vaultID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeEmergencyStore) MarkPassUsed(ctx context.Context, passID string, usedAt time.Time) (bool, error) {
	p, ok := s.passes[passID]
	if !ok || p.UsedAt != nil {
		return false, nil
	}
	t := usedAt
	p.UsedAt = &t
	p.IsActive = false
	return true, nil
}

func (s *fakeEmergencyStore) DeactivatePassByRequest(ctx context.Context, requestID string) error {
	for _, p := range s.passes {
		if p.RequestID == requestID {
			p.IsActive = false
		}
	}
	return nil
}

type fakeNomineeStore struct {
	nominees map[string]*model.Nominee
}

func newFakeNomineeStore() *fakeNomineeStore {
	return &fakeNomineeStore{nominees: make(map[string]*model.Nominee)}
}

func (s *fakeNomineeStore) ListNominees(ctx context.Context, vaultID string) ([]model.Nominee, error) {
	var list []model.Nominee
	for _, n := range s.nominees {
		if n.VaultID == vaultID {
			list = append(list, *n)
		}
	}
	return list, nil
}

func (s *fakeNomineeStore) SetNomineeStatus(ctx context.Context, nomineeID string, status model.NomineeStatus, activeAt time.Time) error {
	n, ok := s.nominees[nomineeID]
	if !ok {
		return repository.ErrNotFound
	}
	n.Status = status
	n.LastActiveAt = &activeAt
	return nil
}

type fakePassCache struct {
	passes   map[string]string
	requests int
	limit    int
}

func newFakePassCache() *fakePassCache {
	return &fakePassCache{passes: make(map[string]string), limit: 5}
}

func (c *fakePassCache) SetPass(ctx context.Context, vaultID, code, passID string, ttl time.Duration) error {
	c.passes[vaultID+":"+code] = passID
	return nil
}

func (c *fakePassCache) GetPass(ctx context.Context, vaultID, code string) (string, error) {
	return c.passes[vaultID+":"+code], nil
}

func (c *fakePassCache) DeletePass(ctx context.Context, vaultID, code string) error {
	delete(c.passes, vaultID+":"+code)
	return nil
}

func (c *fakePassCache) CheckRequestRateLimit(ctx context.Context, requesterID string) (bool, error) {
	c.requests++
	return c.requests <= c.limit, nil
}

type fixedAssessor struct {
	geo, tag, access float64
}

func (a fixedAssessor) Score(ctx context.Context, vaultID string) (float64, float64, float64, error) {
	return a.geo, a.tag, a.access, nil
}

func newTestArbiter(assessor RiskAssessor) (*Arbiter, *fakeEmergencyStore, *fakeNomineeStore, *fakePassCache, *time.Time) {
	store := newFakeEmergencyStore()
	nominees := newFakeNomineeStore()
	cache := newFakePassCache()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &now
	a := NewArbiter(store, nominees, cache, assessor, notify.Noop{}, 24*time.Hour)
	a.now = func() time.Time { return *clock }
	return a, store, nominees, cache, clock
}

func request(urgency, reason string, age time.Duration, now time.Time) *model.EmergencyAccessRequest {
	return &model.EmergencyAccessRequest{
		ID:          "req-1",
		VaultID:     "vault-1",
		RequesterID: "user-1",
		Reason:      reason,
		Urgency:     urgency,
		Status:      model.EmergencyPending,
		RequestedAt: now.Add(-age),
	}
}

func TestRecommendCriticalMedical(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	req := request(model.UrgencyCritical, "medical emergency", 30*time.Minute, now)

	rec := Recommend(req, RiskInputs{Geo: 0.2, Tag: 0.2, Access: 0.2}, now)

	// 0.5 + 0.2 (critical) + 0.15 (keyword) + 0.1 (low risk) + 0.05 (fresh) = 1.0
	if math.Abs(rec.Confidence-1.0) > 1e-9 {
		t.Fatalf("confidence = %v, want 1.0", rec.Confidence)
	}
	if !rec.ShouldApprove {
		t.Fatal("must recommend approval")
	}
	if len(rec.RiskFactors) != 0 {
		t.Fatalf("riskFactors = %v, want none", rec.RiskFactors)
	}
	if !strings.HasPrefix(rec.Reasoning, "High confidence") {
		t.Fatalf("reasoning = %q, want High confidence prefix", rec.Reasoning)
	}
}

func TestRecommendJustChecking(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	req := request(model.UrgencyLow, "just checking", 48*time.Hour, now)

	rec := Recommend(req, RiskInputs{Geo: 0.8, Tag: 0.8, Access: 0.8}, now)

	// 0.5 - 0.1 - 0.2 - 0.2 - 0.1 = -0.1, clamped to 0
	if rec.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", rec.Confidence)
	}
	if rec.ShouldApprove {
		t.Fatal("must not recommend approval")
	}
	if len(rec.RiskFactors) != 4 {
		t.Fatalf("riskFactors = %v, want 4 entries", rec.RiskFactors)
	}
	if !strings.Contains(rec.Reasoning, "Risk factors:") {
		t.Fatalf("reasoning = %q, must list risk factors", rec.Reasoning)
	}
}

func TestRecommendBothKeywordClassesApply(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	req := request(model.UrgencyMedium, "urgent, but just need to check something", 30*time.Minute, now)

	rec := Recommend(req, RiskInputs{Geo: 0.5, Tag: 0.5, Access: 0.5}, now)

	// 0.5 + 0.15 - 0.2 + 0.05 = 0.5: поправки независимы, не взаимоисключающи
	if math.Abs(rec.Confidence-0.5) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.5", rec.Confidence)
	}
	if rec.ShouldApprove {
		t.Fatal("0.5 is below the approval threshold")
	}
}

func TestRecommendBounded(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	urgencies := []string{model.UrgencyLow, model.UrgencyMedium, model.UrgencyHigh, model.UrgencyCritical}
	reasons := []string{"medical emergency at hospital", "just a test demo", "need documents", ""}
	risks := []float64{0, 0.2, 0.5, 0.8, 1}
	ages := []time.Duration{0, 30 * time.Minute, 2 * time.Hour, 48 * time.Hour}

	for _, u := range urgencies {
		for _, reason := range reasons {
			for _, risk := range risks {
				for _, age := range ages {
					rec := Recommend(request(u, reason, age, now), RiskInputs{Geo: risk, Tag: risk, Access: risk}, now)
					if rec.Confidence < 0 || rec.Confidence > 1 {
						t.Fatalf("confidence %v out of [0,1] for urgency=%s reason=%q risk=%v age=%s",
							rec.Confidence, u, reason, risk, age)
					}
					if rec.ShouldApprove != (rec.Confidence >= 0.6) {
						t.Fatalf("shouldApprove=%v inconsistent with confidence %v", rec.ShouldApprove, rec.Confidence)
					}
				}
			}
		}
	}
}

func TestRequestRateLimited(t *testing.T) {
	ctx := context.Background()
	a, _, _, cache, _ := newTestArbiter(fixedAssessor{})
	cache.limit = 2

	for i := 0; i < 2; i++ {
		if _, err := a.Request(ctx, "vault-1", "user-1", "need access", model.UrgencyHigh); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}
	if _, err := a.Request(ctx, "vault-1", "user-1", "need access", model.UrgencyHigh); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
}

func TestApproveIssuesSingleUsePass(t *testing.T) {
	ctx := context.Background()
	a, store, nominees, cache, clock := newTestArbiter(fixedAssessor{})

	nominees.nominees["n1"] = &model.Nominee{
		ID: "n1", VaultID: "vault-1", UserID: "user-1", Status: model.NomineeAccepted,
	}
	req, err := a.Request(ctx, "vault-1", "user-1", "medical emergency", model.UrgencyCritical)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	pass, err := a.Approve(ctx, req.ID, "owner-1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !pass.ExpiresAt.Equal(clock.Add(24 * time.Hour)) {
		t.Fatalf("ExpiresAt = %s, want issued+24h", pass.ExpiresAt)
	}
	if store.requests[req.ID].Status != model.EmergencyApproved {
		t.Fatal("request must transition to approved")
	}
	if nominees.nominees["n1"].Status != model.NomineeActive {
		t.Fatal("matching nominee must be elevated to active")
	}
	if _, ok := cache.passes["vault-1:"+pass.PassCode]; !ok {
		t.Fatal("pass code must be cached")
	}

	// Повторная обработка терминального запроса невозможна.
	if _, err := a.Approve(ctx, req.ID, "owner-1"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
	}
	if err := a.Deny(ctx, req.ID, "owner-1"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
	}
}

func TestVerifyAndUse(t *testing.T) {
	ctx := context.Background()
	a, _, _, _, _ := newTestArbiter(fixedAssessor{})

	req, _ := a.Request(ctx, "vault-1", "user-1", "medical emergency", model.UrgencyCritical)
	issued, _ := a.Approve(ctx, req.ID, "owner-1")

	pass, err := a.Verify(ctx, issued.PassCode, "vault-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if pass == nil {
		t.Fatal("fresh pass must verify")
	}

	if got, _ := a.Verify(ctx, issued.PassCode, "other-vault"); got != nil {
		t.Fatal("pass must be bound to its vault")
	}
	if got, _ := a.Verify(ctx, "no-such-code", "vault-1"); got != nil {
		t.Fatal("unknown code must not verify")
	}

	if err := a.Use(ctx, pass); err != nil {
		t.Fatalf("Use: %v", err)
	}
	if got, _ := a.Verify(ctx, issued.PassCode, "vault-1"); got != nil {
		t.Fatal("used pass must never verify again")
	}
	if err := a.Use(ctx, pass); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("err = %v, want ErrAlreadyProcessed on double use", err)
	}
}

func TestVerifyExpiredPass(t *testing.T) {
	ctx := context.Background()
	a, _, _, _, clock := newTestArbiter(fixedAssessor{})

	req, _ := a.Request(ctx, "vault-1", "user-1", "medical emergency", model.UrgencyCritical)
	issued, _ := a.Approve(ctx, req.ID, "owner-1")

	*clock = clock.Add(24*time.Hour + time.Second)
	if got, _ := a.Verify(ctx, issued.PassCode, "vault-1"); got != nil {
		t.Fatal("expired pass must not verify, regardless of usedAt")
	}
}

func TestExpireGrantsDemotesNominee(t *testing.T) {
	ctx := context.Background()
	a, store, nominees, cache, clock := newTestArbiter(fixedAssessor{})

	nominees.nominees["n1"] = &model.Nominee{
		ID: "n1", VaultID: "vault-1", UserID: "user-1", Status: model.NomineeAccepted,
	}
	req, _ := a.Request(ctx, "vault-1", "user-1", "medical emergency", model.UrgencyCritical)
	issued, _ := a.Approve(ctx, req.ID, "owner-1")

	*clock = clock.Add(25 * time.Hour)
	a.ExpireGrants(ctx)

	if store.passes[issued.ID].IsActive {
		t.Fatal("expired grant must deactivate its pass")
	}
	if nominees.nominees["n1"].Status != model.NomineeInactive {
		t.Fatal("nominee must drop back to inactive when the grant expires")
	}
	if _, ok := cache.passes["vault-1:"+issued.PassCode]; ok {
		t.Fatal("expired pass must leave the cache")
	}
}
