package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vaultguard/internal/emergency"
	"github.com/vaultguard/internal/middleware"
	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/repository"
	"github.com/vaultguard/internal/vaultsession"
)

type EmergencyHandler struct {
	arbiter   *emergency.Arbiter
	store     emergency.EmergencyStore
	vaultRepo *repository.VaultRepository
	userRepo  *repository.UserRepository
	sessions  *vaultsession.Manager
}

func NewEmergencyHandler(arbiter *emergency.Arbiter, store emergency.EmergencyStore, vaultRepo *repository.VaultRepository, userRepo *repository.UserRepository, sessions *vaultsession.Manager) *EmergencyHandler {
	return &EmergencyHandler{arbiter: arbiter, store: store, vaultRepo: vaultRepo, userRepo: userRepo, sessions: sessions}
}

type EmergencyRequestBody struct {
	Reason  string `json:"reason"`
	Urgency string `json:"urgency"`
}

var validUrgencies = map[string]bool{
	model.UrgencyLow:      true,
	model.UrgencyMedium:   true,
	model.UrgencyHigh:     true,
	model.UrgencyCritical: true,
}

// Request создаёт запрос экстренного доступа к хранилищу.
func (h *EmergencyHandler) Request(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vaultID := chi.URLParam(r, "id")
	var body EmergencyRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	if !validUrgencies[body.Urgency] {
		writeError(w, http.StatusBadRequest, "urgency must be low, medium, high or critical")
		return
	}
	if _, err := h.vaultRepo.GetByID(r.Context(), vaultID); err != nil {
		writeError(w, http.StatusNotFound, "vault not found")
		return
	}
	req, err := h.arbiter.Request(r.Context(), vaultID, userID, body.Reason, body.Urgency)
	if err != nil {
		if errors.Is(err, emergency.ErrRateLimitExceeded) {
			writeError(w, http.StatusTooManyRequests, "too many emergency requests")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create emergency request")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// Pending — очередь ожидающих запросов для экрана одобрения владельца.
func (h *EmergencyHandler) Pending(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	pending, err := h.store.ListRequestsByStatus(r.Context(), model.EmergencyPending)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	// Владелец видит только запросы к своим хранилищам.
	var visible []model.EmergencyAccessRequest
	for _, req := range pending {
		ownerID, err := h.vaultRepo.OwnerID(r.Context(), req.VaultID)
		if err != nil {
			continue
		}
		if ownerID == userID {
			visible = append(visible, req)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

// Recommendation — рекомендация арбитра по запросу. Решение остаётся за владельцем.
func (h *EmergencyHandler) Recommendation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.requireVaultOwner(w, r, id) {
		return
	}
	rec, err := h.arbiter.Recommend(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to compute recommendation")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *EmergencyHandler) Approve(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")
	if !h.requireVaultOwner(w, r, id) {
		return
	}
	pass, err := h.arbiter.Approve(r.Context(), id, userID)
	if err != nil {
		switch {
		case errors.Is(err, emergency.ErrAlreadyProcessed):
			writeError(w, http.StatusConflict, "request already processed")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "request not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to approve request")
		}
		return
	}
	// Код пропуска возвращается один раз, только одобрившему.
	writeJSON(w, http.StatusOK, map[string]any{
		"pass":      pass,
		"pass_code": pass.PassCode,
	})
}

func (h *EmergencyHandler) Deny(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")
	if !h.requireVaultOwner(w, r, id) {
		return
	}
	if err := h.arbiter.Deny(r.Context(), id, userID); err != nil {
		switch {
		case errors.Is(err, emergency.ErrAlreadyProcessed):
			writeError(w, http.StatusConflict, "request already processed")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "request not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to deny request")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type RedeemRequest struct {
	PassCode string `json:"pass_code"`
}

// Redeem гасит одноразовый пропуск и открывает хранилище для запросившего.
func (h *EmergencyHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vaultID := chi.URLParam(r, "id")
	var body RedeemRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.PassCode == "" {
		writeError(w, http.StatusBadRequest, "pass_code required")
		return
	}
	pass, err := h.arbiter.Verify(r.Context(), body.PassCode, vaultID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to verify pass")
		return
	}
	if pass == nil || pass.RequesterID != userID {
		writeError(w, http.StatusForbidden, "invalid or expired pass")
		return
	}
	vault, err := h.vaultRepo.GetByID(r.Context(), vaultID)
	if err != nil {
		writeError(w, http.StatusNotFound, "vault not found")
		return
	}
	if err := h.arbiter.Use(r.Context(), pass); err != nil {
		if errors.Is(err, emergency.ErrAlreadyProcessed) {
			writeError(w, http.StatusForbidden, "pass already used")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to consume pass")
		return
	}
	userName := userID
	if u, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
		userName = u.FullName
	}
	session, already, err := h.sessions.Open(r.Context(), vault, userID, userName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pass consumed but vault open failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":      session,
		"already_open": already,
	})
}

// requireVaultOwner проверяет, что текущий пользователь владеет хранилищем запроса.
func (h *EmergencyHandler) requireVaultOwner(w http.ResponseWriter, r *http.Request, requestID string) bool {
	userID := middleware.GetUserID(r.Context())
	req, err := h.store.GetRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load request")
		}
		return false
	}
	ownerID, err := h.vaultRepo.OwnerID(r.Context(), req.VaultID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load vault")
		return false
	}
	if ownerID != userID {
		writeError(w, http.StatusForbidden, "only the vault owner may review requests")
		return false
	}
	return true
}
