package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vaultguard/internal/middleware"
	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/repository"
	"github.com/vaultguard/internal/vaultsession"
)

type VaultHandler struct {
	vaultRepo *repository.VaultRepository
	userRepo  *repository.UserRepository
	sessions  *vaultsession.Manager
}

func NewVaultHandler(vaultRepo *repository.VaultRepository, userRepo *repository.UserRepository, sessions *vaultsession.Manager) *VaultHandler {
	return &VaultHandler{vaultRepo: vaultRepo, userRepo: userRepo, sessions: sessions}
}

type CreateVaultRequest struct {
	Name string `json:"name"`
}

func (h *VaultHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req CreateVaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	v := &model.Vault{
		ID:        uuid.NewString(),
		Name:      req.Name,
		OwnerID:   userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.vaultRepo.Create(r.Context(), v); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create vault")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *VaultHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vaults, err := h.vaultRepo.ListByOwner(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list vaults")
		return
	}
	writeJSON(w, http.StatusOK, vaults)
}

// Open открывает хранилище. Повторное открытие идемпотентно: держатель
// не меняется, второй открывающий получает already_open=true.
func (h *VaultHandler) Open(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vault, ok := h.loadVaultForCollaborator(w, r, userID)
	if !ok {
		return
	}
	userName := userID
	if u, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
		userName = u.FullName
	}
	session, already, err := h.sessions.Open(r.Context(), vault, userID, userName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open vault")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":      session,
		"already_open": already,
	})
}

type ExtendRequest struct {
	Activity string `json:"activity"`
}

func (h *VaultHandler) Extend(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vault, ok := h.loadVaultForCollaborator(w, r, userID)
	if !ok {
		return
	}
	var req ExtendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Activity == "" {
		req.Activity = "activity"
	}
	if err := h.sessions.Extend(r.Context(), vault.ID, req.Activity); err != nil {
		if errors.Is(err, vaultsession.ErrVaultNotOpen) {
			writeError(w, http.StatusConflict, "vault is not open")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to extend session")
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.SessionInfo(vault.ID))
}

func (h *VaultHandler) Lock(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vault, ok := h.loadVaultForCollaborator(w, r, userID)
	if !ok {
		return
	}
	if err := h.sessions.Lock(r.Context(), vault, userID); err != nil {
		switch {
		case errors.Is(err, vaultsession.ErrNotVaultOwner):
			writeError(w, http.StatusForbidden, "only the vault owner may lock the vault")
		case errors.Is(err, vaultsession.ErrVaultNotOpen):
			writeError(w, http.StatusConflict, "vault is not open")
		default:
			writeError(w, http.StatusInternalServerError, "failed to lock vault")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *VaultHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vault, ok := h.loadVaultForCollaborator(w, r, userID)
	if !ok {
		return
	}
	open := h.sessions.IsOpen(r.Context(), vault.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"vault_id": vault.ID,
		"is_open":  open,
		"session":  h.sessions.SessionInfo(vault.ID),
	})
}

func (h *VaultHandler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.ActiveSessions())
}

type AddNomineeRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
}

// AddNominee приглашает доверенное лицо. Только владелец хранилища.
func (h *VaultHandler) AddNominee(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vault, ok := h.loadVault(w, r)
	if !ok {
		return
	}
	if vault.OwnerID != userID {
		writeError(w, http.StatusForbidden, "only the vault owner may add nominees")
		return
	}
	var req AddNomineeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "user_id and name required")
		return
	}
	n := &model.Nominee{
		ID:              uuid.NewString(),
		VaultID:         vault.ID,
		UserID:          req.UserID,
		Name:            req.Name,
		Email:           req.Email,
		Phone:           req.Phone,
		Status:          model.NomineePending,
		InvitedByUserID: userID,
		InvitedAt:       time.Now().UTC(),
	}
	if err := h.vaultRepo.AddNominee(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add nominee")
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *VaultHandler) ListNominees(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	vault, ok := h.loadVaultForCollaborator(w, r, userID)
	if !ok {
		return
	}
	nominees, err := h.vaultRepo.ListNominees(r.Context(), vault.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list nominees")
		return
	}
	writeJSON(w, http.StatusOK, nominees)
}

func (h *VaultHandler) loadVault(w http.ResponseWriter, r *http.Request) (*model.Vault, bool) {
	id := chi.URLParam(r, "id")
	vault, err := h.vaultRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vault not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load vault")
		}
		return nil, false
	}
	return vault, true
}

// loadVaultForCollaborator отдаёт хранилище только владельцу или номинанту.
func (h *VaultHandler) loadVaultForCollaborator(w http.ResponseWriter, r *http.Request, userID string) (*model.Vault, bool) {
	vault, ok := h.loadVault(w, r)
	if !ok {
		return nil, false
	}
	ids, err := h.vaultRepo.CollaboratorIDs(r.Context(), vault.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load vault")
		return nil, false
	}
	for _, id := range ids {
		if id == userID {
			return vault, true
		}
	}
	writeError(w, http.StatusForbidden, "not a vault collaborator")
	return nil, false
}
