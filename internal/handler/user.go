package handler

import (
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/vaultguard/internal/middleware"
	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/repository"
)

// phoneRe — международный формат: + и 8–15 цифр (E.164).
var phoneRe = regexp.MustCompile(`^\+\d{8,15}$`)

type UserHandler struct {
	userRepo *repository.UserRepository
}

func NewUserHandler(userRepo *repository.UserRepository) *UserHandler {
	return &UserHandler{userRepo: userRepo}
}

type CreateUserRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FullName == "" {
		writeError(w, http.StatusBadRequest, "full_name required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if req.Phone != "" && !phoneRe.MatchString(req.Phone) {
		writeError(w, http.StatusBadRequest, "invalid phone")
		return
	}
	if _, err := h.userRepo.GetByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	u := &model.User{
		ID:        uuid.NewString(),
		FullName:  req.FullName,
		Email:     req.Email,
		Phone:     req.Phone,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.userRepo.Create(r.Context(), u); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, u.ToPublic())
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	user, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user.ToPublic())
}

// Disable блокирует учётную запись (самостоятельно, при компрометации).
func (h *UserHandler) Disable(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if err := h.userRepo.SetDisabled(r.Context(), userID, true); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to disable user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
