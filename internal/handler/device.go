package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vaultguard/internal/devicetrust"
	"github.com/vaultguard/internal/middleware"
	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/repository"
)

type DeviceHandler struct {
	registry *devicetrust.Registry
}

func NewDeviceHandler(registry *devicetrust.Registry) *DeviceHandler {
	return &DeviceHandler{registry: registry}
}

// AuthorizeRequest — регистрация или обновление доверия устройства.
type AuthorizeRequest struct {
	Device      model.DeviceInfo `json:"device"`
	Irrevocable bool             `json:"irrevocable"`
}

// Authorize вызывается до DeviceAuth: новое устройство ещё не в реестре.
// Личность берётся из заголовка X-User-Id, который в prod проставляет шлюз.
func (h *DeviceHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req AuthorizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Device.Identifier == "" {
		writeError(w, http.StatusBadRequest, "device identifier required")
		return
	}
	device, err := h.registry.Authorize(r.Context(), userID, req.Device, req.Irrevocable)
	if err != nil {
		if errors.Is(err, devicetrust.ErrIrrevocableDeviceExists) {
			writeError(w, http.StatusConflict, "irrevocable device already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to authorize device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	devices, err := h.registry.ListDevices(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.loadOwnedDevice(w, r, id); !ok {
		return
	}
	if err := h.registry.Revoke(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, devicetrust.ErrCannotRemoveIrrevocableDevice):
			writeError(w, http.StatusConflict, "cannot remove irrevocable device")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "device not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to revoke device")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkLostRequest — отчёт об утере. Подаётся с другого доверенного устройства.
type MarkLostRequest struct {
	Stolen bool   `json:"stolen"`
	Reason string `json:"reason"`
}

func (h *DeviceHandler) MarkLost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.loadOwnedDevice(w, r, id); !ok {
		return
	}
	var req MarkLostRequest
	if !decodeBody(w, r, &req) {
		return
	}
	currentDevice := middleware.GetDeviceID(r.Context())
	if err := h.registry.MarkLost(r.Context(), id, req.Stolen, req.Reason, currentDevice); err != nil {
		switch {
		case errors.Is(err, devicetrust.ErrCannotMarkCurrentDeviceAsLost):
			writeError(w, http.StatusConflict, "cannot mark current device as lost")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "device not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to mark device lost")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHandler) Recover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.loadOwnedDevice(w, r, id); !ok {
		return
	}
	if err := h.registry.Recover(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, devicetrust.ErrDeviceNotLost):
			writeError(w, http.StatusConflict, "device is not lost or stolen")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "device not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to recover device")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttemptRequest — отчёт устройства об исходе попытки разблокировки.
type AttemptRequest struct {
	Success bool `json:"success"`
}

// TrackAttempt принимает отчёт о попытке доступа с текущего устройства.
// Серия неудач снимает авторизацию, поэтому id берётся из контекста,
// а не из URL: устройство отчитывается только за себя.
func (h *DeviceHandler) TrackAttempt(w http.ResponseWriter, r *http.Request) {
	var req AttemptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	deviceID := middleware.GetDeviceID(r.Context())
	if err := h.registry.TrackAttempt(r.Context(), deviceID, req.Success); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to track attempt")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TransferRequest — перенос флага неотзываемости между устройствами владельца.
type TransferRequest struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

func (h *DeviceHandler) TransferIrrevocable(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FromID == "" || req.ToID == "" {
		writeError(w, http.StatusBadRequest, "from_id and to_id required")
		return
	}
	if _, ok := h.loadOwnedDevice(w, r, req.FromID); !ok {
		return
	}
	if _, ok := h.loadOwnedDevice(w, r, req.ToID); !ok {
		return
	}
	if err := h.registry.TransferIrrevocable(r.Context(), req.FromID, req.ToID); err != nil {
		switch {
		case errors.Is(err, devicetrust.ErrDeviceNotIrrevocable):
			writeError(w, http.StatusConflict, "source device is not irrevocable")
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "device not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to transfer irrevocable flag")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadOwnedDevice отдаёт устройство только его владельцу. Чужой id получает
// 404, как и несуществующий: существование чужих устройств не раскрывается.
func (h *DeviceHandler) loadOwnedDevice(w http.ResponseWriter, r *http.Request, id string) (*model.Device, bool) {
	d, err := h.registry.Device(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load device")
		}
		return nil, false
	}
	if d.OwnerID != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return d, true
}
