package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/vaultguard/internal/devicetrust"
	"github.com/vaultguard/internal/middleware"
	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/notify"
	"github.com/vaultguard/internal/repository"
)

type fakeDeviceStore struct {
	devices map[string]*model.Device
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: make(map[string]*model.Device)}
}

func (s *fakeDeviceStore) Create(ctx context.Context, d *model.Device) error {
	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

func (s *fakeDeviceStore) Update(ctx context.Context, d *model.Device) error {
	if _, ok := s.devices[d.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

func (s *fakeDeviceStore) GetByID(ctx context.Context, id string) (*model.Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *fakeDeviceStore) GetByOwnerAndIdentifier(ctx context.Context, ownerID, identifier string) (*model.Device, error) {
	for _, d := range s.devices {
		if d.OwnerID == ownerID && d.DeviceIdentifier == identifier {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeDeviceStore) ListByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	var list []model.Device
	for _, d := range s.devices {
		if d.OwnerID == ownerID {
			list = append(list, *d)
		}
	}
	return list, nil
}

func (s *fakeDeviceStore) ClearIrrevocableExcept(ctx context.Context, ownerID, keepID string) error {
	for _, d := range s.devices {
		if d.OwnerID == ownerID && d.ID != keepID {
			d.IsIrrevocable = false
		}
	}
	return nil
}

func testDeviceInfo(id string) model.DeviceInfo {
	return model.DeviceInfo{
		Identifier:    id,
		Name:          "Office iPad",
		Model:         "iPad14,3",
		Type:          "tablet",
		SystemVersion: "17.4",
		Hardware:      "arm64",
	}
}

func deviceRouter(h *DeviceHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Delete("/api/devices/{id}", h.Revoke)
	r.Post("/api/devices/{id}/lost", h.MarkLost)
	r.Post("/api/devices/{id}/recover", h.Recover)
	r.Post("/api/devices/transfer-irrevocable", h.TransferIrrevocable)
	return r
}

// authedRequest имитирует запрос, прошедший DeviceAuth.
func authedRequest(method, target, userID, deviceIdentifier string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), middleware.UserIDKey, userID)
	ctx = context.WithValue(ctx, middleware.DeviceIDKey, deviceIdentifier)
	return req.WithContext(ctx)
}

func TestDeviceRoutesOwnerOnly(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := devicetrust.NewRegistry(store, notify.Noop{}, nil)
	router := deviceRouter(NewDeviceHandler(reg))

	victim, _ := reg.Authorize(ctx, "owner-1", testDeviceInfo("dev-victim"), false)

	cases := []struct {
		name   string
		method string
		target string
		body   []byte
	}{
		{"revoke", http.MethodDelete, "/api/devices/" + victim.ID, nil},
		{"lost", http.MethodPost, "/api/devices/" + victim.ID + "/lost", []byte(`{"stolen":false,"reason":"x"}`)},
		{"recover", http.MethodPost, "/api/devices/" + victim.ID + "/recover", nil},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(tc.method, tc.target, "intruder", "dev-intruder", tc.body))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s by non-owner: status = %d, want 404", tc.name, rec.Code)
		}
	}

	got := store.devices[victim.ID]
	if !got.IsAuthorized || got.IsLost {
		t.Fatal("foreign requests must leave the device untouched")
	}

	// Владелец проходит: заявка об утере с другого своего устройства.
	other, _ := reg.Authorize(ctx, "owner-1", testDeviceInfo("dev-other"), false)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/devices/"+victim.ID+"/lost",
		"owner-1", other.DeviceIdentifier, []byte(`{"stolen":false,"reason":"left in taxi"}`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("lost report by owner: status = %d, want 204, body %s", rec.Code, rec.Body)
	}
	if !store.devices[victim.ID].IsLost {
		t.Fatal("owner's lost report must mark the device lost")
	}
}

func TestTransferIrrevocableForeignSource(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := devicetrust.NewRegistry(store, notify.Noop{}, nil)
	router := deviceRouter(NewDeviceHandler(reg))

	foreign, _ := reg.Authorize(ctx, "owner-1", testDeviceInfo("dev-foreign"), true)
	mine, _ := reg.Authorize(ctx, "owner-2", testDeviceInfo("dev-mine"), false)

	body := []byte(`{"from_id":"` + foreign.ID + `","to_id":"` + mine.ID + `"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/devices/transfer-irrevocable",
		"owner-2", mine.DeviceIdentifier, body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("transfer from foreign device: status = %d, want 404", rec.Code)
	}
	if !store.devices[foreign.ID].IsIrrevocable || store.devices[mine.ID].IsIrrevocable {
		t.Fatal("rejected transfer must not move the irrevocable flag")
	}
}
