package devicetrust

import (
	"context"
	"errors"
	"testing"

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

type recordingNotifier struct {
	kinds []string
}

func (n *recordingNotifier) Notify(ctx context.Context, vaultID, kind, message string) {
	n.kinds = append(n.kinds, kind)
}

func deviceInfo(id string) model.DeviceInfo {
	return model.DeviceInfo{
		Identifier:    id,
		Name:          "Office iPad",
		Model:         "iPad14,3",
		Type:          "tablet",
		SystemVersion: "17.4",
		Hardware:      "arm64",
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	info := deviceInfo("dev-1")
	if Fingerprint(info) != Fingerprint(info) {
		t.Fatal("same attributes must produce the same fingerprint")
	}
	changed := info
	changed.SystemVersion = "17.5"
	if Fingerprint(info) == Fingerprint(changed) {
		t.Fatal("changed attribute must change the fingerprint")
	}
}

func TestAuthorizeCreatesAndRefreshes(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	d, err := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), false)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.IsAuthorized || !d.IsWhitelisted {
		t.Fatal("new device must be authorized and whitelisted")
	}
	if d.AccessAttemptCount != 1 {
		t.Fatalf("AccessAttemptCount = %d, want 1", d.AccessAttemptCount)
	}

	again, err := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), false)
	if err != nil {
		t.Fatalf("Authorize (existing): %v", err)
	}
	if again.ID != d.ID {
		t.Fatal("re-authorize must refresh the existing device, not create a second one")
	}
	if again.AccessAttemptCount != 2 {
		t.Fatalf("AccessAttemptCount = %d, want 2", again.AccessAttemptCount)
	}
}

func TestIrrevocableUniquePerOwner(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	first, err := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), true)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if _, err := reg.Authorize(ctx, "owner-1", deviceInfo("dev-2"), true); !errors.Is(err, ErrIrrevocableDeviceExists) {
		t.Fatalf("err = %v, want ErrIrrevocableDeviceExists", err)
	}
	if len(store.devices) != 1 {
		t.Fatal("failed authorize must not create a device")
	}

	// Перенос флага на существующее устройство снимает его с остальных.
	second, err := reg.Authorize(ctx, "owner-1", deviceInfo("dev-2"), false)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if _, err := reg.Authorize(ctx, "owner-1", deviceInfo("dev-2"), true); err != nil {
		t.Fatalf("re-grant on existing device: %v", err)
	}

	count := 0
	for _, d := range store.devices {
		if d.IsIrrevocable {
			count++
			if d.ID != second.ID {
				t.Fatal("irrevocable flag must rest on the re-granted device")
			}
		}
	}
	if count != 1 {
		t.Fatalf("irrevocable devices = %d, want exactly 1", count)
	}
	if store.devices[first.ID].IsIrrevocable {
		t.Fatal("previous holder must lose the flag")
	}
}

func TestCheckAuthorizationLostDevice(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	notifier := &recordingNotifier{}
	reg := NewRegistry(store, notifier, nil)

	other, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-other"), false)
	d, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), false)
	if err := reg.MarkLost(ctx, d.ID, false, "left in taxi", other.DeviceIdentifier); err != nil {
		t.Fatalf("MarkLost: %v", err)
	}

	for i := 1; i <= 3; i++ {
		ok, err := reg.CheckAuthorization(ctx, "owner-1", deviceInfo("dev-1"))
		if err != nil {
			t.Fatalf("CheckAuthorization: %v", err)
		}
		if ok {
			t.Fatal("lost device must always be denied")
		}
		got := store.devices[d.ID]
		if got.LostDeviceAccessAttempts != i {
			t.Fatalf("LostDeviceAccessAttempts = %d, want %d", got.LostDeviceAccessAttempts, i)
		}
		if got.FailedAttemptCount != i {
			t.Fatalf("FailedAttemptCount = %d, want %d", got.FailedAttemptCount, i)
		}
	}
	if len(notifier.kinds) == 0 || notifier.kinds[0] != notify.KindSecurityAlert {
		t.Fatalf("kinds = %v, want security alerts", notifier.kinds)
	}
}

func TestCheckAuthorizationFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	d, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), false)

	tampered := deviceInfo("dev-1")
	tampered.Hardware = "x86_64"
	ok, err := reg.CheckAuthorization(ctx, "owner-1", tampered)
	if err != nil {
		t.Fatalf("CheckAuthorization: %v", err)
	}
	if ok {
		t.Fatal("changed fingerprint must deny even an authorized device")
	}
	if store.devices[d.ID].FailedAttemptCount != 1 {
		t.Fatalf("FailedAttemptCount = %d, want 1", store.devices[d.ID].FailedAttemptCount)
	}

	ok, err = reg.CheckAuthorization(ctx, "owner-1", deviceInfo("dev-1"))
	if err != nil || !ok {
		t.Fatalf("intact fingerprint must pass, ok=%v err=%v", ok, err)
	}
}

func TestRevokeIrrevocableUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	d, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), true)
	before := *store.devices[d.ID]

	if err := reg.Revoke(ctx, d.ID); !errors.Is(err, ErrCannotRemoveIrrevocableDevice) {
		t.Fatalf("err = %v, want ErrCannotRemoveIrrevocableDevice", err)
	}
	after := *store.devices[d.ID]
	if before != after {
		t.Fatal("failed revoke must leave the device unchanged")
	}
}

func TestTrackAttemptAutoRevoke(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	d, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), false)
	for i := 0; i < maxFailedAttempts; i++ {
		if err := reg.TrackAttempt(ctx, d.ID, false); err != nil {
			t.Fatalf("TrackAttempt: %v", err)
		}
	}
	if store.devices[d.ID].IsAuthorized {
		t.Fatalf("device must be auto-revoked after %d failures", maxFailedAttempts)
	}

	irr, _ := reg.Authorize(ctx, "owner-2", deviceInfo("dev-irr"), true)
	for i := 0; i < maxFailedAttempts+2; i++ {
		if err := reg.TrackAttempt(ctx, irr.ID, false); err != nil {
			t.Fatalf("TrackAttempt: %v", err)
		}
	}
	if !store.devices[irr.ID].IsAuthorized {
		t.Fatal("irrevocable device must never be auto-revoked")
	}
}

func TestTrackAttemptSuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	d, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), false)
	for i := 0; i < maxFailedAttempts-1; i++ {
		reg.TrackAttempt(ctx, d.ID, false)
	}
	reg.TrackAttempt(ctx, d.ID, true)
	if store.devices[d.ID].FailedAttemptCount != 0 {
		t.Fatal("successful attempt must reset the failure streak")
	}
	if !store.devices[d.ID].IsAuthorized {
		t.Fatal("device must stay authorized below the failure threshold")
	}
}

func TestMarkLostCurrentDeviceRejected(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	d, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), false)
	err := reg.MarkLost(ctx, d.ID, false, "lost", d.DeviceIdentifier)
	if !errors.Is(err, ErrCannotMarkCurrentDeviceAsLost) {
		t.Fatalf("err = %v, want ErrCannotMarkCurrentDeviceAsLost", err)
	}
	if store.devices[d.ID].IsLost {
		t.Fatal("rejected report must not mark the device lost")
	}
}

func TestRecoverRequiresLost(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	d, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), false)
	if err := reg.Recover(ctx, d.ID); !errors.Is(err, ErrDeviceNotLost) {
		t.Fatalf("err = %v, want ErrDeviceNotLost", err)
	}

	other, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-2"), false)
	if err := reg.MarkLost(ctx, d.ID, true, "stolen from car", other.DeviceIdentifier); err != nil {
		t.Fatalf("MarkLost: %v", err)
	}
	if err := reg.Recover(ctx, d.ID); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got := store.devices[d.ID]
	if got.IsLost || got.IsStolen || got.ReportedLostAt != nil || !got.IsAuthorized {
		t.Fatal("recover must clear loss flags and restore authorization")
	}
}

func TestTransferIrrevocable(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	from, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), true)
	to, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-2"), false)

	if err := reg.TransferIrrevocable(ctx, from.ID, to.ID); err != nil {
		t.Fatalf("TransferIrrevocable: %v", err)
	}
	if store.devices[from.ID].IsIrrevocable {
		t.Fatal("source must lose the flag")
	}
	if !store.devices[to.ID].IsIrrevocable {
		t.Fatal("target must gain the flag")
	}

	count := 0
	for _, d := range store.devices {
		if d.IsIrrevocable {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("irrevocable devices = %d, want exactly 1", count)
	}
}

func TestTransferIrrevocableRequiresHolder(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	holder, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-a"), true)
	from, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-b"), false)
	to, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-c"), false)

	if err := reg.TransferIrrevocable(ctx, from.ID, to.ID); !errors.Is(err, ErrDeviceNotIrrevocable) {
		t.Fatalf("err = %v, want ErrDeviceNotIrrevocable", err)
	}

	count := 0
	for _, d := range store.devices {
		if d.IsIrrevocable {
			count++
			if d.ID != holder.ID {
				t.Fatal("flag must stay on the original holder")
			}
		}
	}
	if count != 1 {
		t.Fatalf("irrevocable devices = %d, want exactly 1", count)
	}
}

func TestTransferIrrevocableCrossOwnerRejected(t *testing.T) {
	ctx := context.Background()
	store := newFakeDeviceStore()
	reg := NewRegistry(store, notify.Noop{}, nil)

	from, _ := reg.Authorize(ctx, "owner-1", deviceInfo("dev-1"), true)
	foreign, _ := reg.Authorize(ctx, "owner-2", deviceInfo("dev-2"), false)

	if err := reg.TransferIrrevocable(ctx, from.ID, foreign.ID); !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("err = %v, want ErrOwnerMismatch", err)
	}
	if !store.devices[from.ID].IsIrrevocable {
		t.Fatal("rejected transfer must leave the source flag intact")
	}
	if store.devices[foreign.ID].IsIrrevocable {
		t.Fatal("rejected transfer must not grant the flag to another owner")
	}
}
