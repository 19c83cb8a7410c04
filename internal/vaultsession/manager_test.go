package vaultsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vaultguard/internal/model"
)

type fakeSessionStore struct {
	rows map[string]model.VaultSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[string]model.VaultSession)}
}

func (s *fakeSessionStore) Upsert(ctx context.Context, v *model.VaultSession) error {
	s.rows[v.VaultID] = *v
	return nil
}

func (s *fakeSessionStore) Delete(ctx context.Context, vaultID string) error {
	delete(s.rows, vaultID)
	return nil
}

func (s *fakeSessionStore) ListAll(ctx context.Context) ([]model.VaultSession, error) {
	var list []model.VaultSession
	for _, v := range s.rows {
		list = append(list, v)
	}
	return list, nil
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(ctx context.Context, vaultID, kind, message string) {
	n.events = append(n.events, kind)
}

func (n *recordingNotifier) last() string {
	if len(n.events) == 0 {
		return ""
	}
	return n.events[len(n.events)-1]
}

// testClock — управляемые часы для проверки TTL без реального ожидания.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager() (*Manager, *fakeSessionStore, *recordingNotifier, *testClock) {
	store := newFakeSessionStore()
	notifier := &recordingNotifier{}
	clock := &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	m := NewManager(store, notifier, 30*time.Minute, 15*time.Minute)
	m.now = clock.now
	return m, store, notifier, clock
}

func testVault() *model.Vault {
	return &model.Vault{ID: "vault-1", Name: "Family Documents", OwnerID: "owner-1"}
}

func TestOpenIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, notifier, clock := newTestManager()
	vault := testVault()

	first, already, err := m.Open(ctx, vault, "owner-1", "Anna")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if already {
		t.Fatal("first open must not report already-open")
	}
	if notifier.last() != "opened" {
		t.Fatalf("last event = %q, want opened", notifier.last())
	}

	clock.advance(5 * time.Minute)
	second, already, err := m.Open(ctx, vault, "other-user", "Boris")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !already {
		t.Fatal("second open must report already-open")
	}
	if second.UnlockedBy != first.UnlockedBy || !second.UnlockedAt.Equal(first.UnlockedAt) {
		t.Fatal("second open must not reassign holder or reset unlockedAt")
	}
	if notifier.last() != "already_open" {
		t.Fatalf("last event = %q, want already_open", notifier.last())
	}
}

func TestOpenSetsInitialTTL(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager()

	s, _, err := m.Open(ctx, testVault(), "owner-1", "Anna")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := clock.now().Add(30 * time.Minute)
	if !s.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %s, want %s", s.ExpiresAt, want)
	}
}

func TestExtendResetsWindow(t *testing.T) {
	ctx := context.Background()
	m, _, _, clock := newTestManager()
	vault := testVault()

	m.Open(ctx, vault, "owner-1", "Anna")
	opened := m.SessionInfo(vault.ID).ExpiresAt

	// Окно продления абсолютное: now + 15m, даже если это раньше конца
	// первоначального 30-минутного гранта.
	clock.advance(time.Minute)
	if err := m.Extend(ctx, vault.ID, "viewed document"); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	prev := m.SessionInfo(vault.ID).ExpiresAt
	if want := clock.now().Add(15 * time.Minute); !prev.Equal(want) {
		t.Fatalf("ExpiresAt = %s, want %s", prev, want)
	}
	if !prev.Before(opened) {
		t.Fatal("early extend must shorten the fresh open grant to now+15m")
	}

	// Относительно предыдущего продления срок только растёт,
	// пока активность чаще, чем окно в 15 минут.
	for i := 0; i < 3; i++ {
		clock.advance(10 * time.Minute)
		if err := m.Extend(ctx, vault.ID, "viewed document"); err != nil {
			t.Fatalf("Extend: %v", err)
		}
		cur := m.SessionInfo(vault.ID).ExpiresAt
		want := clock.now().Add(15 * time.Minute)
		if !cur.Equal(want) {
			t.Fatalf("ExpiresAt = %s, want %s", cur, want)
		}
		if !cur.After(prev) {
			t.Fatal("extend under active use must move expiry forward of the previous extend")
		}
		prev = cur
	}

	info := m.SessionInfo(vault.ID)
	if info.LastActivity != "viewed document" {
		t.Fatalf("LastActivity = %q, want recorded activity", info.LastActivity)
	}
	if !info.LastActivityAt.Equal(clock.now()) {
		t.Fatalf("LastActivityAt = %s, want %s", info.LastActivityAt, clock.now())
	}
}

func TestExtendClosedVault(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager()

	if err := m.Extend(ctx, "vault-1", "anything"); !errors.Is(err, ErrVaultNotOpen) {
		t.Fatalf("err = %v, want ErrVaultNotOpen", err)
	}
}

func TestLockOwnerOnly(t *testing.T) {
	ctx := context.Background()
	m, store, notifier, _ := newTestManager()
	vault := testVault()

	m.Open(ctx, vault, "member-1", "Boris")

	if err := m.Lock(ctx, vault, "member-1"); !errors.Is(err, ErrNotVaultOwner) {
		t.Fatalf("err = %v, want ErrNotVaultOwner", err)
	}
	if !m.IsOpen(ctx, vault.ID) {
		t.Fatal("failed lock must leave the vault open")
	}

	if err := m.Lock(ctx, vault, "owner-1"); err != nil {
		t.Fatalf("Lock by owner: %v", err)
	}
	if m.IsOpen(ctx, vault.ID) {
		t.Fatal("vault must be closed after owner lock")
	}
	if _, ok := store.rows[vault.ID]; ok {
		t.Fatal("locked session must be removed from the store")
	}
	if notifier.last() != "locked" {
		t.Fatalf("last event = %q, want locked", notifier.last())
	}
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	m, store, notifier, clock := newTestManager()
	vault := testVault()

	m.Open(ctx, vault, "owner-1", "Anna")
	clock.advance(30*time.Minute + time.Second)

	if m.IsOpen(ctx, vault.ID) {
		t.Fatal("expired session must read as closed")
	}
	if notifier.last() != "auto_locked" {
		t.Fatalf("last event = %q, want auto_locked", notifier.last())
	}
	if _, ok := store.rows[vault.ID]; ok {
		t.Fatal("expired session must be removed from the store")
	}

	// После истечения новое открытие назначает нового держателя.
	s, already, err := m.Open(ctx, vault, "member-1", "Boris")
	if err != nil {
		t.Fatalf("Open after expiry: %v", err)
	}
	if already {
		t.Fatal("open after expiry must establish a fresh session")
	}
	if s.UnlockedBy != "member-1" {
		t.Fatalf("UnlockedBy = %q, want member-1", s.UnlockedBy)
	}
}

func TestSweepClosesExpired(t *testing.T) {
	ctx := context.Background()
	m, store, notifier, clock := newTestManager()

	m.Open(ctx, testVault(), "owner-1", "Anna")
	m.Open(ctx, &model.Vault{ID: "vault-2", Name: "Work", OwnerID: "owner-2"}, "owner-2", "Boris")

	clock.advance(20 * time.Minute)
	m.Extend(ctx, "vault-2", "reading") // vault-2 живёт до +35m

	clock.advance(11 * time.Minute) // vault-1 истёк (30m), vault-2 ещё нет
	m.Sweep(ctx)

	if _, ok := store.rows["vault-1"]; ok {
		t.Fatal("sweep must close the expired session")
	}
	if _, ok := store.rows["vault-2"]; !ok {
		t.Fatal("sweep must keep the live session")
	}
	if notifier.last() != "auto_locked" {
		t.Fatalf("last event = %q, want auto_locked", notifier.last())
	}
	if len(m.ActiveSessions()) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(m.ActiveSessions()))
	}
}

func TestSessionInfoSnapshot(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager()
	vault := testVault()

	if m.SessionInfo(vault.ID) != nil {
		t.Fatal("closed vault must report nil session")
	}
	m.Open(ctx, vault, "owner-1", "Anna")

	info := m.SessionInfo(vault.ID)
	if info == nil || info.VaultID != vault.ID {
		t.Fatal("open vault must report its session")
	}
	info.UnlockedBy = "mutated"
	if m.SessionInfo(vault.ID).UnlockedBy != "owner-1" {
		t.Fatal("SessionInfo must return a copy, not internal state")
	}
}

func TestRestoreRecoversLiveSessions(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	clock := &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	store.rows["vault-live"] = model.VaultSession{
		ID: "s1", VaultID: "vault-live", VaultName: "Live",
		UnlockedBy: "owner-1", UnlockedAt: clock.t.Add(-5 * time.Minute),
		ExpiresAt: clock.t.Add(10 * time.Minute),
	}
	store.rows["vault-stale"] = model.VaultSession{
		ID: "s2", VaultID: "vault-stale", VaultName: "Stale",
		UnlockedBy: "owner-2", UnlockedAt: clock.t.Add(-2 * time.Hour),
		ExpiresAt: clock.t.Add(-time.Hour),
	}

	m := NewManager(store, &recordingNotifier{}, 30*time.Minute, 15*time.Minute)
	m.now = clock.now
	if err := m.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if !m.IsOpen(ctx, "vault-live") {
		t.Fatal("live session must survive restart")
	}
	if m.IsOpen(ctx, "vault-stale") {
		t.Fatal("stale session must be dropped on restart")
	}
	if _, ok := store.rows["vault-stale"]; ok {
		t.Fatal("stale session row must be deleted")
	}
}
