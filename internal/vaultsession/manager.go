package vaultsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vaultguard/internal/logger"
	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/notify"
)

var (
	// ErrNotVaultOwner — вручную закрыть хранилище может только владелец.
	ErrNotVaultOwner = errors.New("only the vault owner may lock the vault")
	// ErrVaultNotOpen — продление применимо только к открытому хранилищу.
	ErrVaultNotOpen = errors.New("vault is not open")
)

// SessionStore — зеркало активных сессий в БД: открытые хранилища переживают
// перезапуск сервиса. Реализуется repository.VaultSessionRepository.
type SessionStore interface {
	Upsert(ctx context.Context, s *model.VaultSession) error
	Delete(ctx context.Context, vaultID string) error
	ListAll(ctx context.Context) ([]model.VaultSession, error)
}

// Manager держит по одной активной сессии на хранилище: Closed ↔ Open(holder, expiresAt).
// Карта в памяти — единственный авторитет на работающем процессе; один мьютекс
// сериализует вызовы переднего плана и фоновую уборку, иначе open и sweep
// теряют обновления друг друга.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*model.VaultSession
	store     SessionStore
	notifier  notify.Notifier
	openTTL   time.Duration
	extendTTL time.Duration
	now       func() time.Time
}

func NewManager(store SessionStore, notifier notify.Notifier, openTTL, extendTTL time.Duration) *Manager {
	return &Manager{
		sessions:  make(map[string]*model.VaultSession),
		store:     store,
		notifier:  notifier,
		openTTL:   openTTL,
		extendTTL: extendTTL,
		now:       time.Now,
	}
}

// Restore загружает активные сессии из БД при старте. Уже истёкшие к моменту
// старта закрываются сразу, без уведомления: перезапуск не повод будить людей.
func (m *Manager) Restore(ctx context.Context) error {
	defer logger.DeferLogDuration("vaultsession.Restore", time.Now())()
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("vaultsession.Restore: %w", err)
	}
	now := m.now()
	restored := 0
	for i := range list {
		s := list[i]
		if s.IsExpired(now) {
			if err := m.store.Delete(ctx, s.VaultID); err != nil {
				logger.Errorf("drop expired session %s: %v", s.VaultID, err)
			}
			continue
		}
		m.sessions[s.VaultID] = &s
		restored++
	}
	logger.Infof("restored %d active vault sessions", restored)
	return nil
}

// Open открывает хранилище. Идемпотентно: если хранилище уже открыто и не
// истекло, держатель не меняется — второго открывающего лишь уведомляют.
// Возвращает снимок сессии и признак "уже было открыто".
func (m *Manager) Open(ctx context.Context, vault *model.Vault, userID, userName string) (*model.VaultSession, bool, error) {
	defer logger.DeferLogDuration("vaultsession.Open", time.Now())()
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.sessions[vault.ID]; ok && !existing.IsExpired(now) {
		m.notifier.Notify(ctx, vault.ID, notify.KindAlreadyOpen,
			fmt.Sprintf("%s is already open by %s", vault.Name, existing.UnlockedByName))
		snap := *existing
		return &snap, true, nil
	}

	s := &model.VaultSession{
		ID:             uuid.NewString(),
		VaultID:        vault.ID,
		VaultName:      vault.Name,
		UnlockedBy:     userID,
		UnlockedByName: userName,
		UnlockedAt:     now,
		ExpiresAt:      now.Add(m.openTTL),
		LastActivity:   "opened",
		LastActivityAt: now,
	}
	if err := m.store.Upsert(ctx, s); err != nil {
		return nil, false, fmt.Errorf("vaultsession.Open: %w", err)
	}
	m.sessions[vault.ID] = s

	m.notifier.Notify(ctx, vault.ID, notify.KindOpened,
		fmt.Sprintf("%s opened %s", userName, vault.Name))
	logger.Infof("vault %s opened by %s until %s", vault.ID, userID, s.ExpiresAt.Format(time.RFC3339))
	snap := *s
	return &snap, false, nil
}

// Extend продлевает открытую сессию: expiresAt = now + 15m (окно продления
// короче первоначального гранта) и фиксирует последнюю активность.
func (m *Manager) Extend(ctx context.Context, vaultID, activity string) error {
	defer logger.DeferLogDuration("vaultsession.Extend", time.Now())()
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s, ok := m.sessions[vaultID]
	if !ok || s.IsExpired(now) {
		return ErrVaultNotOpen
	}
	s.ExpiresAt = now.Add(m.extendTTL)
	s.LastActivity = activity
	s.LastActivityAt = now
	if err := m.store.Upsert(ctx, s); err != nil {
		return fmt.Errorf("vaultsession.Extend: %w", err)
	}
	return nil
}

// Lock закрывает хранилище вручную. Только владелец: участники закрыть чужую
// сессию не могут, для них хранилище закроется по TTL.
func (m *Manager) Lock(ctx context.Context, vault *model.Vault, userID string) error {
	defer logger.DeferLogDuration("vaultsession.Lock", time.Now())()
	if userID != vault.OwnerID {
		return ErrNotVaultOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[vault.ID]
	if !ok {
		return ErrVaultNotOpen
	}
	duration := s.Duration(m.now())
	if err := m.closeLocked(ctx, vault.ID); err != nil {
		return fmt.Errorf("vaultsession.Lock: %w", err)
	}
	m.notifier.Notify(ctx, vault.ID, notify.KindLocked,
		fmt.Sprintf("%s locked after %s", vault.Name, duration.Round(time.Second)))
	logger.Infof("vault %s locked by owner after %s", vault.ID, duration.Round(time.Second))
	return nil
}

// IsOpen — ленивый TTL: истёкшая сессия закрывается прямо на чтении,
// с уведомлением об автоблокировке.
func (m *Manager) IsOpen(ctx context.Context, vaultID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[vaultID]
	if !ok {
		return false
	}
	if s.IsExpired(m.now()) {
		m.autoLock(ctx, s)
		return false
	}
	return true
}

// SessionInfo — снимок активной сессии или nil, если хранилище закрыто.
func (m *Manager) SessionInfo(vaultID string) *model.VaultSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[vaultID]
	if !ok || s.IsExpired(m.now()) {
		return nil
	}
	snap := *s
	return &snap
}

// ActiveSessions — снимки всех живых сессий (для API и диагностики).
func (m *Manager) ActiveSessions() []model.VaultSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var list []model.VaultSession
	for _, s := range m.sessions {
		if !s.IsExpired(now) {
			list = append(list, *s)
		}
	}
	return list
}

// StartSweep запускает фоновую уборку: каждый интервал закрывает истёкшие
// сессии, даже если хранилище никто не читает. Останавливается отменой ctx.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Sweep закрывает все истёкшие сессии. Вынесен отдельно от StartSweep,
// чтобы тесты дергали уборку синхронно.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, s := range m.sessions {
		if s.IsExpired(now) {
			m.autoLock(ctx, s)
		}
	}
}

// autoLock закрывает истёкшую сессию. Вызывается под мьютексом.
func (m *Manager) autoLock(ctx context.Context, s *model.VaultSession) {
	if err := m.closeLocked(ctx, s.VaultID); err != nil {
		logger.Errorf("auto-lock vault %s: %v", s.VaultID, err)
		return
	}
	m.notifier.Notify(ctx, s.VaultID, notify.KindAutoLocked,
		fmt.Sprintf("%s auto-locked after inactivity", s.VaultName))
	logger.Infof("vault %s auto-locked (expired %s)", s.VaultID, s.ExpiresAt.Format(time.RFC3339))
}

func (m *Manager) closeLocked(ctx context.Context, vaultID string) error {
	if err := m.store.Delete(ctx, vaultID); err != nil {
		return err
	}
	delete(m.sessions, vaultID)
	return nil
}
