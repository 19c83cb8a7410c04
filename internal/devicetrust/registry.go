package devicetrust

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
	"github.com/vaultguard/internal/repository"
)

var (
	// ErrIrrevocableDeviceExists — у владельца уже есть другое неотзываемое устройство.
	ErrIrrevocableDeviceExists = errors.New("irrevocable device already exists for owner")
	// ErrCannotRemoveIrrevocableDevice — неотзываемое устройство нельзя отозвать.
	ErrCannotRemoveIrrevocableDevice = errors.New("cannot remove irrevocable device")
	// ErrCannotMarkCurrentDeviceAsLost — утерю заявляют только с другого устройства.
	ErrCannotMarkCurrentDeviceAsLost = errors.New("cannot mark current device as lost")
	// ErrDeviceNotLost — восстановление применимо только к утерянному/украденному.
	ErrDeviceNotLost = errors.New("device is not lost or stolen")
	// ErrDeviceNotIrrevocable — перенос флага возможен только с его держателя.
	ErrDeviceNotIrrevocable = errors.New("source device is not irrevocable")
	// ErrOwnerMismatch — перенос флага между владельцами запрещён.
	ErrOwnerMismatch = errors.New("devices belong to different owners")
)

// Порог последовательных неудачных попыток, после которого авторизация
// снимается автоматически. Неотзываемое устройство порогу не подчиняется.
const maxFailedAttempts = 5

// DeviceStore — персистентность реестра. Реализуется repository.DeviceRepository.
type DeviceStore interface {
	Create(ctx context.Context, d *model.Device) error
	Update(ctx context.Context, d *model.Device) error
	GetByID(ctx context.Context, id string) (*model.Device, error)
	GetByOwnerAndIdentifier(ctx context.Context, ownerID, identifier string) (*model.Device, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Device, error)
	ClearIrrevocableExcept(ctx context.Context, ownerID, keepID string) error
}

// AlertLimiter гасит шквал security-уведомлений по одному устройству.
type AlertLimiter interface {
	AllowSecurityAlert(ctx context.Context, deviceID string) (bool, error)
}

// Registry — реестр доверенных устройств. Один мьютекс сериализует все мутации:
// проверка инварианта неотзываемости и запись должны быть атомарны относительно
// друг друга.
type Registry struct {
	mu       sync.Mutex
	store    DeviceStore
	notifier notify.Notifier
	limiter  AlertLimiter
	now      func() time.Time
}

func NewRegistry(store DeviceStore, notifier notify.Notifier, limiter AlertLimiter) *Registry {
	return &Registry{
		store:    store,
		notifier: notifier,
		limiter:  limiter,
		now:      time.Now,
	}
}

// Authorize регистрирует или обновляет устройство владельца.
// Для существующей пары (owner, identifier) — освежает доверие и счётчики;
// запрос irrevocable на существующем устройстве переносит флаг, снимая его
// с остальных устройств владельца. Для нового устройства запрос irrevocable
// при живом неотзываемом конкуренте отклоняется без каких-либо мутаций.
func (r *Registry) Authorize(ctx context.Context, ownerID string, info model.DeviceInfo, irrevocable bool) (*model.Device, error) {
	defer logger.DeferLogDuration("devicetrust.Authorize", time.Now())()
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, err := r.store.GetByOwnerAndIdentifier(ctx, ownerID, info.Identifier)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("devicetrust.Authorize: %w", err)
	}

	if existing != nil {
		existing.IsAuthorized = true
		existing.IsWhitelisted = true
		existing.LastAccessAt = &now
		existing.AccessAttemptCount++
		if irrevocable && !existing.IsIrrevocable {
			if err := r.store.ClearIrrevocableExcept(ctx, ownerID, existing.ID); err != nil {
				return nil, fmt.Errorf("devicetrust.Authorize: %w", err)
			}
			existing.IsIrrevocable = true
		}
		if err := r.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("devicetrust.Authorize: %w", err)
		}
		return existing, nil
	}

	if irrevocable {
		holder, err := r.irrevocableDevice(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("devicetrust.Authorize: %w", err)
		}
		if holder != nil {
			return nil, ErrIrrevocableDeviceExists
		}
	}

	d := &model.Device{
		ID:                 uuid.NewString(),
		OwnerID:            ownerID,
		DeviceIdentifier:   info.Identifier,
		DeviceName:         info.Name,
		DeviceModel:        info.Model,
		DeviceType:         info.Type,
		SystemVersion:      info.SystemVersion,
		FingerprintHash:    Fingerprint(info),
		IsAuthorized:       true,
		IsWhitelisted:      true,
		IsIrrevocable:      irrevocable,
		AccessAttemptCount: 1,
		AuthorizedAt:       &now,
		LastAccessAt:       &now,
		CreatedAt:          now,
	}
	if err := r.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("devicetrust.Authorize: %w", err)
	}
	logger.Infof("device %s authorized for owner %s (irrevocable=%v)", d.ID, ownerID, irrevocable)
	return d, nil
}

// CheckAuthorization проверяет доступ устройства и обновляет счётчики.
// Счётчики security-событий (утеря, tamper) пишутся даже при отказе —
// аудиторский сигнал не теряется.
func (r *Registry) CheckAuthorization(ctx context.Context, ownerID string, info model.DeviceInfo) (bool, error) {
	defer logger.DeferLogDuration("devicetrust.CheckAuthorization", time.Now())()
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.store.GetByOwnerAndIdentifier(ctx, ownerID, info.Identifier)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("devicetrust.CheckAuthorization: %w", err)
	}

	if d.IsLost || d.IsStolen {
		d.LostDeviceAccessAttempts++
		d.FailedAttemptCount++
		if err := r.store.Update(ctx, d); err != nil {
			return false, fmt.Errorf("devicetrust.CheckAuthorization: %w", err)
		}
		r.securityAlert(ctx, d, fmt.Sprintf("Access attempt from device reported %s: %s",
			lostLabel(d), d.DeviceName))
		return false, nil
	}

	// Изменившийся отпечаток всегда отказ, даже для ранее авторизованного.
	if Fingerprint(info) != d.FingerprintHash {
		d.FailedAttemptCount++
		if err := r.store.Update(ctx, d); err != nil {
			return false, fmt.Errorf("devicetrust.CheckAuthorization: %w", err)
		}
		logger.Errorf("device %s fingerprint mismatch, possible tamper", d.ID)
		return false, nil
	}

	if !d.IsAuthorized {
		return false, nil
	}

	now := r.now()
	d.LastAccessAt = &now
	d.AccessAttemptCount++
	if err := r.store.Update(ctx, d); err != nil {
		return false, fmt.Errorf("devicetrust.CheckAuthorization: %w", err)
	}
	return true, nil
}

// Revoke снимает авторизацию. Неотзываемое устройство защищено: его снимает
// только явный отчёт об утере с другого устройства.
func (r *Registry) Revoke(ctx context.Context, deviceID string) error {
	defer logger.DeferLogDuration("devicetrust.Revoke", time.Now())()
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.store.GetByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("devicetrust.Revoke: %w", err)
	}
	if d.IsIrrevocable {
		return ErrCannotRemoveIrrevocableDevice
	}
	d.IsAuthorized = false
	d.IsWhitelisted = false
	if err := r.store.Update(ctx, d); err != nil {
		return fmt.Errorf("devicetrust.Revoke: %w", err)
	}
	logger.Infof("device %s revoked", deviceID)
	return nil
}

// MarkLost помечает устройство утерянным или украденным. Заявить утерю
// собственного текущего устройства нельзя: отчёт подаётся с другого,
// всё ещё доверенного устройства.
func (r *Registry) MarkLost(ctx context.Context, deviceID string, stolen bool, reason, currentDeviceIdentifier string) error {
	defer logger.DeferLogDuration("devicetrust.MarkLost", time.Now())()
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.store.GetByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("devicetrust.MarkLost: %w", err)
	}
	if d.DeviceIdentifier == currentDeviceIdentifier {
		return ErrCannotMarkCurrentDeviceAsLost
	}
	now := r.now()
	d.IsLost = true
	d.IsStolen = stolen
	d.LostReason = reason
	d.ReportedLostAt = &now
	d.IsAuthorized = false
	if err := r.store.Update(ctx, d); err != nil {
		return fmt.Errorf("devicetrust.MarkLost: %w", err)
	}
	logger.Infof("device %s reported %s", deviceID, lostLabel(d))
	return nil
}

// Recover возвращает доверие устройству после отчёта об утере.
func (r *Registry) Recover(ctx context.Context, deviceID string) error {
	defer logger.DeferLogDuration("devicetrust.Recover", time.Now())()
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.store.GetByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("devicetrust.Recover: %w", err)
	}
	if !d.IsLost && !d.IsStolen {
		return ErrDeviceNotLost
	}
	d.IsLost = false
	d.IsStolen = false
	d.LostReason = ""
	d.ReportedLostAt = nil
	d.IsAuthorized = true
	if err := r.store.Update(ctx, d); err != nil {
		return fmt.Errorf("devicetrust.Recover: %w", err)
	}
	logger.Infof("device %s recovered", deviceID)
	return nil
}

// TransferIrrevocable переносит флаг неотзываемости с одного устройства на другое.
// Исходное устройство не обязано быть утерянным: это сознательный аварийный
// механизм смены основного устройства.
func (r *Registry) TransferIrrevocable(ctx context.Context, fromID, toID string) error {
	defer logger.DeferLogDuration("devicetrust.TransferIrrevocable", time.Now())()
	r.mu.Lock()
	defer r.mu.Unlock()

	from, err := r.store.GetByID(ctx, fromID)
	if err != nil {
		return fmt.Errorf("devicetrust.TransferIrrevocable: %w", err)
	}
	to, err := r.store.GetByID(ctx, toID)
	if err != nil {
		return fmt.Errorf("devicetrust.TransferIrrevocable: %w", err)
	}
	// Флаг снимается только с его держателя и остаётся внутри одного владельца,
	// иначе у владельца окажется два неотзываемых устройства.
	if !from.IsIrrevocable {
		return ErrDeviceNotIrrevocable
	}
	if from.OwnerID != to.OwnerID {
		return ErrOwnerMismatch
	}
	from.IsIrrevocable = false
	if err := r.store.Update(ctx, from); err != nil {
		return fmt.Errorf("devicetrust.TransferIrrevocable: %w", err)
	}
	to.IsIrrevocable = true
	if err := r.store.Update(ctx, to); err != nil {
		// Возвращаем флаг исходному устройству: владелец не должен остаться
		// без неотзываемого устройства из-за сбоя второй записи.
		from.IsIrrevocable = true
		if rbErr := r.store.Update(ctx, from); rbErr != nil {
			logger.Errorf("restore irrevocable flag on %s: %v", fromID, rbErr)
		}
		return fmt.Errorf("devicetrust.TransferIrrevocable: %w", err)
	}
	logger.Infof("irrevocable flag transferred %s -> %s", fromID, toID)
	return nil
}

// TrackAttempt фиксирует исход попытки доступа. Пять неудач подряд снимают
// авторизацию автоматически; неотзываемое устройство не отзывается никогда.
func (r *Registry) TrackAttempt(ctx context.Context, deviceID string, success bool) error {
	defer logger.DeferLogDuration("devicetrust.TrackAttempt", time.Now())()
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.store.GetByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("devicetrust.TrackAttempt: %w", err)
	}
	if success {
		now := r.now()
		d.AccessAttemptCount++
		d.LastAccessAt = &now
		d.FailedAttemptCount = 0
	} else {
		d.FailedAttemptCount++
		if d.FailedAttemptCount >= maxFailedAttempts && !d.IsIrrevocable {
			d.IsAuthorized = false
			logger.Errorf("device %s auto-revoked after %d failed attempts", deviceID, d.FailedAttemptCount)
		}
	}
	if err := r.store.Update(ctx, d); err != nil {
		return fmt.Errorf("devicetrust.TrackAttempt: %w", err)
	}
	return nil
}

// Device — устройство по id, для проверок принадлежности на уровне API.
func (r *Registry) Device(ctx context.Context, deviceID string) (*model.Device, error) {
	d, err := r.store.GetByID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("devicetrust.Device: %w", err)
	}
	return d, nil
}

// ListDevices — устройства владельца для экрана управления.
func (r *Registry) ListDevices(ctx context.Context, ownerID string) ([]model.Device, error) {
	defer logger.DeferLogDuration("devicetrust.ListDevices", time.Now())()
	devices, err := r.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("devicetrust.ListDevices: %w", err)
	}
	return devices, nil
}

func (r *Registry) irrevocableDevice(ctx context.Context, ownerID string) (*model.Device, error) {
	devices, err := r.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].IsIrrevocable {
			return &devices[i], nil
		}
	}
	return nil, nil
}

func (r *Registry) securityAlert(ctx context.Context, d *model.Device, message string) {
	if r.limiter != nil {
		allowed, err := r.limiter.AllowSecurityAlert(ctx, d.ID)
		if err != nil {
			logger.Errorf("alert limiter: %v", err)
		}
		if !allowed {
			return
		}
	}
	if r.notifier != nil {
		// Уведомление адресуется владельцу устройства, не конкретному хранилищу.
		r.notifier.Notify(ctx, d.OwnerID, notify.KindSecurityAlert, message)
	}
}

func lostLabel(d *model.Device) string {
	if d.IsStolen {
		return "stolen"
	}
	return "lost"
}
