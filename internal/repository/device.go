package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vaultguard/internal/logger"
	"github.com/vaultguard/internal/model"
)

const deviceCols = `id, owner_id, device_identifier, device_name, device_model, device_type,
	system_version, fingerprint_hash, is_authorized, is_whitelisted, is_irrevocable,
	is_lost, is_stolen, COALESCE(lost_reason,''), reported_lost_at,
	access_attempt_count, failed_attempt_count, lost_device_access_attempts,
	authorized_at, last_access_at, created_at`

type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

// scanDevice сканирует строку в model.Device (порядок соответствует deviceCols).
func scanDevice(s interface{ Scan(dest ...any) error }, d *model.Device) error {
	return s.Scan(&d.ID, &d.OwnerID, &d.DeviceIdentifier, &d.DeviceName, &d.DeviceModel, &d.DeviceType,
		&d.SystemVersion, &d.FingerprintHash, &d.IsAuthorized, &d.IsWhitelisted, &d.IsIrrevocable,
		&d.IsLost, &d.IsStolen, &d.LostReason, &d.ReportedLostAt,
		&d.AccessAttemptCount, &d.FailedAttemptCount, &d.LostDeviceAccessAttempts,
		&d.AuthorizedAt, &d.LastAccessAt, &d.CreatedAt)
}

func (r *DeviceRepository) Create(ctx context.Context, d *model.Device) error {
	defer logger.DeferLogDuration("device.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO devices (id, owner_id, device_identifier, device_name, device_model, device_type,
		   system_version, fingerprint_hash, is_authorized, is_whitelisted, is_irrevocable,
		   is_lost, is_stolen, lost_reason, reported_lost_at,
		   access_attempt_count, failed_attempt_count, lost_device_access_attempts,
		   authorized_at, last_access_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		d.ID, d.OwnerID, d.DeviceIdentifier, d.DeviceName, d.DeviceModel, d.DeviceType,
		d.SystemVersion, d.FingerprintHash, d.IsAuthorized, d.IsWhitelisted, d.IsIrrevocable,
		d.IsLost, d.IsStolen, nullIfEmpty(d.LostReason), d.ReportedLostAt,
		d.AccessAttemptCount, d.FailedAttemptCount, d.LostDeviceAccessAttempts,
		d.AuthorizedAt, d.LastAccessAt, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("deviceRepo.Create: %w", err)
	}
	return nil
}

// Update перезаписывает все изменяемые поля устройства. Вызывается из реестра
// под его мьютексом, поэтому отдельного optimistic-lock не требуется.
func (r *DeviceRepository) Update(ctx context.Context, d *model.Device) error {
	defer logger.DeferLogDuration("device.Update", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE devices SET
		   device_name = $2, device_model = $3, device_type = $4, system_version = $5,
		   fingerprint_hash = $6, is_authorized = $7, is_whitelisted = $8, is_irrevocable = $9,
		   is_lost = $10, is_stolen = $11, lost_reason = $12, reported_lost_at = $13,
		   access_attempt_count = $14, failed_attempt_count = $15, lost_device_access_attempts = $16,
		   authorized_at = $17, last_access_at = $18
		 WHERE id = $1`,
		d.ID,
		d.DeviceName, d.DeviceModel, d.DeviceType, d.SystemVersion,
		d.FingerprintHash, d.IsAuthorized, d.IsWhitelisted, d.IsIrrevocable,
		d.IsLost, d.IsStolen, nullIfEmpty(d.LostReason), d.ReportedLostAt,
		d.AccessAttemptCount, d.FailedAttemptCount, d.LostDeviceAccessAttempts,
		d.AuthorizedAt, d.LastAccessAt,
	)
	if err != nil {
		return fmt.Errorf("deviceRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByOwnerAndIdentifier возвращает устройство по паре (owner_id, device_identifier).
func (r *DeviceRepository) GetByOwnerAndIdentifier(ctx context.Context, ownerID, identifier string) (*model.Device, error) {
	defer logger.DeferLogDuration("device.GetByOwnerAndIdentifier", time.Now())()
	d := &model.Device{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE owner_id = $1 AND device_identifier = $2`,
		ownerID, identifier)
	if err := scanDevice(row, d); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deviceRepo.GetByOwnerAndIdentifier: %w", err)
	}
	return d, nil
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*model.Device, error) {
	defer logger.DeferLogDuration("device.GetByID", time.Now())()
	d := &model.Device{}
	row := r.pool.QueryRow(ctx, `SELECT `+deviceCols+` FROM devices WHERE id = $1`, id)
	if err := scanDevice(row, d); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deviceRepo.GetByID: %w", err)
	}
	return d, nil
}

// ListByOwner возвращает все устройства владельца (включая отозванные и утерянные —
// они не удаляются, фильтрация по флагам на стороне вызывающего).
func (r *DeviceRepository) ListByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	defer logger.DeferLogDuration("device.ListByOwner", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("deviceRepo.ListByOwner: %w", err)
	}
	defer rows.Close()
	var list []model.Device
	for rows.Next() {
		var d model.Device
		if err := scanDevice(rows, &d); err != nil {
			return nil, fmt.Errorf("deviceRepo.ListByOwner scan: %w", err)
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

// ClearIrrevocableExcept снимает флаг is_irrevocable со всех устройств владельца, кроме keepID.
func (r *DeviceRepository) ClearIrrevocableExcept(ctx context.Context, ownerID, keepID string) error {
	defer logger.DeferLogDuration("device.ClearIrrevocableExcept", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE devices SET is_irrevocable = false WHERE owner_id = $1 AND id <> $2`,
		ownerID, keepID)
	if err != nil {
		return fmt.Errorf("deviceRepo.ClearIrrevocableExcept: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
