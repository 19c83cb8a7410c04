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

type VaultSessionRepository struct {
	pool *pgxpool.Pool
}

func NewVaultSessionRepository(pool *pgxpool.Pool) *VaultSessionRepository {
	return &VaultSessionRepository{pool: pool}
}

const sessionCols = `id, vault_id, vault_name, unlocked_by, unlocked_by_name,
	unlocked_at, expires_at, COALESCE(last_activity,''), last_activity_at`

func scanSession(s interface{ Scan(dest ...any) error }, v *model.VaultSession) error {
	return s.Scan(&v.ID, &v.VaultID, &v.VaultName, &v.UnlockedBy, &v.UnlockedByName,
		&v.UnlockedAt, &v.ExpiresAt, &v.LastActivity, &v.LastActivityAt)
}

// Upsert вставляет сессию или обновляет существующую по vault_id.
// UNIQUE(vault_id) в схеме удерживает инвариант «одна активная сессия на хранилище».
func (r *VaultSessionRepository) Upsert(ctx context.Context, s *model.VaultSession) error {
	defer logger.DeferLogDuration("vaultSession.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO vault_sessions (id, vault_id, vault_name, unlocked_by, unlocked_by_name,
		   unlocked_at, expires_at, last_activity, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (vault_id) DO UPDATE SET
		   id = EXCLUDED.id,
		   vault_name = EXCLUDED.vault_name,
		   unlocked_by = EXCLUDED.unlocked_by,
		   unlocked_by_name = EXCLUDED.unlocked_by_name,
		   unlocked_at = EXCLUDED.unlocked_at,
		   expires_at = EXCLUDED.expires_at,
		   last_activity = EXCLUDED.last_activity,
		   last_activity_at = EXCLUDED.last_activity_at`,
		s.ID, s.VaultID, s.VaultName, s.UnlockedBy, s.UnlockedByName,
		s.UnlockedAt, s.ExpiresAt, nullIfEmpty(s.LastActivity), s.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("vaultSessionRepo.Upsert: %w", err)
	}
	return nil
}

func (r *VaultSessionRepository) GetByVaultID(ctx context.Context, vaultID string) (*model.VaultSession, error) {
	defer logger.DeferLogDuration("vaultSession.GetByVaultID", time.Now())()
	s := &model.VaultSession{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM vault_sessions WHERE vault_id = $1`, vaultID)
	if err := scanSession(row, s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vaultSessionRepo.GetByVaultID: %w", err)
	}
	return s, nil
}

// ListAll возвращает все сохранённые сессии (восстановление состояния менеджера после рестарта).
func (r *VaultSessionRepository) ListAll(ctx context.Context) ([]model.VaultSession, error) {
	defer logger.DeferLogDuration("vaultSession.ListAll", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT `+sessionCols+` FROM vault_sessions ORDER BY unlocked_at`)
	if err != nil {
		return nil, fmt.Errorf("vaultSessionRepo.ListAll: %w", err)
	}
	defer rows.Close()
	var list []model.VaultSession
	for rows.Next() {
		var s model.VaultSession
		if err := scanSession(rows, &s); err != nil {
			return nil, fmt.Errorf("vaultSessionRepo.ListAll scan: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// Delete удаляет запись сессии (ручное закрытие или истечение TTL).
func (r *VaultSessionRepository) Delete(ctx context.Context, vaultID string) error {
	defer logger.DeferLogDuration("vaultSession.Delete", time.Now())()
	_, err := r.pool.Exec(ctx, `DELETE FROM vault_sessions WHERE vault_id = $1`, vaultID)
	if err != nil {
		return fmt.Errorf("vaultSessionRepo.Delete: %w", err)
	}
	return nil
}
