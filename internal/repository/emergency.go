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

// EmergencyRepository хранит экстренные запросы и пропуска.
// Запросы не удаляются: терминальный статус — часть аудиторского следа.
type EmergencyRepository struct {
	pool *pgxpool.Pool
}

func NewEmergencyRepository(pool *pgxpool.Pool) *EmergencyRepository {
	return &EmergencyRepository{pool: pool}
}

const requestCols = `id, vault_id, requester_id, reason, urgency, status,
	requested_at, COALESCE(approver_id,''), approved_at, expires_at, COALESCE(pass_code,'')`

func scanRequest(s interface{ Scan(dest ...any) error }, req *model.EmergencyAccessRequest) error {
	return s.Scan(&req.ID, &req.VaultID, &req.RequesterID, &req.Reason, &req.Urgency, &req.Status,
		&req.RequestedAt, &req.ApproverID, &req.ApprovedAt, &req.ExpiresAt, &req.PassCode)
}

func (r *EmergencyRepository) CreateRequest(ctx context.Context, req *model.EmergencyAccessRequest) error {
	defer logger.DeferLogDuration("emergency.CreateRequest", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO emergency_requests (id, vault_id, requester_id, reason, urgency, status, requested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.VaultID, req.RequesterID, req.Reason, req.Urgency, req.Status, req.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("emergencyRepo.CreateRequest: %w", err)
	}
	return nil
}

func (r *EmergencyRepository) GetRequest(ctx context.Context, id string) (*model.EmergencyAccessRequest, error) {
	defer logger.DeferLogDuration("emergency.GetRequest", time.Now())()
	req := &model.EmergencyAccessRequest{}
	row := r.pool.QueryRow(ctx, `SELECT `+requestCols+` FROM emergency_requests WHERE id = $1`, id)
	if err := scanRequest(row, req); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("emergencyRepo.GetRequest: %w", err)
	}
	return req, nil
}

// ListRequestsByStatus — запросы в заданном статусе (pending для очереди одобрения,
// approved для мониторинга истечения), старые первыми.
func (r *EmergencyRepository) ListRequestsByStatus(ctx context.Context, status string) ([]model.EmergencyAccessRequest, error) {
	defer logger.DeferLogDuration("emergency.ListRequestsByStatus", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+requestCols+` FROM emergency_requests WHERE status = $1 ORDER BY requested_at`, status)
	if err != nil {
		return nil, fmt.Errorf("emergencyRepo.ListRequestsByStatus: %w", err)
	}
	defer rows.Close()
	var list []model.EmergencyAccessRequest
	for rows.Next() {
		var req model.EmergencyAccessRequest
		if err := scanRequest(rows, &req); err != nil {
			return nil, fmt.Errorf("emergencyRepo.ListRequestsByStatus scan: %w", err)
		}
		list = append(list, req)
	}
	return list, rows.Err()
}

// UpdateRequest сохраняет смену статуса запроса и атрибуты одобрения.
func (r *EmergencyRepository) UpdateRequest(ctx context.Context, req *model.EmergencyAccessRequest) error {
	defer logger.DeferLogDuration("emergency.UpdateRequest", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE emergency_requests SET
		   status = $2, approver_id = $3, approved_at = $4, expires_at = $5, pass_code = $6
		 WHERE id = $1`,
		req.ID, req.Status, nullIfEmpty(req.ApproverID), req.ApprovedAt, req.ExpiresAt, nullIfEmpty(req.PassCode),
	)
	if err != nil {
		return fmt.Errorf("emergencyRepo.UpdateRequest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const passCols = `id, vault_id, requester_id, request_id, pass_code, issued_at, expires_at, used_at, is_active`

func scanPass(s interface{ Scan(dest ...any) error }, p *model.EmergencyAccessPass) error {
	return s.Scan(&p.ID, &p.VaultID, &p.RequesterID, &p.RequestID, &p.PassCode,
		&p.IssuedAt, &p.ExpiresAt, &p.UsedAt, &p.IsActive)
}

func (r *EmergencyRepository) CreatePass(ctx context.Context, p *model.EmergencyAccessPass) error {
	defer logger.DeferLogDuration("emergency.CreatePass", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO emergency_passes (id, vault_id, requester_id, request_id, pass_code,
		   issued_at, expires_at, used_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.VaultID, p.RequesterID, p.RequestID, p.PassCode,
		p.IssuedAt, p.ExpiresAt, p.UsedAt, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("emergencyRepo.CreatePass: %w", err)
	}
	return nil
}

// GetPassByCode ищет пропуск по коду и хранилищу. Валидность (активность, TTL,
// одноразовость) проверяет арбитр, не репозиторий.
func (r *EmergencyRepository) GetPassByCode(ctx context.Context, passCode, vaultID string) (*model.EmergencyAccessPass, error) {
	defer logger.DeferLogDuration("emergency.GetPassByCode", time.Now())()
	p := &model.EmergencyAccessPass{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+passCols+` FROM emergency_passes WHERE pass_code = $1 AND vault_id = $2`,
		passCode, vaultID)
	if err := scanPass(row, p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("emergencyRepo.GetPassByCode: %w", err)
	}
	return p, nil
}

// MarkPassUsed гасит пропуск: used_at выставляется один раз, is_active=false навсегда.
// Условие used_at IS NULL защищает от двойного использования на уровне БД.
func (r *EmergencyRepository) MarkPassUsed(ctx context.Context, passID string, usedAt time.Time) (bool, error) {
	defer logger.DeferLogDuration("emergency.MarkPassUsed", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE emergency_passes SET used_at = $2, is_active = false
		 WHERE id = $1 AND used_at IS NULL`,
		passID, usedAt)
	if err != nil {
		return false, fmt.Errorf("emergencyRepo.MarkPassUsed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeactivatePassByRequest гасит пропуск при истечении одобренного запроса.
func (r *EmergencyRepository) DeactivatePassByRequest(ctx context.Context, requestID string) error {
	defer logger.DeferLogDuration("emergency.DeactivatePassByRequest", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE emergency_passes SET is_active = false WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("emergencyRepo.DeactivatePassByRequest: %w", err)
	}
	return nil
}
