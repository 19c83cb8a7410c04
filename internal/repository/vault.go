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

type VaultRepository struct {
	pool *pgxpool.Pool
}

func NewVaultRepository(pool *pgxpool.Pool) *VaultRepository {
	return &VaultRepository{pool: pool}
}

func (r *VaultRepository) Create(ctx context.Context, v *model.Vault) error {
	defer logger.DeferLogDuration("vault.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO vaults (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
		v.ID, v.Name, v.OwnerID, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("vaultRepo.Create: %w", err)
	}
	return nil
}

func (r *VaultRepository) GetByID(ctx context.Context, id string) (*model.Vault, error) {
	defer logger.DeferLogDuration("vault.GetByID", time.Now())()
	v := &model.Vault{}
	row := r.pool.QueryRow(ctx, `SELECT id, name, owner_id, created_at FROM vaults WHERE id = $1`, id)
	if err := row.Scan(&v.ID, &v.Name, &v.OwnerID, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vaultRepo.GetByID: %w", err)
	}
	return v, nil
}

// OwnerID возвращает владельца хранилища (для проверки привилегии ручного закрытия).
func (r *VaultRepository) OwnerID(ctx context.Context, vaultID string) (string, error) {
	defer logger.DeferLogDuration("vault.OwnerID", time.Now())()
	var ownerID string
	err := r.pool.QueryRow(ctx, `SELECT owner_id FROM vaults WHERE id = $1`, vaultID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("vaultRepo.OwnerID: %w", err)
	}
	return ownerID, nil
}

// OwnerEmail возвращает email владельца хранилища (для писем об экстренных запросах).
func (r *VaultRepository) OwnerEmail(ctx context.Context, vaultID string) (string, error) {
	defer logger.DeferLogDuration("vault.OwnerEmail", time.Now())()
	var email string
	err := r.pool.QueryRow(ctx,
		`SELECT u.email FROM vaults v JOIN users u ON u.id = v.owner_id WHERE v.id = $1`,
		vaultID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("vaultRepo.OwnerEmail: %w", err)
	}
	return email, nil
}

func (r *VaultRepository) ListByOwner(ctx context.Context, ownerID string) ([]model.Vault, error) {
	defer logger.DeferLogDuration("vault.ListByOwner", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, owner_id, created_at FROM vaults WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("vaultRepo.ListByOwner: %w", err)
	}
	defer rows.Close()
	var list []model.Vault
	for rows.Next() {
		var v model.Vault
		if err := rows.Scan(&v.ID, &v.Name, &v.OwnerID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("vaultRepo.ListByOwner scan: %w", err)
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

const nomineeCols = `id, vault_id, user_id, name, COALESCE(email,''), COALESCE(phone,''),
	status, COALESCE(invited_by_user_id,''), invited_at, accepted_at, last_active_at`

func scanNominee(s interface{ Scan(dest ...any) error }, n *model.Nominee) error {
	return s.Scan(&n.ID, &n.VaultID, &n.UserID, &n.Name, &n.Email, &n.Phone,
		&n.Status, &n.InvitedByUserID, &n.InvitedAt, &n.AcceptedAt, &n.LastActiveAt)
}

func (r *VaultRepository) AddNominee(ctx context.Context, n *model.Nominee) error {
	defer logger.DeferLogDuration("vault.AddNominee", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO nominees (id, vault_id, user_id, name, email, phone, status, invited_by_user_id, invited_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.VaultID, n.UserID, n.Name, nullIfEmpty(n.Email), nullIfEmpty(n.Phone),
		n.Status, nullIfEmpty(n.InvitedByUserID), n.InvitedAt,
	)
	if err != nil {
		return fmt.Errorf("vaultRepo.AddNominee: %w", err)
	}
	return nil
}

// ListNominees возвращает участников хранилища (для рассылки оповещений и поиска номинанта).
func (r *VaultRepository) ListNominees(ctx context.Context, vaultID string) ([]model.Nominee, error) {
	defer logger.DeferLogDuration("vault.ListNominees", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+nomineeCols+` FROM nominees WHERE vault_id = $1 ORDER BY invited_at`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("vaultRepo.ListNominees: %w", err)
	}
	defer rows.Close()
	var list []model.Nominee
	for rows.Next() {
		var n model.Nominee
		if err := scanNominee(rows, &n); err != nil {
			return nil, fmt.Errorf("vaultRepo.ListNominees scan: %w", err)
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// SetNomineeStatus обновляет статус участника (временная активация при экстренном доступе).
func (r *VaultRepository) SetNomineeStatus(ctx context.Context, nomineeID string, status model.NomineeStatus, activeAt time.Time) error {
	defer logger.DeferLogDuration("vault.SetNomineeStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE nominees SET status = $2, last_active_at = $3 WHERE id = $1`,
		nomineeID, status, activeAt)
	if err != nil {
		return fmt.Errorf("vaultRepo.SetNomineeStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CollaboratorIDs — все идентификаторы пользователей, связанных с хранилищем
// (владелец + участники), получатели fire-and-forget оповещений.
func (r *VaultRepository) CollaboratorIDs(ctx context.Context, vaultID string) ([]string, error) {
	defer logger.DeferLogDuration("vault.CollaboratorIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT owner_id FROM vaults WHERE id = $1
		 UNION
		 SELECT user_id FROM nominees WHERE vault_id = $1 AND status NOT IN ('revoked')`,
		vaultID)
	if err != nil {
		return nil, fmt.Errorf("vaultRepo.CollaboratorIDs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("vaultRepo.CollaboratorIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
