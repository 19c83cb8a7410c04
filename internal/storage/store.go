package storage

import (
	"context"
	"time"
)

// PassStore — быстрый слой поверх Postgres: кэш кодов экстренных пропусков,
// rate limit запросов экстренного доступа и троттлинг security-уведомлений.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
// Источником истины по пропускам остаётся БД — кэш только ускоряет redeem.
type PassStore interface {
	SetPass(ctx context.Context, vaultID, code, passID string, ttl time.Duration) error
	GetPass(ctx context.Context, vaultID, code string) (passID string, err error)
	DeletePass(ctx context.Context, vaultID, code string) error
	CheckRequestRateLimit(ctx context.Context, requesterID string) (allowed bool, err error)
	AllowSecurityAlert(ctx context.Context, deviceID string) (allowed bool, err error)
	Close() error
}
