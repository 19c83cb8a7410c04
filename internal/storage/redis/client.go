package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rate limit экстренных запросов: 5 за час на пользователя; security-уведомление
// по одному устройству — не чаще раза в 5 минут (шквал попыток не должен
// превращаться в шквал пушей).
const (
	RequestRateLimitWindow = 3600 // окно rate limit, сек
	RequestRateLimitMax    = 5    // запросов за окно
	SecurityAlertThrottle  = 300  // пауза между уведомлениями по устройству, сек
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetPass кэширует код пропуска по ключу pass:{vaultID}:{code} на остаток его TTL.
func (c *Client) SetPass(ctx context.Context, vaultID, code, passID string, ttl time.Duration) error {
	return c.cli.Set(ctx, "pass:"+vaultID+":"+code, passID, ttl).Err()
}

// GetPass возвращает id пропуска по коду. Промах кэша — не ошибка: арбитр идёт в БД.
func (c *Client) GetPass(ctx context.Context, vaultID, code string) (string, error) {
	val, err := c.cli.Get(ctx, "pass:"+vaultID+":"+code).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// DeletePass убирает код из кэша после использования или истечения запроса.
func (c *Client) DeletePass(ctx context.Context, vaultID, code string) error {
	return c.cli.Del(ctx, "pass:"+vaultID+":"+code).Err()
}

// CheckRequestRateLimit проверяет er_limit:{requesterID}: макс. RequestRateLimitMax
// экстренных запросов за окно. При превышении — HTTP 429.
func (c *Client) CheckRequestRateLimit(ctx context.Context, requesterID string) (allowed bool, err error) {
	key := "er_limit:" + requesterID
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, key, RequestRateLimitWindow*time.Second)
	}
	return n <= int64(RequestRateLimitMax), nil
}

// AllowSecurityAlert — SETNX по ключу alert:{deviceID}: первое срабатывание в окне
// проходит, остальные гасятся.
func (c *Client) AllowSecurityAlert(ctx context.Context, deviceID string) (allowed bool, err error) {
	return c.cli.SetNX(ctx, "alert:"+deviceID, "1", SecurityAlertThrottle*time.Second).Result()
}
