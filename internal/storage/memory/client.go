package memory

import (
	"context"
	"sync"
	"time"
)

const (
	requestRateLimitWindow = time.Hour
	requestRateLimitMax    = 5
	securityAlertThrottle  = 5 * time.Minute
)

type item struct {
	val string
	exp time.Time
}

type Client struct {
	mu     sync.RWMutex
	passes map[string]item
	limit  map[string][]time.Time
	alerts map[string]time.Time
}

func New() *Client {
	return &Client{
		passes: make(map[string]item),
		limit:  make(map[string][]time.Time),
		alerts: make(map[string]time.Time),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetPass(ctx context.Context, vaultID, code, passID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passes[vaultID+":"+code] = item{val: passID, exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) GetPass(ctx context.Context, vaultID, code string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.passes[vaultID+":"+code]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) DeletePass(ctx context.Context, vaultID, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.passes, vaultID+":"+code)
	return nil
}

func (c *Client) CheckRequestRateLimit(ctx context.Context, requesterID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cut := now.Add(-requestRateLimitWindow)
	var kept []time.Time
	for _, t := range c.limit[requesterID] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= requestRateLimitMax {
		c.limit[requesterID] = kept
		return false, nil
	}
	kept = append(kept, now)
	c.limit[requesterID] = kept
	return true, nil
}

func (c *Client) AllowSecurityAlert(ctx context.Context, deviceID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if last, ok := c.alerts[deviceID]; ok && now.Sub(last) < securityAlertThrottle {
		return false, nil
	}
	c.alerts[deviceID] = now
	return true, nil
}
