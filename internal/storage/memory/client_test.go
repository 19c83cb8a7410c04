package memory

import (
	"context"
	"testing"
	"time"
)

func TestPassRoundTrip(t *testing.T) {
	c := New()
	ctx := context.Background()

	if err := c.SetPass(ctx, "v1", "code-1", "pass-1", time.Minute); err != nil {
		t.Fatalf("SetPass: %v", err)
	}
	got, err := c.GetPass(ctx, "v1", "code-1")
	if err != nil || got != "pass-1" {
		t.Fatalf("GetPass = %q, %v; want pass-1", got, err)
	}

	// Код привязан к хранилищу.
	got, _ = c.GetPass(ctx, "v2", "code-1")
	if got != "" {
		t.Fatalf("GetPass другого хранилища = %q; want пусто", got)
	}

	if err := c.DeletePass(ctx, "v1", "code-1"); err != nil {
		t.Fatalf("DeletePass: %v", err)
	}
	got, _ = c.GetPass(ctx, "v1", "code-1")
	if got != "" {
		t.Fatalf("GetPass после удаления = %q; want пусто", got)
	}
}

func TestPassExpires(t *testing.T) {
	c := New()
	ctx := context.Background()

	if err := c.SetPass(ctx, "v1", "code-1", "pass-1", -time.Second); err != nil {
		t.Fatalf("SetPass: %v", err)
	}
	got, _ := c.GetPass(ctx, "v1", "code-1")
	if got != "" {
		t.Fatalf("истёкший пропуск = %q; want пусто", got)
	}
}

func TestRequestRateLimit(t *testing.T) {
	c := New()
	ctx := context.Background()

	for i := 0; i < requestRateLimitMax; i++ {
		ok, err := c.CheckRequestRateLimit(ctx, "u1")
		if err != nil || !ok {
			t.Fatalf("запрос %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := c.CheckRequestRateLimit(ctx, "u1")
	if err != nil {
		t.Fatalf("CheckRequestRateLimit: %v", err)
	}
	if ok {
		t.Fatalf("запрос сверх лимита пропущен")
	}

	// Лимит на запрашивающего, не глобальный.
	ok, _ = c.CheckRequestRateLimit(ctx, "u2")
	if !ok {
		t.Fatalf("лимит u1 затронул u2")
	}
}

func TestAllowSecurityAlertThrottles(t *testing.T) {
	c := New()
	ctx := context.Background()

	ok, err := c.AllowSecurityAlert(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("первый алерт: ok=%v err=%v", ok, err)
	}
	ok, _ = c.AllowSecurityAlert(ctx, "d1")
	if ok {
		t.Fatalf("повторный алерт не затроттлен")
	}
	ok, _ = c.AllowSecurityAlert(ctx, "d2")
	if !ok {
		t.Fatalf("троттлинг d1 затронул d2")
	}
}
