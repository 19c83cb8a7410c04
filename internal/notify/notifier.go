package notify

import (
	"context"

	"github.com/vaultguard/internal/logger"
)

// Виды уведомлений о событиях хранилища.
const (
	KindOpened             = "opened"
	KindLocked             = "locked"
	KindAutoLocked         = "auto_locked"
	KindAlreadyOpen        = "already_open"
	KindSecurityAlert      = "security_alert"
	KindEmergencyRequested = "emergency_requested"
	KindEmergencyApproved  = "emergency_approved"
	KindEmergencyDenied    = "emergency_denied"
)

// Notifier — fire-and-forget доставка событий участникам хранилища.
// Ошибка доставки никогда не откатывает переход состояния, который её вызвал.
// Реализации: ws.Hub (realtime), push.Client (HTTP к services/push), Fanout, Noop.
type Notifier interface {
	Notify(ctx context.Context, vaultID, kind, message string)
}

// Fanout рассылает событие во все подключённые каналы доставки.
type Fanout struct {
	targets []Notifier
}

func NewFanout(targets ...Notifier) *Fanout {
	return &Fanout{targets: targets}
}

// Add подключает канал доставки. Вызывается только на этапе сборки сервиса,
// до первого Notify.
func (f *Fanout) Add(t Notifier) {
	f.targets = append(f.targets, t)
}

func (f *Fanout) Notify(ctx context.Context, vaultID, kind, message string) {
	for _, t := range f.targets {
		t.Notify(ctx, vaultID, kind, message)
	}
}

// Noop — заглушка для тестов и режимов без доставки.
type Noop struct{}

func (Noop) Notify(ctx context.Context, vaultID, kind, message string) {}

// Logged оборачивает доставку логированием события. Удобно в -dev без push-сервиса.
type Logged struct {
	Next Notifier
}

func (l Logged) Notify(ctx context.Context, vaultID, kind, message string) {
	logger.Infof("notify %s vault=%s: %s", kind, vaultID, message)
	if l.Next != nil {
		l.Next.Notify(ctx, vaultID, kind, message)
	}
}
