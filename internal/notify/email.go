package notify

import (
	"context"
	"time"

	"github.com/vaultguard/internal/logger"
)

// EmailSender — доставка письма. Реализация: email.Sender (SMTP).
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// OwnerDirectory возвращает email владельца хранилища.
type OwnerDirectory interface {
	OwnerEmail(ctx context.Context, vaultID string) (string, error)
}

// Email дублирует события экстренного доступа письмом владельцу.
// Остальные виды событий идут только через WebSocket и push.
type Email struct {
	sender EmailSender
	owners OwnerDirectory
}

func NewEmail(sender EmailSender, owners OwnerDirectory) *Email {
	return &Email{sender: sender, owners: owners}
}

func (e *Email) Notify(ctx context.Context, vaultID, kind, message string) {
	var subject string
	switch kind {
	case KindEmergencyRequested:
		subject = "Экстренный запрос доступа к хранилищу"
	case KindEmergencyApproved:
		subject = "Экстренный доступ одобрен"
	case KindEmergencyDenied:
		subject = "Экстренный запрос отклонён"
	default:
		return
	}
	// SMTP медленный: отправка не должна задерживать переход состояния.
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		to, err := e.owners.OwnerEmail(sendCtx, vaultID)
		if err != nil || to == "" {
			logger.Errorf("email notify: владелец %s: %v", vaultID, err)
			return
		}
		if err := e.sender.Send(sendCtx, to, subject, message); err != nil {
			logger.Errorf("email notify %s: %v", kind, err)
		}
	}()
}
