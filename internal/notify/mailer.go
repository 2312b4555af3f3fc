package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/logging"
)

type Mail struct {
	UserID  string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// LogMailer writes mails to the log instead of an SMTP relay.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, m Mail) error {
	logging.FromContext(ctx).Info("mail_sent", zap.String("user_id", m.UserID), zap.String("subject", m.Subject))
	return nil
}
