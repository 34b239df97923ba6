package bizaccount

import (
	"context"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
)

// ResetNotifier delivers a password reset token to the account owner.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, email string, token string, expiresAt time.Time) error
}

// LogNotifier is used when no delivery channel is configured. The token itself is never logged.
type LogNotifier struct{}

func (LogNotifier) SendPasswordReset(ctx context.Context, email string, token string, expiresAt time.Time) error {
	logger.Infof("password reset requested for %s, expires at %s, no delivery channel configured", email, expiresAt.Format(time.RFC3339))
	return nil
}
