package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

const (
	RefreshTokenPrefix = "tbr_"
	DefaultRefreshTTL  = 7 * 24 * time.Hour

	refreshTokenBytes = 32
)

// RefreshToken is handed to the client once. Only its hash is persisted.
type RefreshToken struct {
	Token     string
	ExpiresAt time.Time
}

// RefreshTokenManager stores the long lived half of a web session. Every use rotates the token.
type RefreshTokenManager struct {
	dbConn *gorm.DB
	ttl    time.Duration
	now    func() time.Time
}

func NewRefreshTokenManager(dbConn *gorm.DB, ttl time.Duration) *RefreshTokenManager {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &RefreshTokenManager{
		dbConn: dbConn,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (m *RefreshTokenManager) Issue(ctx context.Context, userID string) (*RefreshToken, error) {
	record, issued, err := m.newRecord(userID)
	if err != nil {
		return nil, err
	}
	if err := m.dbConn.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return issued, nil
}

// Rotate consumes a refresh token and returns its owner with a replacement token. A token can
// be rotated once; presenting it again fails.
func (m *RefreshTokenManager) Rotate(ctx context.Context, presented string) (*dbmodel.User, *RefreshToken, error) {
	if !strings.HasPrefix(presented, RefreshTokenPrefix) {
		return nil, nil, bizerr.ErrInvalidToken
	}

	now := m.now()
	tx := m.dbConn.WithContext(ctx).Begin()

	var record dbmodel.SessionRefreshToken
	err := dbmodel.ForUpdate(tx).Where("token_hash = ?", hashRefreshToken(presented)).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, nil, bizerr.ErrInvalidToken
	}
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if record.RevokedAt != nil || !now.Before(record.ExpiresAt) {
		tx.Rollback()
		logger.Debugf("refresh token %s presented after revocation or expiry", record.ID)
		return nil, nil, bizerr.ErrInvalidToken
	}

	var user dbmodel.User
	err = tx.Where("id = ?", record.UserID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, nil, bizerr.ErrInvalidToken
	}
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if !user.IsActive {
		tx.Rollback()
		return nil, nil, bizerr.ErrAccountDisabled
	}

	// The revoked_at guard keeps two concurrent rotations from both succeeding.
	consumed := tx.Model(&dbmodel.SessionRefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", record.ID).
		Updates(map[string]interface{}{"revoked_at": now, "last_used_at": now})
	if consumed.Error != nil {
		tx.Rollback()
		return nil, nil, consumed.Error
	}
	if consumed.RowsAffected == 0 {
		tx.Rollback()
		return nil, nil, bizerr.ErrInvalidToken
	}

	next, issued, err := m.newRecord(user.ID)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	if err := tx.Create(next).Error; err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, nil, err
	}
	return &user, issued, nil
}

// Revoke ends the session behind presented, or every session of its owner when all is set.
// Unknown tokens are not an error.
func (m *RefreshTokenManager) Revoke(ctx context.Context, presented string, all bool) (int64, error) {
	conn := m.dbConn.WithContext(ctx)

	var record dbmodel.SessionRefreshToken
	err := conn.Where("token_hash = ?", hashRefreshToken(presented)).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if all {
		return m.RevokeAll(ctx, record.UserID)
	}

	result := conn.Model(&dbmodel.SessionRefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", record.ID).
		Update("revoked_at", m.now())
	return result.RowsAffected, result.Error
}

func (m *RefreshTokenManager) RevokeAll(ctx context.Context, userID string) (int64, error) {
	revoked, err := dbmodel.RevokeRefreshTokens(m.dbConn.WithContext(ctx), userID, m.now())
	if err != nil {
		return 0, err
	}
	logger.Infof("revoked %d refresh tokens for user %s", revoked, userID)
	return revoked, nil
}

// PurgeExpired deletes rows past their expiry, revoked or not.
func (m *RefreshTokenManager) PurgeExpired(ctx context.Context) (int64, error) {
	result := m.dbConn.WithContext(ctx).Where("expires_at < ?", m.now()).Delete(&dbmodel.SessionRefreshToken{})
	return result.RowsAffected, result.Error
}

func (m *RefreshTokenManager) newRecord(userID string) (*dbmodel.SessionRefreshToken, *RefreshToken, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	plaintext := RefreshTokenPrefix + base64.RawURLEncoding.EncodeToString(b)

	now := m.now()
	record := &dbmodel.SessionRefreshToken{
		ID:        dbmodel.NewID(),
		UserID:    userID,
		TokenHash: hashRefreshToken(plaintext),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	return record, &RefreshToken{Token: plaintext, ExpiresAt: record.ExpiresAt}, nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
