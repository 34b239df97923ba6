package bizmcptoken

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
	TokenPrefix   = "tbk_"
	tokenBytes    = 32
	displayLength = len(TokenPrefix) + 8
)

// IssuedToken is returned once from Issue. PlaintextToken is not stored anywhere.
type IssuedToken struct {
	TokenID        string     `json:"token_id"`
	PlaintextToken string     `json:"token"`
	Prefix         string     `json:"token_prefix"`
	Name           string     `json:"token_name"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

type TokenManager struct {
	dbConn *gorm.DB
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a manager whose tokens expire after ttl. A zero ttl issues tokens that
// live until revoked.
func NewTokenManager(dbConn *gorm.DB, ttl time.Duration) *TokenManager {
	return &TokenManager{
		dbConn: dbConn,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue creates a new token for the user and revokes every token issued before it.
func (m *TokenManager) Issue(ctx context.Context, userID string, clientLabel string) (*IssuedToken, error) {
	plaintext, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	record := dbmodel.MCPAccessToken{
		ID:          dbmodel.NewID(),
		UserID:      userID,
		TokenHash:   hashToken(plaintext),
		TokenPrefix: plaintext[:displayLength],
		TokenName:   strings.TrimSpace(clientLabel),
		CreatedAt:   now,
	}
	if record.TokenName == "" {
		record.TokenName = "MCP client"
	}
	if m.ttl > 0 {
		expiresAt := now.Add(m.ttl)
		record.ExpiresAt = &expiresAt
	}

	tx := m.dbConn.WithContext(ctx).Begin()

	// Serializes concurrent issues for the same user.
	var user dbmodel.User
	err = dbmodel.ForUpdate(tx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: user %s", bizerr.ErrNotFound, userID)
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !user.IsActive {
		tx.Rollback()
		return nil, bizerr.ErrAccountDisabled
	}

	revoked := tx.Model(&dbmodel.MCPAccessToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now)
	if revoked.Error != nil {
		tx.Rollback()
		return nil, revoked.Error
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	logger.Infof("issued mcp token %s for user %s, revoked %d prior tokens", record.TokenPrefix, userID, revoked.RowsAffected)
	return &IssuedToken{
		TokenID:        record.ID,
		PlaintextToken: plaintext,
		Prefix:         record.TokenPrefix,
		Name:           record.TokenName,
		CreatedAt:      record.CreatedAt,
		ExpiresAt:      record.ExpiresAt,
	}, nil
}

// Validate returns the id of the user owning the presented token.
func (m *TokenManager) Validate(ctx context.Context, presented string) (string, error) {
	if !strings.HasPrefix(presented, TokenPrefix) || len(presented) <= displayLength {
		return "", bizerr.ErrInvalidToken
	}

	conn := m.dbConn.WithContext(ctx)

	var record dbmodel.MCPAccessToken
	err := conn.Where("token_hash = ? AND revoked_at IS NULL", hashToken(presented)).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", bizerr.ErrInvalidToken
	}
	if err != nil {
		return "", err
	}

	now := m.now()
	if record.ExpiresAt != nil && !now.Before(*record.ExpiresAt) {
		return "", bizerr.ErrInvalidToken
	}

	var user dbmodel.User
	err = conn.Where("id = ?", record.UserID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", bizerr.ErrInvalidToken
	}
	if err != nil {
		return "", err
	}
	if !user.IsActive {
		logger.Debugf("mcp token %s presented for inactive user %s", record.TokenPrefix, user.ID)
		return "", bizerr.ErrInvalidToken
	}

	if err := conn.Model(&dbmodel.MCPAccessToken{}).Where("id = ?", record.ID).Update("last_used_at", now).Error; err != nil {
		logger.Errorf("failed to record use of mcp token %s: %v", record.TokenPrefix, err)
	}
	return user.ID, nil
}

// Revoke is idempotent for tokens the user owns.
func (m *TokenManager) Revoke(ctx context.Context, userID string, tokenID string) error {
	conn := m.dbConn.WithContext(ctx)

	var record dbmodel.MCPAccessToken
	err := conn.Where("id = ? AND user_id = ?", tokenID, userID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: token %s", bizerr.ErrNotFound, tokenID)
	}
	if err != nil {
		return err
	}
	if record.RevokedAt != nil {
		return nil
	}

	err = conn.Model(&dbmodel.MCPAccessToken{}).
		Where("id = ? AND revoked_at IS NULL", tokenID).
		Update("revoked_at", m.now()).Error
	if err != nil {
		return err
	}
	logger.Infof("revoked mcp token %s for user %s", record.TokenPrefix, userID)
	return nil
}

func (m *TokenManager) RevokeAll(ctx context.Context, userID string) (int64, error) {
	result := m.dbConn.WithContext(ctx).Model(&dbmodel.MCPAccessToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", m.now())
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (m *TokenManager) List(ctx context.Context, userID string) ([]dbmodel.MCPAccessToken, error) {
	tokens := make([]dbmodel.MCPAccessToken, 0)
	err := m.dbConn.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
