package token

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/db/dbtest"
)

func TestRefreshTokenRotation(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewRefreshTokenManager(gormDB, time.Hour)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)

	issued, err := manager.Issue(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Token, RefreshTokenPrefix))
	assert.WithinDuration(t, time.Now().Add(time.Hour), issued.ExpiresAt, 5*time.Second)

	var stored dbmodel.SessionRefreshToken
	require.NoError(t, gormDB.Where("user_id = ?", user.ID).First(&stored).Error)
	assert.NotEqual(t, issued.Token, stored.TokenHash)
	assert.Len(t, stored.TokenHash, 64)

	owner, next, err := manager.Rotate(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, owner.ID)
	assert.NotEqual(t, issued.Token, next.Token)

	_, _, err = manager.Rotate(ctx, issued.Token)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken, "a rotated token is single use")

	_, _, err = manager.Rotate(ctx, next.Token)
	assert.NoError(t, err)

	for _, presented := range []string{"", "tbr_", "not-a-token", next.Token + "x"} {
		_, _, err := manager.Rotate(ctx, presented)
		assert.ErrorIs(t, err, bizerr.ErrInvalidToken, presented)
	}
}

func TestRefreshTokenRejectedForExpiredOrDisabled(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewRefreshTokenManager(gormDB, time.Hour)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)

	expired, err := manager.Issue(ctx, user.ID)
	require.NoError(t, err)
	manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, err = manager.Rotate(ctx, expired.Token)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken)
	manager.now = time.Now

	issued, err := manager.Issue(ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, gormDB.Model(&dbmodel.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)
	_, _, err = manager.Rotate(ctx, issued.Token)
	assert.ErrorIs(t, err, bizerr.ErrAccountDisabled)
}

func TestRefreshTokenRevoke(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewRefreshTokenManager(gormDB, time.Hour)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)
	other := dbtest.SeedUser(t, gormDB, org.ID, "other@example.com", dbmodel.RoleUser)

	laptop, err := manager.Issue(ctx, user.ID)
	require.NoError(t, err)
	phone, err := manager.Issue(ctx, user.ID)
	require.NoError(t, err)
	otherToken, err := manager.Issue(ctx, other.ID)
	require.NoError(t, err)

	revoked, err := manager.Revoke(ctx, laptop.Token, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)
	_, _, err = manager.Rotate(ctx, laptop.Token)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken)

	revoked, err = manager.Revoke(ctx, laptop.Token, false)
	require.NoError(t, err)
	assert.Zero(t, revoked, "logout is idempotent")
	revoked, err = manager.Revoke(ctx, "tbr_unknown", false)
	require.NoError(t, err)
	assert.Zero(t, revoked)

	// a second session of the same user survives a single logout
	_, phone, err = manager.Rotate(ctx, phone.Token)
	require.NoError(t, err)

	revoked, err = manager.Revoke(ctx, phone.Token, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)
	_, _, err = manager.Rotate(ctx, phone.Token)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken)

	_, _, err = manager.Rotate(ctx, otherToken.Token)
	assert.NoError(t, err, "other users keep their sessions")
}

func TestRefreshTokenPurgeExpired(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewRefreshTokenManager(gormDB, time.Hour)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)

	_, err := manager.Issue(ctx, user.ID)
	require.NoError(t, err)
	live, err := manager.Issue(ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, gormDB.Model(&dbmodel.SessionRefreshToken{}).
		Where("token_hash <> ?", hashRefreshToken(live.Token)).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	purged, err := manager.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	var count int64
	require.NoError(t, gormDB.Model(&dbmodel.SessionRefreshToken{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
