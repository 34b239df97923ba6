package bizmcptoken

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/db/dbtest"
)

func TestIssueAndValidate(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewTokenManager(gormDB, 0)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)

	issued, err := manager.Issue(ctx, user.ID, "Claude Desktop")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.PlaintextToken, TokenPrefix))
	assert.Len(t, issued.PlaintextToken, len(TokenPrefix)+43)
	assert.Equal(t, issued.PlaintextToken[:displayLength], issued.Prefix)
	assert.Nil(t, issued.ExpiresAt)

	var stored dbmodel.MCPAccessToken
	require.NoError(t, gormDB.First(&stored, "id = ?", issued.TokenID).Error)
	assert.NotEqual(t, issued.PlaintextToken, stored.TokenHash)
	assert.Len(t, stored.TokenHash, 64)
	assert.Nil(t, stored.LastUsedAt)

	userID, err := manager.Validate(ctx, issued.PlaintextToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	require.NoError(t, gormDB.First(&stored, "id = ?", issued.TokenID).Error)
	assert.NotNil(t, stored.LastUsedAt)

	for _, presented := range []string{"", "tbk_", "not-a-token", issued.PlaintextToken + "x", TokenPrefix + strings.Repeat("A", 43)} {
		_, err := manager.Validate(ctx, presented)
		assert.ErrorIs(t, err, bizerr.ErrInvalidToken, presented)
	}
}

func TestSecondIssueInvalidatesFirst(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewTokenManager(gormDB, 0)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)
	other := dbtest.SeedUser(t, gormDB, org.ID, "other@example.com", dbmodel.RoleUser)

	first, err := manager.Issue(ctx, user.ID, "laptop")
	require.NoError(t, err)
	otherToken, err := manager.Issue(ctx, other.ID, "laptop")
	require.NoError(t, err)
	second, err := manager.Issue(ctx, user.ID, "desktop")
	require.NoError(t, err)

	_, err = manager.Validate(ctx, first.PlaintextToken)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken)

	_, err = manager.Validate(ctx, second.PlaintextToken)
	assert.NoError(t, err)

	// other users keep their token
	_, err = manager.Validate(ctx, otherToken.PlaintextToken)
	assert.NoError(t, err)

	tokens, err := manager.List(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	active := 0
	for _, token := range tokens {
		if token.RevokedAt == nil {
			active++
			assert.Equal(t, second.TokenID, token.ID)
		}
	}
	assert.Equal(t, 1, active)
}

func TestConcurrentIssueLeavesOneValidToken(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewTokenManager(gormDB, 0)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)

	const workers = 2
	var wg sync.WaitGroup
	results := make([]*IssuedToken, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = manager.Issue(ctx, user.ID, "client")
		}(i)
	}
	wg.Wait()

	valid := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if _, err := manager.Validate(ctx, results[i].PlaintextToken); err == nil {
			valid++
		}
	}
	assert.Equal(t, 1, valid)

	var count int64
	gormDB.Model(&dbmodel.MCPAccessToken{}).Where("user_id = ? AND revoked_at IS NULL", user.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestRevoke(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewTokenManager(gormDB, 0)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)
	other := dbtest.SeedUser(t, gormDB, org.ID, "other@example.com", dbmodel.RoleUser)

	issued, err := manager.Issue(ctx, user.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "MCP client", issued.Name)

	err = manager.Revoke(ctx, other.ID, issued.TokenID)
	assert.ErrorIs(t, err, bizerr.ErrNotFound)

	require.NoError(t, manager.Revoke(ctx, user.ID, issued.TokenID))
	require.NoError(t, manager.Revoke(ctx, user.ID, issued.TokenID))

	_, err = manager.Validate(ctx, issued.PlaintextToken)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken)

	issued, err = manager.Issue(ctx, user.ID, "again")
	require.NoError(t, err)
	revoked, err := manager.RevokeAll(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)
	_, err = manager.Validate(ctx, issued.PlaintextToken)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken)
}

func TestExpiredAndInactive(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewTokenManager(gormDB, 24*time.Hour)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)

	issued, err := manager.Issue(ctx, user.ID, "client")
	require.NoError(t, err)
	require.NotNil(t, issued.ExpiresAt)

	_, err = manager.Validate(ctx, issued.PlaintextToken)
	require.NoError(t, err)

	manager.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = manager.Validate(ctx, issued.PlaintextToken)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken)
	manager.now = time.Now

	require.NoError(t, gormDB.Model(&dbmodel.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)
	_, err = manager.Validate(ctx, issued.PlaintextToken)
	assert.ErrorIs(t, err, bizerr.ErrInvalidToken)

	_, err = manager.Issue(ctx, user.ID, "client")
	assert.ErrorIs(t, err, bizerr.ErrAccountDisabled)

	_, err = manager.Issue(ctx, "missing", "client")
	assert.ErrorIs(t, err, bizerr.ErrNotFound)
}
