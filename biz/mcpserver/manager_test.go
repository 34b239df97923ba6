package bizmcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	bizpermission "netherealmstudio.com/toolbroker/biz/permission"
	bizprovider "netherealmstudio.com/toolbroker/biz/provider"
	bizvault "netherealmstudio.com/toolbroker/biz/vault"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/db/dbtest"
	"netherealmstudio.com/toolbroker/defaults"
)

func TestAddListSetEnabled(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewServerManager(gormDB)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)

	server, err := manager.Add(ctx, org.ID, "github-mcp", "GitHub", "admin-id")
	require.NoError(t, err)
	assert.True(t, server.IsEnabled)
	assert.False(t, server.HasCredentials)
	assert.Equal(t, "admin-id", server.AddedBy)

	_, err = manager.Add(ctx, org.ID, "github-mcp", "", "admin-id")
	var verr *bizerr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "server_id", verr.Field)

	_, err = manager.Add(ctx, org.ID, "Not A Server", "", "admin-id")
	require.ErrorAs(t, err, &verr)

	slack, err := manager.Add(ctx, org.ID, "slack-mcp", "", "admin-id")
	require.NoError(t, err)
	assert.Equal(t, "slack-mcp", slack.DisplayName)

	servers, err := manager.List(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "github-mcp", servers[0].ServerID)
	assert.Equal(t, "slack-mcp", servers[1].ServerID)

	require.NoError(t, manager.SetEnabled(ctx, org.ID, "slack-mcp", false))
	reloaded, err := manager.Get(ctx, org.ID, "slack-mcp")
	require.NoError(t, err)
	assert.False(t, reloaded.IsEnabled)

	err = manager.SetEnabled(ctx, org.ID, "notion-mcp", true)
	assert.ErrorIs(t, err, bizerr.ErrServerNotConfigured)

	other := dbtest.SeedOrg(t, gormDB)
	servers, err = manager.List(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestDeleteCascades(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewServerManager(gormDB)
	authority := bizpermission.NewPermissionAuthority(gormDB)
	ctx := context.Background()

	key, err := bizvault.GenerateKey()
	require.NoError(t, err)
	vault, err := bizvault.NewFromBase64(key)
	require.NoError(t, err)
	registry := bizprovider.NewRegistry(gormDB, vault, nil)

	org := dbtest.SeedOrg(t, gormDB)
	user := dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser)
	github := dbtest.SeedServer(t, gormDB, org.ID, "github-mcp")
	slack := dbtest.SeedServer(t, gormDB, org.ID, "slack-mcp")
	createIssue := dbtest.SeedTool(t, gormDB, github.ID, "create_issue", "issues")
	postMessage := dbtest.SeedTool(t, gormDB, slack.ID, "post_message", "messages")

	_, err = registry.Upsert(ctx, org.ID, "github-mcp", bizprovider.UpsertInput{
		ProviderName: "github",
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "https://gateway.example.com/api/oauth/github-mcp/callback",
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
	})
	require.NoError(t, err)

	require.NoError(t, authority.SetUserOverride(ctx, org.ID, user.ID, createIssue.ID, true))
	require.NoError(t, authority.SetOrgEnabled(ctx, org.ID, createIssue.ID, true))
	require.NoError(t, authority.SetUserOverride(ctx, org.ID, user.ID, postMessage.ID, false))

	sealed, err := vault.EncryptString("gho_access")
	require.NoError(t, err)
	now := time.Now()
	for _, serverID := range []string{github.ID, slack.ID} {
		require.NoError(t, gormDB.Create(&dbmodel.UserServerGrant{
			ID:                 dbmodel.NewID(),
			UserID:             user.ID,
			ConfiguredServerID: serverID,
			IsAuthorized:       true,
			AccessToken:        &sealed,
			AuthorizedAt:       &now,
			Version:            1,
		}).Error)
	}

	allowed, err := authority.EffectiveAccess(ctx, org.ID, user.ID, createIssue.ID)
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, manager.Delete(ctx, org.ID, "github-mcp"))

	allowed, err = authority.EffectiveAccess(ctx, org.ID, user.ID, createIssue.ID)
	require.NoError(t, err)
	assert.False(t, allowed)

	_, err = authority.Authorize(ctx, org.ID, user.ID, "github-mcp", "create_issue")
	assert.ErrorIs(t, err, bizerr.ErrPermissionDenied)

	var count int64
	gormDB.Model(&dbmodel.UserServerGrant{}).Where("configured_server_id = ?", github.ID).Count(&count)
	assert.Zero(t, count)
	gormDB.Model(&dbmodel.OAuthProviderConfig{}).Count(&count)
	assert.Zero(t, count)
	gormDB.Model(&dbmodel.OrgToolPermission{}).Where("tool_id = ?", createIssue.ID).Count(&count)
	assert.Zero(t, count)
	gormDB.Model(&dbmodel.UserToolOverride{}).Where("tool_id = ?", createIssue.ID).Count(&count)
	assert.Zero(t, count)

	_, err = registry.Resolve(ctx, org.ID, "github-mcp")
	assert.ErrorIs(t, err, bizerr.ErrProviderNotConfigured)

	// the other server is untouched
	gormDB.Model(&dbmodel.UserServerGrant{}).Where("configured_server_id = ?", slack.ID).Count(&count)
	assert.Equal(t, int64(1), count)
	gormDB.Model(&dbmodel.UserToolOverride{}).Where("tool_id = ?", postMessage.ID).Count(&count)
	assert.Equal(t, int64(1), count)

	err = manager.Delete(ctx, org.ID, "github-mcp")
	assert.ErrorIs(t, err, bizerr.ErrServerNotConfigured)
}

func TestSeedCatalog(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewServerManager(gormDB)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)

	_, err := manager.Add(ctx, org.ID, "github-mcp", "GitHub", "admin-id")
	require.NoError(t, err)

	require.NoError(t, manager.SeedCatalog(ctx, org.ID, "system"))
	require.NoError(t, manager.SeedCatalog(ctx, org.ID, "system"))

	servers, err := manager.List(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, servers, len(defaults.DEFAULT_SERVER_PROVIDERS))

	github, err := manager.Get(ctx, org.ID, "github-mcp")
	require.NoError(t, err)
	assert.Equal(t, "GitHub", github.DisplayName)
}
