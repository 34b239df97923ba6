package bizmcpserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	"netherealmstudio.com/toolbroker/db/dbtest"
)

func TestRegisterTools(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewServerManager(gormDB)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	dbtest.SeedServer(t, gormDB, org.ID, "github-mcp")

	tools, err := manager.RegisterTools(ctx, org.ID, "github-mcp", []ToolDefinition{
		{Name: "create_issue", Category: "issues"},
		{Name: "delete_repo", Category: "repos", IsDangerous: true},
	})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "create_issue", tools[0].DisplayName)
	firstID := tools[0].ID

	tools, err = manager.RegisterTools(ctx, org.ID, "github-mcp", []ToolDefinition{
		{Name: "create_issue", DisplayName: "Create issue", Description: "Opens an issue", Category: "issues"},
	})
	require.NoError(t, err)
	assert.Equal(t, firstID, tools[0].ID, "rediscovery keeps the tool id")

	listed, err := manager.ListTools(ctx, org.ID, "github-mcp")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "Create issue", listed[0].DisplayName)
	assert.Equal(t, "Opens an issue", listed[0].Description)
	assert.True(t, listed[1].IsDangerous)
}

func TestRegisterToolsRejected(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewServerManager(gormDB)
	ctx := context.Background()
	org := dbtest.SeedOrg(t, gormDB)
	dbtest.SeedServer(t, gormDB, org.ID, "github-mcp")

	_, err := manager.RegisterTools(ctx, org.ID, "slack-mcp", []ToolDefinition{{Name: "post_message"}})
	assert.ErrorIs(t, err, bizerr.ErrServerNotConfigured)

	_, err = manager.RegisterTools(ctx, org.ID, "github-mcp", []ToolDefinition{{Name: "ok"}, {Name: " "}})
	var verr *bizerr.ValidationError
	require.ErrorAs(t, err, &verr)

	listed, err := manager.ListTools(ctx, org.ID, "github-mcp")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestCatalogToolsDeduplicatesAcrossOrgs(t *testing.T) {
	gormDB := dbtest.Open(t)
	manager := NewServerManager(gormDB)
	acme := dbtest.SeedOrg(t, gormDB)
	globex := dbtest.SeedOrg(t, gormDB)
	dbtest.SeedTool(t, gormDB, dbtest.SeedServer(t, gormDB, acme.ID, "github-mcp").ID, "create_issue", "issues")
	dbtest.SeedTool(t, gormDB, dbtest.SeedServer(t, gormDB, globex.ID, "github-mcp").ID, "create_issue", "issues")
	dbtest.SeedTool(t, gormDB, dbtest.SeedServer(t, gormDB, globex.ID, "slack-mcp").ID, "post_message", "messages")

	tools, err := manager.CatalogTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "github-mcp", tools[0].ServerID)
	assert.Equal(t, "create_issue", tools[0].Name)
	assert.Equal(t, "slack-mcp", tools[1].ServerID)
}
