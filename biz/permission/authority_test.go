package bizpermission

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/db/dbtest"
)

type fixture struct {
	db        *gorm.DB
	authority *PermissionAuthority
	org       *dbmodel.Organization
	user      *dbmodel.User
	server    *dbmodel.ConfiguredServer
	create    *dbmodel.Tool
	list      *dbmodel.Tool
	merge     *dbmodel.Tool
}

func setupFixture(t *testing.T) *fixture {
	gormDB := dbtest.Open(t)
	org := dbtest.SeedOrg(t, gormDB)
	server := dbtest.SeedServer(t, gormDB, org.ID, "github-mcp")
	return &fixture{
		db:        gormDB,
		authority: NewPermissionAuthority(gormDB),
		org:       org,
		user:      dbtest.SeedUser(t, gormDB, org.ID, "dev@example.com", dbmodel.RoleUser),
		server:    server,
		create:    dbtest.SeedTool(t, gormDB, server.ID, "create_issue", "issues"),
		list:      dbtest.SeedTool(t, gormDB, server.ID, "list_issues", "issues"),
		merge:     dbtest.SeedTool(t, gormDB, server.ID, "merge_pull_request", "pull requests"),
	}
}

func (f *fixture) effective(t *testing.T, toolID string) bool {
	allowed, err := f.authority.EffectiveAccess(context.Background(), f.org.ID, f.user.ID, toolID)
	require.NoError(t, err)
	return allowed
}

func TestOverrideEffective(t *testing.T) {
	testCases := []struct {
		override   Override
		orgEnabled bool
		expected   bool
	}{
		{override: Inherit, orgEnabled: true, expected: true},
		{override: ForceEnabled, orgEnabled: true, expected: true},
		{override: ForceDisabled, orgEnabled: true, expected: false},
		{override: Inherit, orgEnabled: false, expected: false},
		{override: ForceEnabled, orgEnabled: false, expected: false},
		{override: ForceDisabled, orgEnabled: false, expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.override.String(), func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.override.Effective(tc.orgEnabled))
		})
	}

	payload, err := json.Marshal(struct {
		Override Override `json:"override"`
	}{Inherit})
	require.NoError(t, err)
	assert.JSONEq(t, `{"override":"none"}`, string(payload))
}

func TestParseOverride(t *testing.T) {
	testCases := []struct {
		input    string
		expected Override
	}{
		{"enabled", ForceEnabled},
		{"disabled", ForceDisabled},
		{"inherit", Inherit},
		{"none", Inherit},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			override, err := ParseOverride(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, override)
		})
	}

	_, err := ParseOverride("sometimes")
	var ve *bizerr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "override", ve.Field)
}

func TestEffectiveAccessDefaults(t *testing.T) {
	f := setupFixture(t)

	assert.True(t, f.effective(t, f.create.ID), "no org row and no override inherits enabled")

	decision, err := f.authority.Decide(context.Background(), f.org.ID, f.user.ID, f.create.ID)
	require.NoError(t, err)
	assert.True(t, decision.OrgEnabled)
	assert.Equal(t, Inherit, decision.Override)
	assert.True(t, decision.ServerAvailable)

	_, err = f.authority.EffectiveAccess(context.Background(), f.org.ID, f.user.ID, "missing-tool")
	assert.ErrorIs(t, err, bizerr.ErrNotFound)

	other := dbtest.SeedOrg(t, f.db)
	_, err = f.authority.EffectiveAccess(context.Background(), other.ID, f.user.ID, f.create.ID)
	assert.ErrorIs(t, err, bizerr.ErrNotFound)
}

func TestOrgDisabledIsACeiling(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	require.NoError(t, f.authority.SetUserOverride(ctx, f.org.ID, f.user.ID, f.create.ID, true))
	assert.True(t, f.effective(t, f.create.ID))

	require.NoError(t, f.authority.SetOrgEnabled(ctx, f.org.ID, f.create.ID, false))
	assert.False(t, f.effective(t, f.create.ID))

	decision, err := f.authority.Decide(ctx, f.org.ID, f.user.ID, f.create.ID)
	require.NoError(t, err)
	assert.False(t, decision.OrgEnabled)
	assert.Equal(t, ForceEnabled, decision.Override)
	assert.False(t, decision.Effective)

	require.NoError(t, f.authority.SetOrgEnabled(ctx, f.org.ID, f.create.ID, true))
	assert.True(t, f.effective(t, f.create.ID))
}

func TestClearOverrideRevertsToOrgDefault(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	require.NoError(t, f.authority.SetUserOverride(ctx, f.org.ID, f.user.ID, f.list.ID, false))
	assert.False(t, f.effective(t, f.list.ID))

	require.NoError(t, f.authority.ClearUserOverride(ctx, f.org.ID, f.user.ID, f.list.ID))
	assert.True(t, f.effective(t, f.list.ID))
	require.NoError(t, f.authority.ClearUserOverride(ctx, f.org.ID, f.user.ID, f.list.ID))

	require.NoError(t, f.authority.SetOrgEnabled(ctx, f.org.ID, f.merge.ID, false))
	require.NoError(t, f.authority.SetUserOverride(ctx, f.org.ID, f.user.ID, f.merge.ID, true))
	require.NoError(t, f.authority.SetUserOverride(ctx, f.org.ID, f.user.ID, f.create.ID, false))
	require.NoError(t, f.authority.ClearAllUserOverrides(ctx, f.org.ID, f.user.ID))

	assert.False(t, f.effective(t, f.merge.ID))
	assert.True(t, f.effective(t, f.create.ID))

	var count int64
	f.db.Model(&dbmodel.UserToolOverride{}).Where("user_id = ?", f.user.ID).Count(&count)
	assert.Zero(t, count)
}

func TestSetUserOverrideScopedToOrg(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	other := dbtest.SeedOrg(t, f.db)
	outsider := dbtest.SeedUser(t, f.db, other.ID, "outsider@example.com", dbmodel.RoleUser)

	err := f.authority.SetUserOverride(ctx, f.org.ID, outsider.ID, f.create.ID, true)
	assert.ErrorIs(t, err, bizerr.ErrNotFound)

	err = f.authority.SetOrgEnabled(ctx, other.ID, f.create.ID, false)
	assert.ErrorIs(t, err, bizerr.ErrNotFound)
	assert.True(t, f.effective(t, f.create.ID))
}

func TestBulkSetEnabledIsAllOrNothing(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	foreignServer := dbtest.SeedServer(t, f.db, f.org.ID, "slack-mcp")
	foreign := dbtest.SeedTool(t, f.db, foreignServer.ID, "post_message", "messages")

	err := f.authority.BulkSetEnabled(ctx, f.org.ID, "github-mcp", []ToolFlag{
		{ToolID: f.create.ID, Enabled: false},
		{ToolID: foreign.ID, Enabled: false},
	})
	var verr *bizerr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tool_id", verr.Field)
	assert.True(t, f.effective(t, f.create.ID), "first flag rolled back")

	var count int64
	f.db.Model(&dbmodel.OrgToolPermission{}).Count(&count)
	assert.Zero(t, count)

	err = f.authority.BulkSetEnabled(ctx, f.org.ID, "unknown-mcp", []ToolFlag{{ToolID: f.create.ID}})
	assert.ErrorIs(t, err, bizerr.ErrServerNotConfigured)

	require.NoError(t, f.authority.BulkSetEnabled(ctx, f.org.ID, "github-mcp", []ToolFlag{
		{ToolID: f.create.ID, Enabled: false},
		{ToolID: f.list.ID, Enabled: true},
		{ToolID: f.merge.ID, Enabled: false},
	}))
	assert.False(t, f.effective(t, f.create.ID))
	assert.True(t, f.effective(t, f.list.ID))
	assert.False(t, f.effective(t, f.merge.ID))
}

func TestUserPermissionsGroupedByCategory(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	require.NoError(t, f.authority.SetOrgEnabled(ctx, f.org.ID, f.merge.ID, false))
	require.NoError(t, f.authority.SetUserOverride(ctx, f.org.ID, f.user.ID, f.list.ID, false))
	require.NoError(t, f.authority.SetUserOverride(ctx, f.org.ID, f.user.ID, f.merge.ID, true))

	categories, err := f.authority.UserPermissions(ctx, f.org.ID, f.user.ID)
	require.NoError(t, err)
	require.Len(t, categories, 2)

	assert.Equal(t, "issues", categories[0].Category)
	require.Len(t, categories[0].Tools, 2)
	createIssue := categories[0].Tools[0]
	assert.Equal(t, "create_issue", createIssue.Name)
	assert.Equal(t, "github-mcp", createIssue.ServerID)
	assert.True(t, createIssue.OrgEnabled)
	assert.Equal(t, Inherit, createIssue.Override)
	assert.True(t, createIssue.Effective)

	listIssues := categories[0].Tools[1]
	assert.True(t, listIssues.OrgEnabled)
	assert.Equal(t, ForceDisabled, listIssues.Override)
	assert.False(t, listIssues.Effective)

	assert.Equal(t, "pull requests", categories[1].Category)
	mergePR := categories[1].Tools[0]
	assert.False(t, mergePR.OrgEnabled)
	assert.Equal(t, ForceEnabled, mergePR.Override)
	assert.False(t, mergePR.Effective)

	enabled, err := f.authority.EnabledTools(ctx, f.org.ID, f.user.ID)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "create_issue", enabled[0].Name)
}

func TestAuthorize(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	tool, err := f.authority.Authorize(ctx, f.org.ID, f.user.ID, "github-mcp", "create_issue")
	require.NoError(t, err)
	assert.Equal(t, f.create.ID, tool.ID)

	require.NoError(t, f.authority.SetUserOverride(ctx, f.org.ID, f.user.ID, f.create.ID, false))
	_, err = f.authority.Authorize(ctx, f.org.ID, f.user.ID, "github-mcp", "create_issue")
	assert.ErrorIs(t, err, bizerr.ErrPermissionDenied)

	_, err = f.authority.Authorize(ctx, f.org.ID, f.user.ID, "github-mcp", "delete_repo")
	assert.ErrorIs(t, err, bizerr.ErrPermissionDenied)

	require.NoError(t, f.db.Model(&dbmodel.ConfiguredServer{}).Where("id = ?", f.server.ID).Update("is_enabled", false).Error)
	_, err = f.authority.Authorize(ctx, f.org.ID, f.user.ID, "github-mcp", "list_issues")
	assert.ErrorIs(t, err, bizerr.ErrPermissionDenied)
}

func TestToolsOfRemovedServerAreDenied(t *testing.T) {
	f := setupFixture(t)
	require.NoError(t, f.db.Delete(&dbmodel.ConfiguredServer{}, "id = ?", f.server.ID).Error)

	assert.False(t, f.effective(t, f.create.ID))
	categories, err := f.authority.UserPermissions(context.Background(), f.org.ID, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, categories)
}
