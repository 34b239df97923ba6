package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("IS_LOCAL_DEV", "")

	cfg := Load()
	assert.Equal(t, "9096", cfg.Port)
	assert.Equal(t, dbmodel.DriverMySQL, cfg.Database.Driver)
	assert.Equal(t, 5, cfg.LoginRateLimit)
	assert.Equal(t, time.Minute, cfg.LoginRateWindow)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Zero(t, cfg.MCPTokenTTL)
	assert.Equal(t, EditionCommunity, cfg.Edition)
	assert.Contains(t, cfg.CORS.Headers, "Authorization")
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Empty(t, cfg.SignInProviders)

	assert.Error(t, cfg.Validate(), "JWT_SECRET is required outside local dev")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("MCP_TOKEN_TTL_DAYS", "30")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_HOST", "cache")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, dbmodel.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 30*24*time.Hour, cfg.MCPTokenTTL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORS.Origins)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr())
}

func TestValidateLocalDevSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("IS_LOCAL_DEV", "true")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.JWTSecret)
}

func TestLoadSignInProviders(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "https://broker.example.com/")
	t.Setenv("LOGIN_OAUTH_PROVIDERS", "GitHub, corp")
	t.Setenv("LOGIN_OAUTH_GITHUB_CLIENT_ID", "gh-id")
	t.Setenv("LOGIN_OAUTH_GITHUB_CLIENT_SECRET", "gh-secret")
	t.Setenv("LOGIN_OAUTH_CORP_AUTH_URL", "https://sso.corp.example.com/authorize")
	t.Setenv("LOGIN_OAUTH_CORP_SCOPES", "openid,email")

	cfg := Load()
	require.Len(t, cfg.SignInProviders, 2)

	github := cfg.SignInProviders[0]
	assert.Equal(t, "github", github.Name)
	assert.Equal(t, "gh-id", github.ClientID)
	assert.Equal(t, "https://api.github.com/user/emails", github.EmailsURL)
	assert.Equal(t, []string{"read:user", "user:email"}, github.Scopes)
	assert.Equal(t, "https://broker.example.com/api/auth/oauth/github/callback", github.RedirectURL)

	corp := cfg.SignInProviders[1]
	assert.Equal(t, "https://sso.corp.example.com/authorize", corp.AuthURL)
	assert.Empty(t, corp.TokenURL)
	assert.Equal(t, []string{"openid", "email"}, corp.Scopes)
}
