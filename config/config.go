// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kdjuwidja/aishoppercommon/osutil"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/defaults"
)

const (
	EditionCommunity = "community"
)

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	User     string
	Password string
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type CORSConfig struct {
	Origins []string
	Methods []string
	Headers []string
}

// SignInProvider is an identity provider users may sign in with, resolved from
// LOGIN_OAUTH_<NAME>_* over the built-in dialect of the same name.
type SignInProvider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	EmailsURL    string
	Scopes       []string
	RedirectURL  string
}

type Config struct {
	Port        string
	LogLevel    string
	ServiceName string
	IsLocalDev  bool

	Database dbmodel.ConnectionConfig
	Redis    RedisConfig
	CORS     CORSConfig

	JWTSecret       string
	SessionTTL      time.Duration
	RefreshTokenTTL time.Duration
	SignInProviders []SignInProvider

	VaultKeySource string
	VaultKey       string

	Edition              string
	PublicBaseURL        string
	CompletionURL        string
	ProviderDefaultsFile string
	ProviderHTTPTimeout  time.Duration
	OAuthStateTTL        time.Duration

	MCPTokenTTL      time.Duration
	LoginRateLimit   int
	LoginRateWindow  time.Duration
	SweepInterval    time.Duration
	GatewaySyncEvery time.Duration
}

func Load() *Config {
	publicBaseURL := osutil.GetEnvString("PUBLIC_BASE_URL", "http://localhost:9096")
	return &Config{
		Port:        osutil.GetEnvString("PORT", "9096"),
		LogLevel:    osutil.GetEnvString("LOG_LEVEL", "info"),
		ServiceName: osutil.GetEnvString("SERVICE_NAME", "toolbroker"),
		IsLocalDev:  osutil.GetEnvString("IS_LOCAL_DEV", "false") == "true",

		Database: dbmodel.ConnectionConfig{
			Driver:       osutil.GetEnvString("DB_DRIVER", dbmodel.DriverMySQL),
			User:         osutil.GetEnvString("USER_DB_USER", "toolbroker_dev"),
			Password:     osutil.GetEnvString("USER_DB_PASSWORD", "password"),
			Host:         osutil.GetEnvString("USER_DB_HOST", "localhost"),
			Port:         osutil.GetEnvString("USER_DB_PORT", "3306"),
			Name:         osutil.GetEnvString("USER_DB_NAME", "toolbroker"),
			SSLMode:      osutil.GetEnvString("USER_DB_SSL_MODE", "disable"),
			MaxOpenConns: osutil.GetEnvInt("USER_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: osutil.GetEnvInt("USER_DB_MAX_IDLE_CONNS", 10),
		},
		Redis: RedisConfig{
			Enabled:  osutil.GetEnvBool("REDIS_ENABLED", false),
			Host:     osutil.GetEnvString("REDIS_HOST", "localhost"),
			Port:     osutil.GetEnvString("REDIS_PORT", "6379"),
			User:     osutil.GetEnvString("REDIS_USER", "default"),
			Password: osutil.GetEnvString("REDIS_PASSWORD", ""),
		},
		CORS: CORSConfig{
			Origins: splitList(osutil.GetEnvString("CORS_ORIGINS", "http://localhost:3000")),
			Methods: splitList(osutil.GetEnvString("CORS_METHODS", "GET,POST,PUT,DELETE,OPTIONS")),
			Headers: append(splitList(osutil.GetEnvString("CORS_HEADERS", "Origin,Content-Type,Accept,Authorization")), "Authorization", "Content-Type", "Mcp-Session-Id"),
		},

		JWTSecret:       osutil.GetEnvString("JWT_SECRET", ""),
		SessionTTL:      seconds("SESSION_TTL", 8*60*60),
		RefreshTokenTTL: time.Duration(osutil.GetEnvInt("REFRESH_TOKEN_TTL_DAYS", 7)) * 24 * time.Hour,
		SignInProviders: loadSignInProviders(publicBaseURL),

		VaultKeySource: osutil.GetEnvString("VAULT_KEY_SOURCE", "env"),
		VaultKey:       osutil.GetEnvString("VAULT_KEY", ""),

		Edition:              osutil.GetEnvString("EDITION", EditionCommunity),
		PublicBaseURL:        publicBaseURL,
		CompletionURL:        osutil.GetEnvString("OAUTH_COMPLETION_URL", ""),
		ProviderDefaultsFile: osutil.GetEnvString("PROVIDER_DEFAULTS_FILE", ""),
		ProviderHTTPTimeout:  seconds("PROVIDER_HTTP_TIMEOUT", 15),
		OAuthStateTTL:        seconds("OAUTH_STATE_TTL", 600),

		MCPTokenTTL:      time.Duration(osutil.GetEnvInt("MCP_TOKEN_TTL_DAYS", 0)) * 24 * time.Hour,
		LoginRateLimit:   osutil.GetEnvInt("LOGIN_RATE_LIMIT", 5),
		LoginRateWindow:  seconds("LOGIN_RATE_WINDOW", 60),
		SweepInterval:    seconds("SWEEP_INTERVAL_SECONDS", 300),
		GatewaySyncEvery: seconds("GATEWAY_SYNC_SECONDS", 30),
	}
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if !c.IsLocalDev {
			return fmt.Errorf("JWT_SECRET is required")
		}
		c.JWTSecret = "local-dev-secret"
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.LoginRateLimit <= 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	return nil
}

func loadSignInProviders(publicBaseURL string) []SignInProvider {
	providers := make([]SignInProvider, 0)
	for _, name := range splitList(osutil.GetEnvString("LOGIN_OAUTH_PROVIDERS", "")) {
		name = strings.ToLower(name)
		dialect := defaults.DEFAULT_SIGNIN_DIALECTS[name]
		prefix := "LOGIN_OAUTH_" + strings.ToUpper(name) + "_"

		scopes := dialect.Scopes
		if override := osutil.GetEnvString(prefix+"SCOPES", ""); override != "" {
			scopes = splitList(override)
		}

		providers = append(providers, SignInProvider{
			Name:         name,
			ClientID:     osutil.GetEnvString(prefix+"CLIENT_ID", ""),
			ClientSecret: osutil.GetEnvString(prefix+"CLIENT_SECRET", ""),
			AuthURL:      osutil.GetEnvString(prefix+"AUTH_URL", dialect.AuthURL),
			TokenURL:     osutil.GetEnvString(prefix+"TOKEN_URL", dialect.TokenURL),
			UserInfoURL:  osutil.GetEnvString(prefix+"USERINFO_URL", dialect.UserInfoURL),
			EmailsURL:    osutil.GetEnvString(prefix+"EMAILS_URL", dialect.EmailsURL),
			Scopes:       scopes,
			RedirectURL:  osutil.GetEnvString(prefix+"REDIRECT_URL", strings.TrimRight(publicBaseURL, "/")+"/api/auth/oauth/"+name+"/callback"),
		})
	}
	return providers
}

func seconds(key string, fallback int) time.Duration {
	return time.Duration(osutil.GetEnvInt(key, fallback)) * time.Second
}

func splitList(value string) []string {
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
