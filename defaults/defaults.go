package defaults

import "github.com/kdjuwidja/aishoppercommon/osutil"

const (
	ClientAuthBasic = "client_secret_basic"
	ClientAuthPost  = "client_secret_post"

	TokenLifetimeRefreshable = "refreshable"
	TokenLifetimePermanent   = "permanent"
)

// ProviderDialect describes how an OAuth provider behaves where providers genuinely differ.
type ProviderDialect struct {
	AuthURL          string
	TokenURL         string
	Scopes           []string
	ClientAuthMethod string
	TokenLifetime    string
	ScopeSeparator   string
}

var DEFAULT_PROVIDER_DIALECTS = map[string]ProviderDialect{
	"github": {
		AuthURL:          "https://github.com/login/oauth/authorize",
		TokenURL:         "https://github.com/login/oauth/access_token",
		Scopes:           []string{"repo", "read:user", "read:org"},
		ClientAuthMethod: ClientAuthPost,
		TokenLifetime:    TokenLifetimePermanent,
		ScopeSeparator:   " ",
	},
	"google": {
		AuthURL:          "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:         "https://oauth2.googleapis.com/token",
		Scopes:           []string{"openid", "email"},
		ClientAuthMethod: ClientAuthPost,
		TokenLifetime:    TokenLifetimeRefreshable,
		ScopeSeparator:   " ",
	},
	"slack": {
		AuthURL:          "https://slack.com/oauth/v2/authorize",
		TokenURL:         "https://slack.com/api/oauth.v2.access",
		Scopes:           []string{"channels:read", "chat:write", "users:read"},
		ClientAuthMethod: ClientAuthPost,
		TokenLifetime:    TokenLifetimeRefreshable,
		ScopeSeparator:   ",",
	},
	"notion": {
		AuthURL:          "https://api.notion.com/v1/oauth/authorize",
		TokenURL:         "https://api.notion.com/v1/oauth/token",
		ClientAuthMethod: ClientAuthBasic,
		TokenLifetime:    TokenLifetimePermanent,
		ScopeSeparator:   " ",
	},
	"atlassian": {
		AuthURL:          "https://auth.atlassian.com/authorize",
		TokenURL:         "https://auth.atlassian.com/oauth/token",
		Scopes:           []string{"read:jira-work", "write:jira-work", "offline_access"},
		ClientAuthMethod: ClientAuthPost,
		TokenLifetime:    TokenLifetimeRefreshable,
		ScopeSeparator:   " ",
	},
}

// SignInDialect holds the endpoints used to sign users in with an identity provider.
type SignInDialect struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	EmailsURL   string
	Scopes      []string
}

var DEFAULT_SIGNIN_DIALECTS = map[string]SignInDialect{
	"github": {
		AuthURL:     "https://github.com/login/oauth/authorize",
		TokenURL:    "https://github.com/login/oauth/access_token",
		UserInfoURL: "https://api.github.com/user",
		EmailsURL:   "https://api.github.com/user/emails",
		Scopes:      []string{"read:user", "user:email"},
	},
	"google": {
		AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
		UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		Scopes:      []string{"openid", "email", "profile"},
	},
}

// DEFAULT_SERVER_PROVIDERS maps catalog server ids to the provider dialect they authenticate
// against.
var DEFAULT_SERVER_PROVIDERS = map[string]string{
	"github-mcp":       "github",
	"gmail-mcp":        "google",
	"google-drive-mcp": "google",
	"google-calendar":  "google",
	"slack-mcp":        "slack",
	"notion-mcp":       "notion",
	"jira-mcp":         "atlassian",
	"confluence-mcp":   "atlassian",
}

var DEFAULT_ORGANIZATION = map[string]string{
	"name": osutil.GetEnvString("DEFAULT_ORG_NAME", "Default Organization"),
}

var LOCAL_DEV_ADMIN_EMAIL = osutil.GetEnvString("DEFAULT_ADMIN_EMAIL", "admin@localhost.dev")
