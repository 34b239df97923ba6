package bizprovider

import (
	"strings"
	"time"

	bizvault "netherealmstudio.com/toolbroker/biz/vault"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/defaults"
)

const (
	SourceDatabase    = "database"
	SourceEnvironment = "environment"

	configKeyClientAuthMethod = "client_auth_method"
	configKeyTokenLifetime    = "token_lifetime"
	configKeyScopeSeparator   = "scope_separator"
	authorizeParamPrefix      = "authorize."
)

// ProviderConfig is a resolved OAuth client for one server. ClientSecret is decrypted and must
// not outlive the request that resolved it.
type ProviderConfig struct {
	ServerID         string
	ProviderName     string
	ClientID         string
	ClientSecret     bizvault.Secret
	RedirectURI      string
	AuthURL          string
	TokenURL         string
	Scopes           []string
	AdditionalConfig []dbmodel.ConfigEntry
	ClientAuthMethod string
	TokenLifetime    string
	ScopeSeparator   string
	Source           string
}

func (c *ProviderConfig) IsPermanent() bool {
	return c.TokenLifetime == defaults.TokenLifetimePermanent
}

func (c *ProviderConfig) UsesBasicAuth() bool {
	return c.ClientAuthMethod == defaults.ClientAuthBasic
}

func (c *ProviderConfig) ScopeParam() string {
	return strings.Join(c.Scopes, c.ScopeSeparator)
}

// AuthorizeParams returns additional_config entries prefixed with "authorize." with the prefix
// stripped.
func (c *ProviderConfig) AuthorizeParams() []dbmodel.ConfigEntry {
	params := make([]dbmodel.ConfigEntry, 0)
	for _, entry := range c.AdditionalConfig {
		if strings.HasPrefix(entry.Key, authorizeParamPrefix) {
			params = append(params, dbmodel.ConfigEntry{Key: strings.TrimPrefix(entry.Key, authorizeParamPrefix), Value: entry.Value})
		}
	}
	return params
}

// TokenParams returns the additional_config entries passed through to token requests.
func (c *ProviderConfig) TokenParams() []dbmodel.ConfigEntry {
	params := make([]dbmodel.ConfigEntry, 0)
	for _, entry := range c.AdditionalConfig {
		if isReservedKey(entry.Key) || strings.HasPrefix(entry.Key, authorizeParamPrefix) {
			continue
		}
		params = append(params, entry)
	}
	return params
}

func isReservedKey(key string) bool {
	return key == configKeyClientAuthMethod || key == configKeyTokenLifetime || key == configKeyScopeSeparator
}

// applyCapabilities fills the capability tags from additional_config, falling back to the
// provider dialect.
func (c *ProviderConfig) applyCapabilities() {
	dialect, ok := defaults.DEFAULT_PROVIDER_DIALECTS[c.ProviderName]
	if ok {
		c.ClientAuthMethod = dialect.ClientAuthMethod
		c.TokenLifetime = dialect.TokenLifetime
		c.ScopeSeparator = dialect.ScopeSeparator
	}

	for _, entry := range c.AdditionalConfig {
		switch entry.Key {
		case configKeyClientAuthMethod:
			c.ClientAuthMethod = entry.Value
		case configKeyTokenLifetime:
			c.TokenLifetime = entry.Value
		case configKeyScopeSeparator:
			c.ScopeSeparator = entry.Value
		}
	}

	if c.ClientAuthMethod == "" {
		c.ClientAuthMethod = defaults.ClientAuthPost
	}
	if c.TokenLifetime == "" {
		c.TokenLifetime = defaults.TokenLifetimeRefreshable
	}
	if c.ScopeSeparator == "" {
		c.ScopeSeparator = " "
	}
}

// ProviderConfigView is the read model returned to admins. It never carries the secret.
type ProviderConfigView struct {
	ServerID         string                `json:"server_id"`
	ProviderName     string                `json:"provider_name"`
	ClientID         string                `json:"client_id"`
	ClientSecretHint string                `json:"client_secret_hint"`
	SecretUpdatedAt  *time.Time            `json:"secret_updated_at"`
	RedirectURI      string                `json:"redirect_uri"`
	AuthURL          string                `json:"auth_url"`
	TokenURL         string                `json:"token_url"`
	Scopes           []string              `json:"scopes"`
	AdditionalConfig []dbmodel.ConfigEntry `json:"additional_config"`
	Source           string                `json:"source"`
}

type UpsertInput struct {
	ProviderName     string
	ClientID         string
	ClientSecret     bizvault.Secret
	RedirectURI      string
	AuthURL          string
	TokenURL         string
	Scopes           []string
	AdditionalConfig []dbmodel.ConfigEntry
}

func providerNameFor(serverID string) string {
	if name, ok := defaults.DEFAULT_SERVER_PROVIDERS[serverID]; ok {
		return name
	}
	return strings.TrimSuffix(serverID, "-mcp")
}
