package bizprovider

import (
	"fmt"
	"os"
	"strings"

	"github.com/kdjuwidja/aishoppercommon/osutil"
	"gopkg.in/yaml.v3"
	bizvault "netherealmstudio.com/toolbroker/biz/vault"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/defaults"
)

type DefaultEntry struct {
	ServerID         string                `yaml:"server_id"`
	ProviderName     string                `yaml:"provider_name"`
	ClientID         string                `yaml:"client_id"`
	ClientSecret     string                `yaml:"client_secret"`
	RedirectURI      string                `yaml:"redirect_uri"`
	AuthURL          string                `yaml:"auth_url"`
	TokenURL         string                `yaml:"token_url"`
	Scopes           []string              `yaml:"scopes"`
	AdditionalConfig []dbmodel.ConfigEntry `yaml:"additional_config"`
}

type defaultsFile struct {
	Providers []DefaultEntry `yaml:"providers"`
}

// EnvDefaults holds operator provided OAuth clients shared by every organization. Values come
// from an optional YAML file and are overridden per field by OAUTH_<SERVER>_* variables.
type EnvDefaults struct {
	entries       map[string]DefaultEntry
	publicBaseURL string
}

func LoadEnvDefaults(path string, publicBaseURL string) (*EnvDefaults, error) {
	if path == "" {
		return ParseEnvDefaults(nil, publicBaseURL)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider defaults file: %w", err)
	}
	return ParseEnvDefaults(data, publicBaseURL)
}

func ParseEnvDefaults(data []byte, publicBaseURL string) (*EnvDefaults, error) {
	d := &EnvDefaults{
		entries:       make(map[string]DefaultEntry),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
	if len(data) == 0 {
		return d, nil
	}

	var file defaultsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider defaults: %w", err)
	}
	for _, entry := range file.Providers {
		if entry.ServerID == "" {
			return nil, fmt.Errorf("provider defaults entry is missing server_id")
		}
		d.entries[entry.ServerID] = entry
	}
	return d, nil
}

// EnvPrefix returns the variable prefix for a server, e.g. github-mcp -> OAUTH_GITHUB_MCP_.
func EnvPrefix(serverID string) string {
	var b strings.Builder
	b.WriteString("OAUTH_")
	for _, r := range strings.ToUpper(serverID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	b.WriteRune('_')
	return b.String()
}

// Lookup returns the default client for a server when one is fully configured.
func (d *EnvDefaults) Lookup(serverID string) (*ProviderConfig, bool) {
	entry := d.entries[serverID]
	prefix := EnvPrefix(serverID)

	entry.ProviderName = osutil.GetEnvString(prefix+"PROVIDER", entry.ProviderName)
	entry.ClientID = osutil.GetEnvString(prefix+"CLIENT_ID", entry.ClientID)
	entry.ClientSecret = osutil.GetEnvString(prefix+"CLIENT_SECRET", entry.ClientSecret)
	entry.RedirectURI = osutil.GetEnvString(prefix+"REDIRECT_URI", entry.RedirectURI)
	entry.AuthURL = osutil.GetEnvString(prefix+"AUTH_URL", entry.AuthURL)
	entry.TokenURL = osutil.GetEnvString(prefix+"TOKEN_URL", entry.TokenURL)
	if scopes := osutil.GetEnvString(prefix+"SCOPES", ""); scopes != "" {
		entry.Scopes = strings.Fields(strings.ReplaceAll(scopes, ",", " "))
	}

	if entry.ClientID == "" || entry.ClientSecret == "" {
		return nil, false
	}

	if entry.ProviderName == "" {
		entry.ProviderName = providerNameFor(serverID)
	}
	if dialect, ok := defaults.DEFAULT_PROVIDER_DIALECTS[entry.ProviderName]; ok {
		if entry.AuthURL == "" {
			entry.AuthURL = dialect.AuthURL
		}
		if entry.TokenURL == "" {
			entry.TokenURL = dialect.TokenURL
		}
		if entry.Scopes == nil {
			entry.Scopes = dialect.Scopes
		}
	}
	if entry.RedirectURI == "" && d.publicBaseURL != "" {
		entry.RedirectURI = d.publicBaseURL + "/api/oauth/" + serverID + "/callback"
	}
	if entry.AuthURL == "" || entry.TokenURL == "" || entry.RedirectURI == "" {
		return nil, false
	}

	cfg := &ProviderConfig{
		ServerID:         serverID,
		ProviderName:     entry.ProviderName,
		ClientID:         entry.ClientID,
		ClientSecret:     bizvault.Secret(entry.ClientSecret),
		RedirectURI:      entry.RedirectURI,
		AuthURL:          entry.AuthURL,
		TokenURL:         entry.TokenURL,
		Scopes:           append([]string(nil), entry.Scopes...),
		AdditionalConfig: append([]dbmodel.ConfigEntry(nil), entry.AdditionalConfig...),
		Source:           SourceEnvironment,
	}
	cfg.applyCapabilities()
	return cfg, true
}
