package bizprovider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	bizvault "netherealmstudio.com/toolbroker/biz/vault"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/defaults"
)

// Registry resolves the OAuth client for a server. An organization's stored configuration
// always takes precedence over environment defaults.
type Registry struct {
	dbConn      *gorm.DB
	vault       *bizvault.Vault
	envDefaults *EnvDefaults
}

func NewRegistry(dbConn *gorm.DB, vault *bizvault.Vault, envDefaults *EnvDefaults) *Registry {
	if envDefaults == nil {
		envDefaults, _ = ParseEnvDefaults(nil, "")
	}
	return &Registry{
		dbConn:      dbConn,
		vault:       vault,
		envDefaults: envDefaults,
	}
}

func (r *Registry) Resolve(ctx context.Context, orgID string, serverID string) (*ProviderConfig, error) {
	stored, err := r.findStored(ctx, orgID, serverID)
	if err != nil {
		return nil, err
	}

	if stored != nil {
		secret, err := r.vault.DecryptString(stored.ClientSecret)
		if err != nil {
			logger.Errorf("failed to decrypt client secret for server %s in org %s: %v", serverID, orgID, err)
			return nil, err
		}
		cfg := fromModel(serverID, stored)
		cfg.ClientSecret = secret
		return cfg, nil
	}

	if cfg, ok := r.envDefaults.Lookup(serverID); ok {
		return cfg, nil
	}

	return nil, fmt.Errorf("%w: %s", bizerr.ErrProviderNotConfigured, serverID)
}

// Get returns the admin view of the effective configuration without decrypting the secret.
func (r *Registry) Get(ctx context.Context, orgID string, serverID string) (*ProviderConfigView, error) {
	stored, err := r.findStored(ctx, orgID, serverID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return toView(serverID, stored), nil
	}

	if cfg, ok := r.envDefaults.Lookup(serverID); ok {
		return &ProviderConfigView{
			ServerID:         serverID,
			ProviderName:     cfg.ProviderName,
			ClientID:         cfg.ClientID,
			ClientSecretHint: bizvault.Hint(cfg.ClientSecret.Reveal()),
			RedirectURI:      cfg.RedirectURI,
			AuthURL:          cfg.AuthURL,
			TokenURL:         cfg.TokenURL,
			Scopes:           cfg.Scopes,
			AdditionalConfig: cfg.AdditionalConfig,
			Source:           SourceEnvironment,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", bizerr.ErrProviderNotConfigured, serverID)
}

// Upsert creates or replaces the organization's OAuth client for a configured server. An empty
// ClientSecret on update keeps the stored one.
func (r *Registry) Upsert(ctx context.Context, orgID string, serverID string, input UpsertInput) (*ProviderConfigView, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	var sealedSecret string
	if !input.ClientSecret.IsEmpty() {
		sealed, err := r.vault.EncryptString(input.ClientSecret.Reveal())
		if err != nil {
			return nil, err
		}
		sealedSecret = sealed
	}

	tx := r.dbConn.WithContext(ctx).Begin()

	var server dbmodel.ConfiguredServer
	err := dbmodel.ForUpdate(tx).Where("org_id = ? AND server_id = ?", orgID, serverID).First(&server).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", bizerr.ErrServerNotConfigured, serverID)
		}
		return nil, err
	}

	var cfg dbmodel.OAuthProviderConfig
	err = tx.Where("configured_server_id = ?", server.ID).First(&cfg).Error
	isCreate := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isCreate {
		tx.Rollback()
		return nil, err
	}

	if isCreate {
		if sealedSecret == "" {
			tx.Rollback()
			return nil, bizerr.NewValidationError("client_secret", "is required")
		}
		cfg.ID = dbmodel.NewID()
		cfg.ConfiguredServerID = server.ID
	}

	now := time.Now()
	cfg.ProviderName = strings.TrimSpace(input.ProviderName)
	if cfg.ProviderName == "" {
		cfg.ProviderName = providerNameFor(serverID)
	}
	cfg.ClientID = strings.TrimSpace(input.ClientID)
	cfg.RedirectURI = strings.TrimSpace(input.RedirectURI)
	cfg.AuthURL = strings.TrimSpace(input.AuthURL)
	cfg.TokenURL = strings.TrimSpace(input.TokenURL)
	cfg.Scopes = append([]string{}, input.Scopes...)
	cfg.AdditionalConfig = append([]dbmodel.ConfigEntry{}, input.AdditionalConfig...)
	if sealedSecret != "" {
		cfg.ClientSecret = sealedSecret
		cfg.ClientSecretHint = bizvault.Hint(input.ClientSecret.Reveal())
		cfg.SecretUpdatedAt = now
	}

	if isCreate {
		err = tx.Create(&cfg).Error
	} else {
		err = tx.Save(&cfg).Error
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	err = tx.Model(&dbmodel.ConfiguredServer{}).Where("id = ?", server.ID).Update("has_credentials", true).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	logger.Infof("OAuth provider config saved for server %s in org %s (created: %t)", serverID, orgID, isCreate)
	return toView(serverID, &cfg), nil
}

// Delete removes the organization's OAuth client. Environment defaults apply again afterwards.
func (r *Registry) Delete(ctx context.Context, orgID string, serverID string) error {
	tx := r.dbConn.WithContext(ctx).Begin()

	var server dbmodel.ConfiguredServer
	err := tx.Where("org_id = ? AND server_id = ?", orgID, serverID).First(&server).Error
	if err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", bizerr.ErrServerNotConfigured, serverID)
		}
		return err
	}

	if err := tx.Where("configured_server_id = ?", server.ID).Delete(&dbmodel.OAuthProviderConfig{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Model(&dbmodel.ConfiguredServer{}).Where("id = ?", server.ID).Update("has_credentials", false).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (r *Registry) findStored(ctx context.Context, orgID string, serverID string) (*dbmodel.OAuthProviderConfig, error) {
	var cfg dbmodel.OAuthProviderConfig
	err := r.dbConn.WithContext(ctx).
		Joins("JOIN configured_servers ON configured_servers.id = oauth_provider_configs.configured_server_id").
		Where("configured_servers.org_id = ? AND configured_servers.server_id = ?", orgID, serverID).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func fromModel(serverID string, m *dbmodel.OAuthProviderConfig) *ProviderConfig {
	cfg := &ProviderConfig{
		ServerID:         serverID,
		ProviderName:     m.ProviderName,
		ClientID:         m.ClientID,
		RedirectURI:      m.RedirectURI,
		AuthURL:          m.AuthURL,
		TokenURL:         m.TokenURL,
		Scopes:           append([]string{}, m.Scopes...),
		AdditionalConfig: append([]dbmodel.ConfigEntry{}, m.AdditionalConfig...),
		Source:           SourceDatabase,
	}
	cfg.applyCapabilities()
	return cfg
}

func toView(serverID string, m *dbmodel.OAuthProviderConfig) *ProviderConfigView {
	updatedAt := m.SecretUpdatedAt
	return &ProviderConfigView{
		ServerID:         serverID,
		ProviderName:     m.ProviderName,
		ClientID:         m.ClientID,
		ClientSecretHint: m.ClientSecretHint,
		SecretUpdatedAt:  &updatedAt,
		RedirectURI:      m.RedirectURI,
		AuthURL:          m.AuthURL,
		TokenURL:         m.TokenURL,
		Scopes:           append([]string{}, m.Scopes...),
		AdditionalConfig: append([]dbmodel.ConfigEntry{}, m.AdditionalConfig...),
		Source:           SourceDatabase,
	}
}

func validateInput(input UpsertInput) error {
	required := []struct {
		field string
		value string
	}{
		{"client_id", input.ClientID},
		{"auth_url", input.AuthURL},
		{"token_url", input.TokenURL},
		{"redirect_uri", input.RedirectURI},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return bizerr.NewValidationError(r.field, "is required")
		}
	}

	for _, r := range required[1:] {
		u, err := url.Parse(strings.TrimSpace(r.value))
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return bizerr.NewValidationError(r.field, "must be an absolute http(s) URL")
		}
	}

	for _, entry := range input.AdditionalConfig {
		if entry.Key == "" {
			return bizerr.NewValidationError("additional_config", "keys must not be empty")
		}
		switch entry.Key {
		case configKeyClientAuthMethod:
			if entry.Value != defaults.ClientAuthBasic && entry.Value != defaults.ClientAuthPost {
				return bizerr.NewValidationError(configKeyClientAuthMethod, "must be client_secret_basic or client_secret_post")
			}
		case configKeyTokenLifetime:
			if entry.Value != defaults.TokenLifetimePermanent && entry.Value != defaults.TokenLifetimeRefreshable {
				return bizerr.NewValidationError(configKeyTokenLifetime, "must be permanent or refreshable")
			}
		}
	}

	return nil
}
