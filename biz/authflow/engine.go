package bizauthflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	bizprovider "netherealmstudio.com/toolbroker/biz/provider"
	bizvault "netherealmstudio.com/toolbroker/biz/vault"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/statestore"
)

const (
	DefaultStateTTL    = 10 * time.Minute
	DefaultHTTPTimeout = 15 * time.Second
	expirySkew         = time.Minute
)

type ProviderResolver interface {
	Resolve(ctx context.Context, orgID string, serverID string) (*bizprovider.ProviderConfig, error)
}

type Options struct {
	StateTTL    time.Duration
	HTTPTimeout time.Duration
}

// Engine drives the authorization code flow for a user against a configured server and keeps
// the resulting grant usable.
type Engine struct {
	dbConn       *gorm.DB
	vault        *bizvault.Vault
	providers    ProviderResolver
	states       statestore.Store
	httpClient   *http.Client
	stateTTL     time.Duration
	refreshLimit time.Duration
	refreshGroup singleflight.Group
	now          func() time.Time
}

func NewEngine(dbConn *gorm.DB, vault *bizvault.Vault, providers ProviderResolver, states statestore.Store, opts Options) *Engine {
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = DefaultHTTPTimeout
	}
	return &Engine{
		dbConn:       dbConn,
		vault:        vault,
		providers:    providers,
		states:       states,
		httpClient:   &http.Client{Timeout: opts.HTTPTimeout},
		stateTTL:     opts.StateTTL,
		refreshLimit: 2 * opts.HTTPTimeout, // both withRetry attempts
		now:          time.Now,
	}
}

type AuthorizationRequest struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

type GrantStatus struct {
	ServerID       string     `json:"server_id"`
	DisplayName    string     `json:"display_name"`
	IsEnabled      bool       `json:"is_enabled"`
	HasCredentials bool       `json:"has_credentials"`
	IsAuthorized   bool       `json:"is_authorized"`
	AuthorizedAt   *time.Time `json:"authorized_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

func (e *Engine) BeginAuthorization(ctx context.Context, orgID string, userID string, serverID string) (*AuthorizationRequest, error) {
	if _, err := e.loadServer(ctx, orgID, serverID); err != nil {
		return nil, err
	}

	cfg, err := e.providers.Resolve(ctx, orgID, serverID)
	if err != nil {
		return nil, err
	}

	state, err := statestore.GenerateState()
	if err != nil {
		return nil, err
	}

	now := e.now()
	err = e.states.Save(ctx, state, statestore.StateInfo{
		OrgID:     orgID,
		UserID:    userID,
		ServerID:  serverID,
		CreatedAt: now,
	}, e.stateTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to store authorization state: %w", err)
	}

	logger.Debugf("authorization started for user %s on server %s", userID, serverID)
	return &AuthorizationRequest{
		AuthorizationURL: authCodeURL(cfg, state),
		State:            state,
		ExpiresAt:        now.Add(e.stateTTL),
	}, nil
}

// HandleCallback completes an authorization attempt. The state is consumed before anything
// else so a replayed callback always fails with ErrInvalidState.
func (e *Engine) HandleCallback(ctx context.Context, serverID string, params CallbackParams) (*GrantStatus, error) {
	if params.State == "" {
		return nil, bizerr.ErrInvalidState
	}

	info, err := e.states.Consume(ctx, params.State)
	if errors.Is(err, statestore.ErrStateNotFound) {
		return nil, bizerr.ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	if info.ServerID != serverID || info.Purpose != "" {
		logger.Errorf("authorization state issued for server %s presented to server %s", info.ServerID, serverID)
		return nil, bizerr.ErrInvalidState
	}

	if params.Error != "" {
		return nil, &bizerr.ProviderError{
			Code:        SanitizeProviderText(params.Error),
			Description: SanitizeProviderText(params.ErrorDescription),
		}
	}
	if params.Code == "" {
		return nil, &bizerr.ProviderError{Code: "invalid_request", Description: "authorization code missing from callback"}
	}

	server, err := e.loadServer(ctx, info.OrgID, serverID)
	if err != nil {
		return nil, err
	}

	cfg, err := e.providers.Resolve(ctx, info.OrgID, serverID)
	if err != nil {
		return nil, err
	}

	token, err := e.exchange(ctx, cfg, params.Code)
	if err != nil {
		logger.Errorf("code exchange failed for user %s on server %s: %v", info.UserID, serverID, err)
		return nil, err
	}

	grant, err := e.persistGrant(ctx, info.UserID, server.ID, cfg, token)
	if err != nil {
		return nil, err
	}

	logger.Infof("user %s authorized server %s", info.UserID, serverID)
	return toStatus(server, grant), nil
}

// AccessToken returns a usable provider access token, refreshing it first when it has expired.
func (e *Engine) AccessToken(ctx context.Context, orgID string, userID string, serverID string) (bizvault.Secret, error) {
	server, err := e.loadServer(ctx, orgID, serverID)
	if err != nil {
		return "", err
	}

	grant, err := e.loadAuthorizedGrant(ctx, userID, server.ID)
	if err != nil {
		return "", err
	}

	if grant.ExpiresAt != nil && !e.now().Add(expirySkew).Before(*grant.ExpiresAt) {
		if err := e.Refresh(ctx, orgID, userID, serverID); err != nil {
			return "", err
		}
		grant, err = e.loadAuthorizedGrant(ctx, userID, server.ID)
		if err != nil {
			return "", err
		}
	}

	return e.vault.DecryptString(*grant.AccessToken)
}

// Refresh renews the grant with its refresh token. A rejected refresh clears the grant and
// returns ErrReauthorizationRequired; a transient failure keeps it.
//
// Concurrent callers share one provider round trip. The shared work is detached from the
// caller that started it, so cancelling one caller only abandons that caller's wait.
func (e *Engine) Refresh(ctx context.Context, orgID string, userID string, serverID string) error {
	detached := context.WithoutCancel(ctx)
	result := e.refreshGroup.DoChan(orgID+":"+userID+":"+serverID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(detached, e.refreshLimit)
		defer cancel()
		return nil, e.refresh(refreshCtx, orgID, userID, serverID)
	})

	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) refresh(ctx context.Context, orgID string, userID string, serverID string) error {
	server, err := e.loadServer(ctx, orgID, serverID)
	if err != nil {
		return err
	}

	grant, err := e.loadAuthorizedGrant(ctx, userID, server.ID)
	if err != nil {
		return err
	}

	cfg, err := e.providers.Resolve(ctx, orgID, serverID)
	if err != nil {
		return err
	}
	if cfg.IsPermanent() {
		return nil
	}

	if grant.RefreshToken == nil {
		e.clearGrant(ctx, grant)
		return bizerr.ErrReauthorizationRequired
	}

	refreshToken, err := e.vault.DecryptString(*grant.RefreshToken)
	if err != nil {
		logger.Errorf("failed to decrypt refresh token for user %s on server %s: %v", userID, serverID, err)
		return err
	}

	token, err := e.withRetry(ctx, "token refresh", func() (*oauth2.Token, error) {
		source := oauthConfig(cfg).TokenSource(e.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken.Reveal()})
		return source.Token()
	})
	if err != nil {
		if pe, ok := bizerr.IsProviderError(err); ok && pe.Retryable {
			return err
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		logger.Infof("refresh rejected for user %s on server %s, clearing grant", userID, serverID)
		e.clearGrant(ctx, grant)
		return fmt.Errorf("%w: %w", bizerr.ErrReauthorizationRequired, err)
	}

	sealed, err := e.sealToken(cfg, token)
	if err != nil {
		return err
	}

	result := e.dbConn.WithContext(ctx).Model(&dbmodel.UserServerGrant{}).
		Where("id = ? AND version = ? AND is_authorized = ?", grant.ID, grant.Version, true).
		Updates(map[string]interface{}{
			"access_token":  sealed.accessToken,
			"refresh_token": sealed.refreshToken,
			"token_type":    sealed.tokenType,
			"expires_at":    sealed.expiresAt,
			"version":       grant.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Disconnected or renewed by someone else while the provider call was in flight.
		_, err := e.loadAuthorizedGrant(ctx, userID, server.ID)
		return err
	}

	logger.Debugf("refreshed grant for user %s on server %s", userID, serverID)
	return nil
}

// Disconnect clears the user's tokens for a server. It is a no-op when nothing is connected.
func (e *Engine) Disconnect(ctx context.Context, orgID string, userID string, serverID string) error {
	var server dbmodel.ConfiguredServer
	err := e.dbConn.WithContext(ctx).Where("org_id = ? AND server_id = ?", orgID, serverID).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	result := e.dbConn.WithContext(ctx).Model(&dbmodel.UserServerGrant{}).
		Where("user_id = ? AND configured_server_id = ? AND is_authorized = ?", userID, server.ID, true).
		Updates(clearedGrantColumns(e.now()))
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected > 0 {
		logger.Infof("user %s disconnected server %s", userID, serverID)
	}
	return nil
}

// Status lists every configured server of the organization with the user's grant state.
func (e *Engine) Status(ctx context.Context, orgID string, userID string) ([]GrantStatus, error) {
	var servers []dbmodel.ConfiguredServer
	if err := e.dbConn.WithContext(ctx).Where("org_id = ?", orgID).Order("server_id").Find(&servers).Error; err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(servers))
	for _, s := range servers {
		ids = append(ids, s.ID)
	}

	grants := make(map[string]*dbmodel.UserServerGrant)
	if len(ids) > 0 {
		var rows []dbmodel.UserServerGrant
		err := e.dbConn.WithContext(ctx).Where("user_id = ? AND configured_server_id IN ?", userID, ids).Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for i := range rows {
			grants[rows[i].ConfiguredServerID] = &rows[i]
		}
	}

	statuses := make([]GrantStatus, 0, len(servers))
	for i := range servers {
		statuses = append(statuses, *toStatus(&servers[i], grants[servers[i].ID]))
	}
	return statuses, nil
}

func (e *Engine) loadServer(ctx context.Context, orgID string, serverID string) (*dbmodel.ConfiguredServer, error) {
	var server dbmodel.ConfiguredServer
	err := e.dbConn.WithContext(ctx).Where("org_id = ? AND server_id = ?", orgID, serverID).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", bizerr.ErrServerNotConfigured, serverID)
	}
	if err != nil {
		return nil, err
	}
	if !server.IsEnabled {
		return nil, fmt.Errorf("%w: %s", bizerr.ErrServerDisabled, serverID)
	}
	return &server, nil
}

func (e *Engine) loadAuthorizedGrant(ctx context.Context, userID string, configuredServerID string) (*dbmodel.UserServerGrant, error) {
	var grant dbmodel.UserServerGrant
	err := e.dbConn.WithContext(ctx).Where("user_id = ? AND configured_server_id = ?", userID, configuredServerID).First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, bizerr.ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	if !grant.IsAuthorized || grant.AccessToken == nil {
		return nil, bizerr.ErrNotAuthorized
	}
	return &grant, nil
}

func (e *Engine) clearGrant(ctx context.Context, grant *dbmodel.UserServerGrant) {
	err := e.dbConn.WithContext(ctx).Model(&dbmodel.UserServerGrant{}).
		Where("id = ? AND version = ?", grant.ID, grant.Version).
		Updates(clearedGrantColumns(e.now())).Error
	if err != nil {
		logger.Errorf("failed to clear grant %s: %v", grant.ID, err)
	}
}

func clearedGrantColumns(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"is_authorized":   false,
		"access_token":    nil,
		"refresh_token":   nil,
		"expires_at":      nil,
		"disconnected_at": now,
		"version":         gorm.Expr("version + 1"),
	}
}

func toStatus(server *dbmodel.ConfiguredServer, grant *dbmodel.UserServerGrant) *GrantStatus {
	status := &GrantStatus{
		ServerID:       server.ServerID,
		DisplayName:    server.DisplayName,
		IsEnabled:      server.IsEnabled,
		HasCredentials: server.HasCredentials,
	}
	if grant != nil {
		status.IsAuthorized = grant.IsAuthorized
		status.AuthorizedAt = grant.AuthorizedAt
		status.ExpiresAt = grant.ExpiresAt
	}
	return status
}
