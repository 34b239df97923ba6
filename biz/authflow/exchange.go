package bizauthflow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	bizprovider "netherealmstudio.com/toolbroker/biz/provider"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

const maxProviderTextLen = 256

func oauthConfig(cfg *bizprovider.ProviderConfig) *oauth2.Config {
	authStyle := oauth2.AuthStyleInParams
	if cfg.UsesBasicAuth() {
		authStyle = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret.Reveal(),
		RedirectURL:  cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: authStyle,
		},
	}
}

// authCodeURL sets the scope parameter itself because providers disagree on the separator.
func authCodeURL(cfg *bizprovider.ProviderConfig, state string) string {
	opts := make([]oauth2.AuthCodeOption, 0)
	if len(cfg.Scopes) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("scope", cfg.ScopeParam()))
	}
	for _, param := range cfg.AuthorizeParams() {
		opts = append(opts, oauth2.SetAuthURLParam(param.Key, param.Value))
	}
	return oauthConfig(cfg).AuthCodeURL(state, opts...)
}

func (e *Engine) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

func (e *Engine) exchange(ctx context.Context, cfg *bizprovider.ProviderConfig, code string) (*oauth2.Token, error) {
	opts := make([]oauth2.AuthCodeOption, 0)
	for _, param := range cfg.TokenParams() {
		opts = append(opts, oauth2.SetAuthURLParam(param.Key, param.Value))
	}

	conf := oauthConfig(cfg)
	return e.withRetry(ctx, "code exchange", func() (*oauth2.Token, error) {
		return conf.Exchange(e.clientContext(ctx), code, opts...)
	})
}

// withRetry calls the provider at most twice: the second attempt only follows a retryable
// failure. A cancelled context is returned as is.
func (e *Engine) withRetry(ctx context.Context, op string, call func() (*oauth2.Token, error)) (*oauth2.Token, error) {
	var lastErr *bizerr.ProviderError
	for attempt := 1; attempt <= 2; attempt++ {
		token, err := call()
		if err == nil {
			return token, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		lastErr = ClassifyProviderError(err)
		if !lastErr.Retryable || ctx.Err() != nil {
			break
		}
		if attempt == 1 {
			logger.Infof("%s failed with retryable error %s, retrying once", op, lastErr.Code)
		}
	}
	return nil, lastErr
}

// ClassifyProviderError turns a failed token request into the error reported to callers.
func ClassifyProviderError(err error) *bizerr.ProviderError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		code := SanitizeProviderText(retrieveErr.ErrorCode)
		if code == "" {
			code = "token_request_failed"
		}
		return &bizerr.ProviderError{
			Code:        code,
			Description: SanitizeProviderText(retrieveErr.ErrorDescription),
			StatusCode:  status,
			Retryable:   status >= 500 || status == 429,
			Err:         err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &bizerr.ProviderError{Code: "timeout", Description: "provider did not respond in time", Retryable: true, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &bizerr.ProviderError{Code: "timeout", Description: "provider did not respond in time", Retryable: true, Err: err}
		}
		return &bizerr.ProviderError{Code: "unreachable", Description: "provider token endpoint unreachable", Retryable: true, Err: err}
	}

	return &bizerr.ProviderError{Code: "invalid_response", Description: "provider returned an unusable token response", Err: err}
}

// SanitizeProviderText bounds provider supplied text before it is returned to callers or logged.
func SanitizeProviderText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if len(s) > maxProviderTextLen {
		s = s[:maxProviderTextLen]
	}
	return s
}

type sealedToken struct {
	accessToken  string
	refreshToken *string
	tokenType    string
	expiresAt    *time.Time
}

func (e *Engine) sealToken(cfg *bizprovider.ProviderConfig, token *oauth2.Token) (*sealedToken, error) {
	access, err := e.vault.EncryptString(token.AccessToken)
	if err != nil {
		return nil, err
	}

	sealed := &sealedToken{
		accessToken: access,
		tokenType:   token.TokenType,
	}

	if token.RefreshToken != "" {
		refresh, err := e.vault.EncryptString(token.RefreshToken)
		if err != nil {
			return nil, err
		}
		sealed.refreshToken = &refresh
	}

	if !cfg.IsPermanent() && !token.Expiry.IsZero() {
		expiry := token.Expiry
		sealed.expiresAt = &expiry
	}
	return sealed, nil
}

// persistGrant writes the whole grant in one statement. Tokens are sealed before the
// transaction starts so a vault failure writes nothing.
func (e *Engine) persistGrant(ctx context.Context, userID string, configuredServerID string, cfg *bizprovider.ProviderConfig, token *oauth2.Token) (*dbmodel.UserServerGrant, error) {
	sealed, err := e.sealToken(cfg, token)
	if err != nil {
		return nil, err
	}

	now := e.now()
	tx := e.dbConn.WithContext(ctx).Begin()

	var grant dbmodel.UserServerGrant
	err = dbmodel.ForUpdate(tx).Where("user_id = ? AND configured_server_id = ?", userID, configuredServerID).First(&grant).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		grant = dbmodel.UserServerGrant{
			ID:                 dbmodel.NewID(),
			UserID:             userID,
			ConfiguredServerID: configuredServerID,
			IsAuthorized:       true,
			AccessToken:        &sealed.accessToken,
			RefreshToken:       sealed.refreshToken,
			TokenType:          sealed.tokenType,
			ExpiresAt:          sealed.expiresAt,
			AuthorizedAt:       &now,
			Version:            1,
		}
		if err := tx.Create(&grant).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	} else {
		result := tx.Model(&dbmodel.UserServerGrant{}).
			Where("id = ? AND version = ?", grant.ID, grant.Version).
			Updates(map[string]interface{}{
				"is_authorized":   true,
				"access_token":    sealed.accessToken,
				"refresh_token":   sealed.refreshToken,
				"token_type":      sealed.tokenType,
				"expires_at":      sealed.expiresAt,
				"authorized_at":   now,
				"disconnected_at": nil,
				"version":         grant.Version + 1,
			})
		if result.Error != nil {
			tx.Rollback()
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			tx.Rollback()
			return nil, errors.New("grant was modified concurrently, retry the authorization")
		}

		grant.IsAuthorized = true
		grant.AccessToken = &sealed.accessToken
		grant.RefreshToken = sealed.refreshToken
		grant.TokenType = sealed.tokenType
		grant.ExpiresAt = sealed.expiresAt
		grant.AuthorizedAt = &now
		grant.DisconnectedAt = nil
		grant.Version++
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &grant, nil
}
