// Package bizsignin signs users in through an external OAuth identity provider. Accounts
// created here have no password and carry the provider's name as their auth provider.
package bizsignin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
	bizauthflow "netherealmstudio.com/toolbroker/biz/authflow"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/statestore"
)

const (
	statePurpose = "signin"

	DefaultStateTTL    = 10 * time.Minute
	DefaultHTTPTimeout = 15 * time.Second
)

// ProviderConfig is one identity provider users may sign in with. EmailsURL is only set for
// providers that keep verified addresses off the profile endpoint.
type ProviderConfig struct {
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

type Options struct {
	StateTTL    time.Duration
	HTTPTimeout time.Duration
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

// Profile is the identity the provider vouches for.
type Profile struct {
	Subject string
	Login   string
	Name    string
	Email   string
}

type SignInManager struct {
	dbConn     *gorm.DB
	states     statestore.Store
	providers  map[string]ProviderConfig
	httpClient *http.Client
	stateTTL   time.Duration
	now        func() time.Time
}

func NewSignInManager(dbConn *gorm.DB, states statestore.Store, providers []ProviderConfig, opts Options) *SignInManager {
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = DefaultHTTPTimeout
	}

	byName := make(map[string]ProviderConfig, len(providers))
	for _, p := range providers {
		if p.ClientID == "" || p.ClientSecret == "" {
			logger.Infof("sign-in provider %s has no client credentials, skipping", p.Name)
			continue
		}
		byName[p.Name] = p
	}

	return &SignInManager{
		dbConn:     dbConn,
		states:     states,
		providers:  byName,
		httpClient: &http.Client{Timeout: opts.HTTPTimeout},
		stateTTL:   opts.StateTTL,
		now:        time.Now,
	}
}

// Providers lists the names users can sign in with.
func (m *SignInManager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *SignInManager) provider(name string) (ProviderConfig, error) {
	cfg, ok := m.providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: sign-in provider %s", bizerr.ErrProviderNotConfigured, name)
	}
	return cfg, nil
}

func (m *SignInManager) Begin(ctx context.Context, providerName string) (*AuthorizationRequest, error) {
	cfg, err := m.provider(providerName)
	if err != nil {
		return nil, err
	}

	state, err := statestore.GenerateState()
	if err != nil {
		return nil, err
	}

	now := m.now()
	err = m.states.Save(ctx, state, statestore.StateInfo{
		ServerID:  providerName,
		Purpose:   statePurpose,
		CreatedAt: now,
	}, m.stateTTL)
	if err != nil {
		return nil, err
	}

	return &AuthorizationRequest{
		AuthorizationURL: oauthConfig(cfg).AuthCodeURL(state),
		State:            state,
		ExpiresAt:        now.Add(m.stateTTL),
	}, nil
}

// Complete finishes a sign-in. The account is matched by verified email; an unknown email gets
// a new user in the organization.
func (m *SignInManager) Complete(ctx context.Context, providerName string, params CallbackParams) (*dbmodel.User, error) {
	cfg, err := m.provider(providerName)
	if err != nil {
		return nil, err
	}

	info, err := m.states.Consume(ctx, params.State)
	if errors.Is(err, statestore.ErrStateNotFound) {
		return nil, bizerr.ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	if info.Purpose != statePurpose || info.ServerID != providerName {
		logger.Errorf("state issued for %s/%s presented to sign-in provider %s", info.Purpose, info.ServerID, providerName)
		return nil, bizerr.ErrInvalidState
	}

	if params.Error != "" {
		return nil, &bizerr.ProviderError{
			Code:        bizauthflow.SanitizeProviderText(params.Error),
			Description: bizauthflow.SanitizeProviderText(params.ErrorDescription),
		}
	}
	if params.Code == "" {
		return nil, bizerr.NewValidationError("code", "is required")
	}

	clientCtx := context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	conf := oauthConfig(cfg)
	token, err := conf.Exchange(clientCtx, params.Code)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, bizauthflow.ClassifyProviderError(err)
	}

	profile, err := fetchProfile(ctx, conf.Client(clientCtx, token), cfg)
	if err != nil {
		return nil, err
	}
	return m.linkUser(ctx, providerName, profile)
}

func (m *SignInManager) linkUser(ctx context.Context, providerName string, profile *Profile) (*dbmodel.User, error) {
	email := strings.ToLower(strings.TrimSpace(profile.Email))
	now := m.now()

	tx := m.dbConn.WithContext(ctx).Begin()

	var user dbmodel.User
	err := dbmodel.ForUpdate(tx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var org dbmodel.Organization
		if err := tx.Order("created_at").First(&org).Error; err != nil {
			tx.Rollback()
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: organization", bizerr.ErrNotFound)
			}
			return nil, err
		}

		user = dbmodel.User{
			ID:           dbmodel.NewID(),
			OrgID:        org.ID,
			Email:        email,
			Name:         displayName(profile),
			Role:         dbmodel.RoleUser,
			AuthProvider: providerName,
			IsActive:     true,
			LastLoginAt:  &now,
		}
		if err := tx.Create(&user).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		logger.Infof("created user %s from %s sign-in", user.ID, providerName)
		return &user, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if !user.IsActive {
		tx.Rollback()
		return nil, bizerr.ErrAccountDisabled
	}

	updates := map[string]interface{}{"last_login_at": now}
	if profile.Name != "" && profile.Name != user.Name {
		updates["name"] = profile.Name
		user.Name = profile.Name
	}
	if err := tx.Model(&dbmodel.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	user.LastLoginAt = &now
	logger.Infof("user %s signed in through %s", user.ID, providerName)
	return &user, nil
}

func displayName(profile *Profile) string {
	switch {
	case profile.Name != "":
		return profile.Name
	case profile.Login != "":
		return profile.Login
	}
	return profile.Email
}

func oauthConfig(cfg ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

type userInfo struct {
	ID            json.RawMessage `json:"id"`
	Sub           string          `json:"sub"`
	Login         string          `json:"login"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	EmailVerified *bool           `json:"email_verified"`
}

type emailEntry struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func fetchProfile(ctx context.Context, client *http.Client, cfg ProviderConfig) (*Profile, error) {
	var info userInfo
	if err := getJSON(ctx, client, cfg.UserInfoURL, &info); err != nil {
		return nil, err
	}

	profile := &Profile{
		Subject: info.Sub,
		Login:   info.Login,
		Name:    info.Name,
	}
	if profile.Subject == "" {
		// numeric on some providers, a string on others
		profile.Subject = strings.Trim(string(info.ID), `"`)
	}

	if cfg.EmailsURL != "" {
		var emails []emailEntry
		if err := getJSON(ctx, client, cfg.EmailsURL, &emails); err != nil {
			return nil, err
		}
		profile.Email = verifiedEmail(emails)
	} else if info.EmailVerified == nil || *info.EmailVerified {
		profile.Email = info.Email
	}

	if profile.Email == "" {
		return nil, bizerr.NewValidationError("email", "provider account has no verified email")
	}
	return profile, nil
}

// verifiedEmail prefers the primary verified address and falls back to any verified one.
func verifiedEmail(emails []emailEntry) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &bizerr.ProviderError{Code: "unreachable", Description: "identity provider unreachable", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &bizerr.ProviderError{
			Code:        "profile_request_failed",
			Description: fmt.Sprintf("profile endpoint answered %d", resp.StatusCode),
			StatusCode:  resp.StatusCode,
			Retryable:   resp.StatusCode >= 500,
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &bizerr.ProviderError{Code: "invalid_response", Description: "identity provider returned an unusable profile", Err: err}
	}
	return nil
}
