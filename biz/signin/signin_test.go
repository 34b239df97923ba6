package bizsignin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/db/dbtest"
	"netherealmstudio.com/toolbroker/statestore"
)

type fakeIdentityProvider struct {
	mu     sync.Mutex
	name   string
	emails []emailEntry
}

func (p *fakeIdentityProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_verification_code"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "gho_user", "token_type": "bearer"})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_user" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": 583231, "login": "octocat", "name": p.name})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		writeJSON(w, http.StatusOK, p.emails)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type signInEnv struct {
	manager  *SignInManager
	db       *gorm.DB
	provider *fakeIdentityProvider
	org      *dbmodel.Organization
}

func setupSignIn(t *testing.T) *signInEnv {
	gormDB := dbtest.Open(t)
	provider := &fakeIdentityProvider{
		name: "The Octocat",
		emails: []emailEntry{
			{Email: "old@example.com", Verified: true},
			{Email: "Octo@Example.com", Primary: true, Verified: true},
		},
	}
	srv := httptest.NewServer(provider.handler())
	t.Cleanup(srv.Close)

	manager := NewSignInManager(gormDB, statestore.NewStateStore(), []ProviderConfig{
		{
			Name:         "github",
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			AuthURL:      srv.URL + "/authorize",
			TokenURL:     srv.URL + "/token",
			UserInfoURL:  srv.URL + "/user",
			EmailsURL:    srv.URL + "/user/emails",
			Scopes:       []string{"read:user", "user:email"},
			RedirectURL:  "http://localhost:9096/api/auth/oauth/github/callback",
		},
		{Name: "google"},
	}, Options{HTTPTimeout: 2 * time.Second})

	return &signInEnv{
		manager:  manager,
		db:       gormDB,
		provider: provider,
		org:      dbtest.SeedOrg(t, gormDB),
	}
}

func (env *signInEnv) signIn(t *testing.T) (*dbmodel.User, error) {
	ctx := context.Background()
	req, err := env.manager.Begin(ctx, "github")
	require.NoError(t, err)
	return env.manager.Complete(ctx, "github", CallbackParams{Code: "good-code", State: req.State})
}

func TestSignInProviders(t *testing.T) {
	env := setupSignIn(t)
	assert.Equal(t, []string{"github"}, env.manager.Providers(), "providers without credentials are skipped")

	_, err := env.manager.Begin(context.Background(), "google")
	assert.ErrorIs(t, err, bizerr.ErrProviderNotConfigured)
}

func TestSignInBegin(t *testing.T) {
	env := setupSignIn(t)

	req, err := env.manager.Begin(context.Background(), "github")
	require.NoError(t, err)

	authURL, err := url.Parse(req.AuthorizationURL)
	require.NoError(t, err)
	query := authURL.Query()
	assert.Equal(t, "/authorize", authURL.Path)
	assert.Equal(t, "client-id", query.Get("client_id"))
	assert.Equal(t, req.State, query.Get("state"))
	assert.Equal(t, "read:user user:email", query.Get("scope"))
	assert.Equal(t, "http://localhost:9096/api/auth/oauth/github/callback", query.Get("redirect_uri"))
}

func TestSignInCreatesPasswordlessUser(t *testing.T) {
	env := setupSignIn(t)

	user, err := env.signIn(t)
	require.NoError(t, err)
	assert.Equal(t, "octo@example.com", user.Email)
	assert.Equal(t, "The Octocat", user.Name)
	assert.Equal(t, "github", user.AuthProvider)
	assert.Equal(t, dbmodel.RoleUser, user.Role)
	assert.Equal(t, env.org.ID, user.OrgID)
	assert.False(t, user.MustChangePassword)

	var stored dbmodel.User
	require.NoError(t, env.db.First(&stored, "id = ?", user.ID).Error)
	assert.Nil(t, stored.PasswordHash)
	assert.True(t, stored.IsActive)

	env.provider.mu.Lock()
	env.provider.name = "Mona"
	env.provider.mu.Unlock()

	again, err := env.signIn(t)
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID, "the same email signs into the same account")
	assert.Equal(t, "Mona", again.Name)
	assert.NotNil(t, again.LastLoginAt)
}

func TestSignInLinksExistingAccount(t *testing.T) {
	env := setupSignIn(t)
	existing := dbtest.SeedUser(t, env.db, env.org.ID, "octo@example.com", dbmodel.RoleAdmin)

	user, err := env.signIn(t)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID)
	assert.Equal(t, dbmodel.RoleAdmin, user.Role)
	assert.Equal(t, dbmodel.AuthProviderAdmin, user.AuthProvider)

	require.NoError(t, env.db.Model(&dbmodel.User{}).Where("id = ?", existing.ID).Update("is_active", false).Error)
	_, err = env.signIn(t)
	assert.ErrorIs(t, err, bizerr.ErrAccountDisabled)
}

func TestSignInFailures(t *testing.T) {
	env := setupSignIn(t)
	ctx := context.Background()

	t.Run("unknown state", func(t *testing.T) {
		_, err := env.manager.Complete(ctx, "github", CallbackParams{Code: "good-code", State: "forged"})
		assert.ErrorIs(t, err, bizerr.ErrInvalidState)
	})

	t.Run("state replay", func(t *testing.T) {
		req, err := env.manager.Begin(ctx, "github")
		require.NoError(t, err)
		_, err = env.manager.Complete(ctx, "github", CallbackParams{Code: "good-code", State: req.State})
		require.NoError(t, err)
		_, err = env.manager.Complete(ctx, "github", CallbackParams{Code: "good-code", State: req.State})
		assert.ErrorIs(t, err, bizerr.ErrInvalidState)
	})

	t.Run("server authorization state", func(t *testing.T) {
		states := env.manager.states
		require.NoError(t, states.Save(ctx, "server-state", statestore.StateInfo{UserID: "u", ServerID: "github"}, time.Minute))
		_, err := env.manager.Complete(ctx, "github", CallbackParams{Code: "good-code", State: "server-state"})
		assert.ErrorIs(t, err, bizerr.ErrInvalidState)
	})

	t.Run("provider denied", func(t *testing.T) {
		req, err := env.manager.Begin(ctx, "github")
		require.NoError(t, err)
		_, err = env.manager.Complete(ctx, "github", CallbackParams{State: req.State, Error: "access_denied", ErrorDescription: "user said no"})
		pe, ok := bizerr.IsProviderError(err)
		require.True(t, ok)
		assert.Equal(t, "access_denied", pe.Code)
	})

	t.Run("bad code", func(t *testing.T) {
		req, err := env.manager.Begin(ctx, "github")
		require.NoError(t, err)
		_, err = env.manager.Complete(ctx, "github", CallbackParams{Code: "stale-code", State: req.State})
		pe, ok := bizerr.IsProviderError(err)
		require.True(t, ok)
		assert.Equal(t, "bad_verification_code", pe.Code)
	})

	t.Run("no verified email", func(t *testing.T) {
		env.provider.mu.Lock()
		env.provider.emails = []emailEntry{{Email: "unverified@example.com", Primary: true}}
		env.provider.mu.Unlock()

		_, err := env.signIn(t)
		var verr *bizerr.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "email", verr.Field)
	})
}

func TestVerifiedEmail(t *testing.T) {
	testCases := []struct {
		name     string
		emails   []emailEntry
		expected string
	}{
		{"primary verified wins", []emailEntry{{Email: "a@x.com", Verified: true}, {Email: "b@x.com", Primary: true, Verified: true}}, "b@x.com"},
		{"falls back to any verified", []emailEntry{{Email: "a@x.com", Primary: true}, {Email: "b@x.com", Verified: true}}, "b@x.com"},
		{"none verified", []emailEntry{{Email: "a@x.com", Primary: true}}, ""},
		{"empty", nil, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, verifiedEmail(tc.emails))
		})
	}
}
