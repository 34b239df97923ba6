// Package broker wires the credential broker services together from configuration.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kdjuwidja/aishoppercommon/logger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/apiHandlers"
	apiHandlersaccount "netherealmstudio.com/toolbroker/apiHandlers/account"
	apiHandlersadmin "netherealmstudio.com/toolbroker/apiHandlers/admin"
	apiHandlersauth "netherealmstudio.com/toolbroker/apiHandlers/auth"
	apiHandlersdev "netherealmstudio.com/toolbroker/apiHandlers/dev"
	apiHandlersenterprise "netherealmstudio.com/toolbroker/apiHandlers/enterprise"
	apiHandlersmcptoken "netherealmstudio.com/toolbroker/apiHandlers/mcptoken"
	apiHandlersoauth "netherealmstudio.com/toolbroker/apiHandlers/oauth"
	apiHandlersrouter "netherealmstudio.com/toolbroker/apiHandlers/router"
	bizaccount "netherealmstudio.com/toolbroker/biz/account"
	bizauthflow "netherealmstudio.com/toolbroker/biz/authflow"
	bizmcpserver "netherealmstudio.com/toolbroker/biz/mcpserver"
	bizmcptoken "netherealmstudio.com/toolbroker/biz/mcptoken"
	bizpermission "netherealmstudio.com/toolbroker/biz/permission"
	bizprovider "netherealmstudio.com/toolbroker/biz/provider"
	bizsignin "netherealmstudio.com/toolbroker/biz/signin"
	bizvault "netherealmstudio.com/toolbroker/biz/vault"
	"netherealmstudio.com/toolbroker/config"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/defaults"
	"netherealmstudio.com/toolbroker/gateway"
	"netherealmstudio.com/toolbroker/ratelimit"
	"netherealmstudio.com/toolbroker/statestore"
	"netherealmstudio.com/toolbroker/token"
)

type Broker struct {
	cfg *config.Config

	DB        *gorm.DB
	Vault     *bizvault.Vault
	Accounts  *bizaccount.AccountManager
	Sessions  *token.SessionIssuer
	Refresh   *token.RefreshTokenManager
	SignIn    *bizsignin.SignInManager
	Registry  *bizprovider.Registry
	Engine    *bizauthflow.Engine
	Authority *bizpermission.PermissionAuthority
	Servers   *bizmcpserver.ServerManager
	Tokens    *bizmcptoken.TokenManager
	Gateway   *gateway.Gateway

	states       statestore.Store
	loginLimiter ratelimit.Limiter
	redisClient  *redis.Client
}

// InitializeBroker builds every service on top of an open, migrated database. The vault key is
// required; only local dev falls back to a throwaway key.
func InitializeBroker(dbConn *gorm.DB, cfg *config.Config) (*Broker, error) {
	vault, err := loadVault(cfg)
	if err != nil {
		return nil, err
	}

	envDefaults, err := bizprovider.LoadEnvDefaults(cfg.ProviderDefaultsFile, cfg.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:   cfg,
		DB:    dbConn,
		Vault: vault,
	}

	if cfg.Redis.Enabled {
		b.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Username: cfg.Redis.User,
			Password: cfg.Redis.Password,
		})
		if err := b.redisClient.Ping(context.Background()).Err(); err != nil {
			b.redisClient.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr(), err)
		}
		b.states = statestore.NewRedisStateStore(b.redisClient)
		b.loginLimiter = ratelimit.NewRedisLimiter(b.redisClient, "login", cfg.LoginRateLimit, cfg.LoginRateWindow)
		logger.Infof("Using redis at %s for OAuth state and rate limits", cfg.Redis.Addr())
	} else {
		b.states = statestore.NewStateStore()
		b.loginLimiter = ratelimit.NewMemoryLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow)
		logger.Info("Redis disabled, OAuth state and rate limits are kept in memory")
	}

	b.Accounts = bizaccount.NewAccountManager(dbConn, bizaccount.LogNotifier{})
	b.Sessions = token.NewSessionIssuer([]byte(cfg.JWTSecret), cfg.SessionTTL)
	b.Refresh = token.NewRefreshTokenManager(dbConn, cfg.RefreshTokenTTL)
	b.SignIn = bizsignin.NewSignInManager(dbConn, b.states, signInProviders(cfg), bizsignin.Options{
		StateTTL:    cfg.OAuthStateTTL,
		HTTPTimeout: cfg.ProviderHTTPTimeout,
	})
	b.Registry = bizprovider.NewRegistry(dbConn, vault, envDefaults)
	b.Engine = bizauthflow.NewEngine(dbConn, vault, b.Registry, b.states, bizauthflow.Options{
		StateTTL:    cfg.OAuthStateTTL,
		HTTPTimeout: cfg.ProviderHTTPTimeout,
	})
	b.Authority = bizpermission.NewPermissionAuthority(dbConn)
	b.Servers = bizmcpserver.NewServerManager(dbConn)
	b.Tokens = bizmcptoken.NewTokenManager(dbConn, cfg.MCPTokenTTL)
	b.Gateway = gateway.NewGateway(b.Tokens, b.Accounts, b.Authority, b.Engine, b.Servers,
		gateway.UnavailableDispatcher{}, apiHandlers.Initialize(), gateway.Options{SyncInterval: cfg.GatewaySyncEvery})

	if cfg.IsLocalDev {
		logger.Info("Seeding local dev data...")
		if err := b.seedLocalDev(context.Background()); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to seed local dev data: %w", err)
		}
	}

	return b, nil
}

func signInProviders(cfg *config.Config) []bizsignin.ProviderConfig {
	providers := make([]bizsignin.ProviderConfig, 0, len(cfg.SignInProviders))
	for _, p := range cfg.SignInProviders {
		providers = append(providers, bizsignin.ProviderConfig{
			Name:         p.Name,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			UserInfoURL:  p.UserInfoURL,
			EmailsURL:    p.EmailsURL,
			Scopes:       p.Scopes,
			RedirectURL:  p.RedirectURL,
		})
	}
	return providers
}

func loadVault(cfg *config.Config) (*bizvault.Vault, error) {
	if cfg.IsLocalDev && cfg.VaultKey == "" && cfg.VaultKeySource == bizvault.KeySourceEnv {
		key, err := bizvault.GenerateKey()
		if err != nil {
			return nil, err
		}
		logger.Info("VAULT_KEY is not set, using a throwaway key. Stored secrets will not survive a restart.")
		return bizvault.NewFromBase64(key)
	}

	key, err := bizvault.LoadKey(cfg.VaultKeySource, cfg.VaultKey)
	if err != nil {
		return nil, err
	}
	return bizvault.NewFromBase64(key)
}

// seedOutput receives the one-time local dev credential. It never goes through the logger.
var seedOutput io.Writer = os.Stdout

// seedLocalDev makes sure a local environment has an administrator and the catalog servers.
func (b *Broker) seedLocalDev(ctx context.Context) error {
	var admin dbmodel.User
	err := b.DB.WithContext(ctx).Where("role = ?", dbmodel.RoleAdmin).Order("created_at").First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cred, err := b.Accounts.BootstrapAdmin(ctx, defaults.DEFAULT_ORGANIZATION["name"], defaults.LOCAL_DEV_ADMIN_EMAIL)
		if err != nil {
			return err
		}
		logger.Infof("Created local dev admin %s, temporary password printed to stdout. Use create-admin or the admin reset-password endpoint if it is lost.", cred.Email)
		fmt.Fprintf(seedOutput, "Local dev administrator: %s\nTemporary password: %s\n", cred.Email, cred.TemporaryPassword)

		user, err := b.Accounts.GetUser(ctx, cred.UserID)
		if err != nil {
			return err
		}
		admin = *user
	} else if err != nil {
		return err
	}

	return b.Servers.SeedCatalog(ctx, admin.OrgID, admin.ID)
}

// Router returns the HTTP API and the MCP gateway on one gin engine.
func (b *Broker) Router() *gin.Engine {
	responseFactory := apiHandlers.Initialize()

	router := gin.New()
	router.Use(gin.Recovery())

	authHandler := apiHandlersauth.InitializeAuthHandler(b.Accounts, b.Sessions, b.Refresh, b.loginLimiter, responseFactory)
	handlers := apiHandlersrouter.Handlers{
		Middleware:  apiHandlers.InitializeAuthMiddleware(b.Sessions, b.Accounts, responseFactory),
		Auth:        authHandler,
		SignIn:      apiHandlersauth.InitializeSignInHandler(b.SignIn, authHandler),
		Account:     apiHandlersaccount.InitializeAccountHandler(b.Accounts, responseFactory),
		Servers:     apiHandlersadmin.InitializeServerHandler(b.Servers, b.Registry, b.Authority, responseFactory),
		Permissions: apiHandlersadmin.InitializePermissionHandler(b.Authority, responseFactory),
		OAuth:       apiHandlersoauth.InitializeOAuthHandler(b.Engine, b.Authority, responseFactory, b.cfg.CompletionURL),
		MCPTokens:   apiHandlersmcptoken.InitializeMCPTokenHandler(b.Tokens, responseFactory),
		Enterprise:  apiHandlersenterprise.InitializeEnterpriseHandler(b.cfg.Edition, responseFactory),
	}
	if b.cfg.IsLocalDev {
		handlers.Dev = apiHandlersdev.InitializeDevHandler(b.Servers, responseFactory)
	}
	apiHandlersrouter.RegisterRoutes(router, handlers)

	router.Any("/mcp", gin.WrapH(b.Gateway))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// Sweep purges expired OAuth states, password reset tokens and refresh tokens.
func (b *Broker) Sweep(ctx context.Context) {
	states := b.states.PurgeExpired(ctx)

	resets, err := b.Accounts.PurgeExpired(ctx)
	if err != nil {
		logger.Errorf("failed to purge expired reset tokens: %v", err)
	}

	refreshTokens, err := b.Refresh.PurgeExpired(ctx)
	if err != nil {
		logger.Errorf("failed to purge expired refresh tokens: %v", err)
	}

	limits := 0
	if memory, ok := b.loginLimiter.(*ratelimit.MemoryLimiter); ok {
		limits = memory.Sweep()
	}

	if states > 0 || resets > 0 || refreshTokens > 0 || limits > 0 {
		logger.Debugf("sweep removed %d states, %d reset tokens, %d refresh tokens, %d rate limit windows", states, resets, refreshTokens, limits)
	}

	if err := b.Gateway.SyncTools(ctx); err != nil {
		logger.Errorf("failed to sync gateway tools: %v", err)
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (b *Broker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

func (b *Broker) Close() {
	if b.redisClient != nil {
		b.redisClient.Close()
	}
}
