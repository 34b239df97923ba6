package apiHandlersrouter

import (
	"github.com/gin-gonic/gin"
	"netherealmstudio.com/toolbroker/apiHandlers"
	apiHandlersaccount "netherealmstudio.com/toolbroker/apiHandlers/account"
	apiHandlersadmin "netherealmstudio.com/toolbroker/apiHandlers/admin"
	apiHandlersauth "netherealmstudio.com/toolbroker/apiHandlers/auth"
	apiHandlersdev "netherealmstudio.com/toolbroker/apiHandlers/dev"
	apiHandlersenterprise "netherealmstudio.com/toolbroker/apiHandlers/enterprise"
	apiHandlersmcptoken "netherealmstudio.com/toolbroker/apiHandlers/mcptoken"
	apiHandlersoauth "netherealmstudio.com/toolbroker/apiHandlers/oauth"
)

// Handlers collects everything the API routes dispatch to. Dev is optional.
type Handlers struct {
	Middleware  *apiHandlers.AuthMiddleware
	Auth        *apiHandlersauth.AuthHandler
	SignIn      *apiHandlersauth.SignInHandler
	Account     *apiHandlersaccount.AccountHandler
	Servers     *apiHandlersadmin.ServerHandler
	Permissions *apiHandlersadmin.PermissionHandler
	OAuth       *apiHandlersoauth.OAuthHandler
	MCPTokens   *apiHandlersmcptoken.MCPTokenHandler
	Enterprise  *apiHandlersenterprise.EnterpriseHandler
	Dev         *apiHandlersdev.DevHandler
}

func RegisterRoutes(router gin.IRouter, h Handlers) {
	api := router.Group("/api")

	auth := api.Group("/auth")
	auth.POST("/login", h.Auth.Login)
	auth.POST("/refresh", h.Auth.Refresh)
	auth.POST("/logout", h.Auth.Logout)
	auth.POST("/forgot-password", h.Auth.ForgotPassword)
	auth.POST("/reset-password", h.Auth.ResetPassword)
	auth.POST("/change-password", h.Middleware.RequireSession(), h.Auth.ChangePassword)
	auth.GET("/me", h.Middleware.RequireUsableAccount(), h.Auth.Me)
	auth.GET("/providers", h.SignIn.Providers)
	auth.GET("/oauth/:provider/login", h.SignIn.Login)
	auth.GET("/oauth/:provider/callback", h.SignIn.Callback)

	// the provider redirect carries no session
	api.GET("/oauth/:server/callback", h.OAuth.Callback)

	protected := api.Group("", h.Middleware.RequireUsableAccount())
	protected.GET("/oauth/status", h.OAuth.Status)
	protected.GET("/oauth/:server/authorize", h.OAuth.Authorize)
	protected.DELETE("/oauth/:server", h.OAuth.Disconnect)
	protected.GET("/permissions", h.OAuth.Permissions)

	protected.POST("/mcp-tokens", h.MCPTokens.Issue)
	protected.GET("/mcp-tokens", h.MCPTokens.List)
	protected.DELETE("/mcp-tokens", h.MCPTokens.RevokeAll)
	protected.DELETE("/mcp-tokens/:id", h.MCPTokens.Revoke)

	protected.Any("/enterprise/*path", h.Enterprise.Handle)

	admin := protected.Group("/admin", h.Middleware.RequireAdmin())
	admin.GET("/users", h.Account.ListUsers)
	admin.POST("/users", h.Account.CreateUser)
	admin.POST("/users/:id/reset-password", h.Account.ResetTemporaryPassword)
	admin.PUT("/users/:id/active", h.Account.SetActive)
	admin.PUT("/users/:id/role", h.Account.SetRole)
	admin.GET("/users/:id/permissions", h.Permissions.GetUserPermissions)
	admin.PUT("/users/:id/tools/:tool", h.Permissions.SetUserOverride)
	admin.DELETE("/users/:id/tools/:tool", h.Permissions.ClearUserOverride)
	admin.DELETE("/users/:id/overrides", h.Permissions.ClearAllUserOverrides)

	admin.GET("/servers", h.Servers.ListServers)
	admin.POST("/servers", h.Servers.AddServer)
	admin.PUT("/servers/:server/enabled", h.Servers.SetServerEnabled)
	admin.DELETE("/servers/:server", h.Servers.DeleteServer)
	admin.GET("/servers/:server/provider", h.Servers.GetProvider)
	admin.PUT("/servers/:server/provider", h.Servers.PutProvider)
	admin.DELETE("/servers/:server/provider", h.Servers.DeleteProvider)
	admin.PUT("/servers/:server/tools", h.Servers.SetToolsEnabled)

	if h.Dev != nil {
		dev := router.Group("/dev")
		dev.POST("/bcrypt", h.Dev.HashPassword)
		dev.POST("/servers/:server/tools", h.Middleware.RequireUsableAccount(), h.Middleware.RequireAdmin(), h.Dev.RegisterTools)
	}
}
