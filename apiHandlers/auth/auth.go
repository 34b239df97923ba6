package apiHandlersauth

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kdjuwidja/aishoppercommon/logger"
	"netherealmstudio.com/toolbroker/apiHandlers"
	bizaccount "netherealmstudio.com/toolbroker/biz/account"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/ratelimit"
	"netherealmstudio.com/toolbroker/token"
)

const forgotPasswordMessage = "If the email is registered, password reset instructions have been sent."

type AuthHandler struct {
	accountManager  *bizaccount.AccountManager
	sessionIssuer   *token.SessionIssuer
	refreshTokens   *token.RefreshTokenManager
	limiter         ratelimit.Limiter
	responseFactory *apiHandlers.ResponseFactory
}

func InitializeAuthHandler(accountManager *bizaccount.AccountManager, sessionIssuer *token.SessionIssuer, refreshTokens *token.RefreshTokenManager, limiter ratelimit.Limiter, responseFactory *apiHandlers.ResponseFactory) *AuthHandler {
	return &AuthHandler{
		accountManager:  accountManager,
		sessionIssuer:   sessionIssuer,
		refreshTokens:   refreshTokens,
		limiter:         limiter,
		responseFactory: responseFactory,
	}
}

type sessionResponse struct {
	Token                 string        `json:"token"`
	ExpiresAt             time.Time     `json:"expires_at"`
	RefreshToken          string        `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time     `json:"refresh_token_expires_at"`
	MustChangePassword    bool          `json:"must_change_password"`
	User                  *dbmodel.User `json:"user"`
}

// allow reports false once the caller exceeded the attempt budget. A limiter failure is logged
// and the attempt let through.
func (h *AuthHandler) allow(c *gin.Context, action string) bool {
	allowed, err := h.limiter.Allow(c.Request.Context(), action+":"+c.ClientIP())
	if err != nil {
		logger.Errorf("rate limiter unavailable: %v", err)
		return true
	}
	if !allowed {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrRateLimited)
	}
	return allowed
}

// issueSession answers with a new session and a new refresh token for user.
func (h *AuthHandler) issueSession(c *gin.Context, user *dbmodel.User) {
	refresh, err := h.refreshTokens.Issue(c.Request.Context(), user.ID)
	if err != nil {
		logger.Errorf("failed to issue refresh token for user %s: %v", user.ID, err)
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInternalServerError)
		return
	}
	h.respondWithSession(c, user, refresh)
}

func (h *AuthHandler) respondWithSession(c *gin.Context, user *dbmodel.User, refresh *token.RefreshToken) {
	signed, expiresAt, err := h.sessionIssuer.Issue(user)
	if err != nil {
		logger.Errorf("failed to sign session for user %s: %v", user.ID, err)
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInternalServerError)
		return
	}

	h.responseFactory.CreateOKResponse(c, sessionResponse{
		Token:                 signed,
		ExpiresAt:             expiresAt,
		RefreshToken:          refresh.Token,
		RefreshTokenExpiresAt: refresh.ExpiresAt,
		MustChangePassword:    user.MustChangePassword,
		User:                  user,
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.Email == "" || req.Password == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "email and password are required")
		return
	}

	if !h.allow(c, "login") {
		return
	}

	result, err := h.accountManager.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	logger.Infof("user %s logged in", result.User.ID)
	h.issueSession(c, result.User)
}

func (h *AuthHandler) ChangePassword(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "old_password and new_password are required")
		return
	}

	if err := h.accountManager.ChangePassword(c.Request.Context(), user.ID, req.OldPassword, req.NewPassword); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	// the old session still carries the pending change flag
	updated, err := h.accountManager.GetUser(c.Request.Context(), user.ID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.issueSession(c, updated)
}

// Refresh trades a refresh token for a new session. The presented token is spent.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.RefreshToken == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "refresh_token")
		return
	}

	user, refresh, err := h.refreshTokens.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.respondWithSession(c, user, refresh)
}

// Logout revokes the presented refresh token, or all of its owner's when "all" is set. The
// short lived session token stays valid until it expires.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
		All          bool   `json:"all"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.RefreshToken == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "refresh_token")
		return
	}

	revoked, err := h.refreshTokens.Revoke(c.Request.Context(), req.RefreshToken, req.All)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]interface{}{"message": "Logged out", "revoked": revoked})
}

func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.Email == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "email")
		return
	}

	if !h.allow(c, "forgot-password") {
		return
	}

	if err := h.accountManager.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		logger.Errorf("password reset request failed: %v", err)
	}
	h.responseFactory.CreateOKResponse(c, map[string]string{"message": forgotPasswordMessage})
}

func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "token and new_password are required")
		return
	}

	if err := h.accountManager.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]string{"message": "Password has been reset"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	h.responseFactory.CreateOKResponse(c, apiHandlers.CurrentUser(c))
}
