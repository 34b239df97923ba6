package apiHandlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kdjuwidja/aishoppercommon/logger"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/token"
)

const contextUserKey = "toolbroker.user"

type SessionParser interface {
	Parse(tokenString string) (*token.SessionClaims, error)
}

type UserLoader interface {
	GetUser(ctx context.Context, userID string) (*dbmodel.User, error)
	EnsureUsable(user *dbmodel.User) error
}

// AuthMiddleware resolves the session bearer token to the current user row on every request,
// so disabling an account or forcing a password change takes effect immediately.
type AuthMiddleware struct {
	sessions        SessionParser
	users           UserLoader
	responseFactory *ResponseFactory
}

func InitializeAuthMiddleware(sessions SessionParser, users UserLoader, responseFactory *ResponseFactory) *AuthMiddleware {
	return &AuthMiddleware{
		sessions:        sessions,
		users:           users,
		responseFactory: responseFactory,
	}
}

// RequireUsableAccount is applied to every protected route.
func (m *AuthMiddleware) RequireUsableAccount() gin.HandlerFunc {
	return m.authenticate(true)
}

// RequireSession only checks the session. Used by the change-password route, which has to stay
// reachable while a password change is pending.
func (m *AuthMiddleware) RequireSession() gin.HandlerFunc {
	return m.authenticate(false)
}

func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !user.IsAdmin() {
			m.responseFactory.CreateErrorResponse(c, ErrAdminRequired)
			return
		}
		c.Next()
	}
}

func (m *AuthMiddleware) authenticate(usable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := BearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			m.responseFactory.CreateErrorResponse(c, ErrInvalidToken)
			return
		}

		claims, err := m.sessions.Parse(raw)
		if err != nil {
			logger.Debugf("rejected session token: %v", err)
			m.responseFactory.CreateErrorResponse(c, ErrInvalidToken)
			return
		}

		user, err := m.users.GetUser(c.Request.Context(), claims.Subject)
		if errors.Is(err, bizerr.ErrNotFound) {
			m.responseFactory.CreateErrorResponse(c, ErrInvalidToken)
			return
		}
		if err != nil {
			m.responseFactory.CreateErrorResponseFromError(c, err)
			return
		}
		if user.OrgID != claims.OrgID {
			m.responseFactory.CreateErrorResponse(c, ErrInvalidToken)
			return
		}

		if usable {
			if err := m.users.EnsureUsable(user); err != nil {
				m.responseFactory.CreateErrorResponseFromError(c, err)
				return
			}
		} else if !user.IsActive {
			m.responseFactory.CreateErrorResponse(c, ErrAccountDisabled)
			return
		}

		c.Set(contextUserKey, user)
		c.Next()
	}
}

func CurrentUser(c *gin.Context) *dbmodel.User {
	value, ok := c.Get(contextUserKey)
	if !ok {
		return nil
	}
	user, _ := value.(*dbmodel.User)
	return user
}

func BearerToken(header string) string {
	scheme, value, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}
