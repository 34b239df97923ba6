package apiHandlersoauth

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/kdjuwidja/aishoppercommon/logger"
	"netherealmstudio.com/toolbroker/apiHandlers"
	bizauthflow "netherealmstudio.com/toolbroker/biz/authflow"
	bizpermission "netherealmstudio.com/toolbroker/biz/permission"
)

// OAuthHandler connects the current user's accounts on third party servers.
type OAuthHandler struct {
	engine          *bizauthflow.Engine
	authority       *bizpermission.PermissionAuthority
	responseFactory *apiHandlers.ResponseFactory
	completionURL   string
}

// InitializeOAuthHandler builds the handler. When completionURL is set the provider callback
// redirects the browser there with the outcome in the query string instead of answering JSON.
func InitializeOAuthHandler(engine *bizauthflow.Engine, authority *bizpermission.PermissionAuthority, responseFactory *apiHandlers.ResponseFactory, completionURL string) *OAuthHandler {
	return &OAuthHandler{
		engine:          engine,
		authority:       authority,
		responseFactory: responseFactory,
		completionURL:   completionURL,
	}
}

func (h *OAuthHandler) Authorize(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	request, err := h.engine.BeginAuthorization(c.Request.Context(), user.OrgID, user.ID, c.Param("server"))
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	if c.Query("redirect") == "true" {
		c.Redirect(http.StatusFound, request.AuthorizationURL)
		return
	}
	h.responseFactory.CreateOKResponse(c, request)
}

// Callback is reached by the provider's browser redirect and carries no session. The state
// parameter identifies the user.
func (h *OAuthHandler) Callback(c *gin.Context) {
	serverID := c.Param("server")

	status, err := h.engine.HandleCallback(c.Request.Context(), serverID, bizauthflow.CallbackParams{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})

	if h.completionURL != "" {
		h.redirectToCompletion(c, serverID, err)
		return
	}

	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, status)
}

func (h *OAuthHandler) redirectToCompletion(c *gin.Context, serverID string, callbackErr error) {
	target, err := url.Parse(h.completionURL)
	if err != nil {
		logger.Errorf("invalid oauth completion url: %v", err)
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInternalServerError)
		return
	}

	query := target.Query()
	query.Set("server", serverID)
	if callbackErr != nil {
		code := apiHandlers.CodeForError(callbackErr)
		if code == apiHandlers.ErrInternalServerError {
			logger.Errorf("oauth callback for %s failed: %v", serverID, callbackErr)
		}
		query.Set("status", "error")
		query.Set("code", code)
	} else {
		query.Set("status", "connected")
	}
	target.RawQuery = query.Encode()

	c.Redirect(http.StatusFound, target.String())
}

func (h *OAuthHandler) Disconnect(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	serverID := c.Param("server")
	if err := h.engine.Disconnect(c.Request.Context(), user.OrgID, user.ID, serverID); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]string{"server_id": serverID})
}

func (h *OAuthHandler) Status(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	statuses, err := h.engine.Status(c.Request.Context(), user.OrgID, user.ID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, statuses)
}

func (h *OAuthHandler) Permissions(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	categories, err := h.authority.UserPermissions(c.Request.Context(), user.OrgID, user.ID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, categories)
}
