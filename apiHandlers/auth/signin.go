package apiHandlersauth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kdjuwidja/aishoppercommon/logger"
	bizsignin "netherealmstudio.com/toolbroker/biz/signin"
)

// SignInHandler signs users in through an external identity provider and answers with the
// same session body as a password login.
type SignInHandler struct {
	signIn *bizsignin.SignInManager
	auth   *AuthHandler
}

func InitializeSignInHandler(signIn *bizsignin.SignInManager, auth *AuthHandler) *SignInHandler {
	return &SignInHandler{
		signIn: signIn,
		auth:   auth,
	}
}

func (h *SignInHandler) Providers(c *gin.Context) {
	h.auth.responseFactory.CreateOKResponse(c, map[string][]string{"providers": h.signIn.Providers()})
}

func (h *SignInHandler) Login(c *gin.Context) {
	request, err := h.signIn.Begin(c.Request.Context(), c.Param("provider"))
	if err != nil {
		h.auth.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	if c.Query("redirect") == "true" {
		c.Redirect(http.StatusFound, request.AuthorizationURL)
		return
	}
	h.auth.responseFactory.CreateOKResponse(c, request)
}

func (h *SignInHandler) Callback(c *gin.Context) {
	provider := c.Param("provider")

	user, err := h.signIn.Complete(c.Request.Context(), provider, bizsignin.CallbackParams{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	if err != nil {
		h.auth.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	logger.Infof("user %s logged in through %s", user.ID, provider)
	h.auth.issueSession(c, user)
}
