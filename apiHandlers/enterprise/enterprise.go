package apiHandlersenterprise

import (
	"github.com/gin-gonic/gin"
	"netherealmstudio.com/toolbroker/apiHandlers"
)

const EditionEnterprise = "enterprise"

// EnterpriseHandler answers every enterprise-only route. Community builds point the caller at
// an upgrade.
type EnterpriseHandler struct {
	edition         string
	responseFactory *apiHandlers.ResponseFactory
}

func InitializeEnterpriseHandler(edition string, responseFactory *apiHandlers.ResponseFactory) *EnterpriseHandler {
	return &EnterpriseHandler{
		edition:         edition,
		responseFactory: responseFactory,
	}
}

func (h *EnterpriseHandler) Handle(c *gin.Context) {
	if h.edition != EditionEnterprise {
		status, body := h.responseFactory.ErrorBody(apiHandlers.ErrFeatureUnavailable)
		body["upgrade"] = true
		c.AbortWithStatusJSON(status, body)
		return
	}
	h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrNotImplemented)
}
