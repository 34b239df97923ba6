package apiHandlersmcptoken

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"netherealmstudio.com/toolbroker/apiHandlers"
	bizmcptoken "netherealmstudio.com/toolbroker/biz/mcptoken"
)

type MCPTokenHandler struct {
	tokenManager    *bizmcptoken.TokenManager
	responseFactory *apiHandlers.ResponseFactory
}

func InitializeMCPTokenHandler(tokenManager *bizmcptoken.TokenManager, responseFactory *apiHandlers.ResponseFactory) *MCPTokenHandler {
	return &MCPTokenHandler{
		tokenManager:    tokenManager,
		responseFactory: responseFactory,
	}
}

// Issue returns the plaintext token once. Any token the user held before stops working.
func (h *MCPTokenHandler) Issue(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}

	issued, err := h.tokenManager.Issue(c.Request.Context(), user.ID, req.Name)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateCreatedResponse(c, issued)
}

func (h *MCPTokenHandler) List(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	tokens, err := h.tokenManager.List(c.Request.Context(), user.ID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, tokens)
}

func (h *MCPTokenHandler) Revoke(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	tokenID := c.Param("id")
	if err := h.tokenManager.Revoke(c.Request.Context(), user.ID, tokenID); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]string{"id": tokenID})
}

func (h *MCPTokenHandler) RevokeAll(c *gin.Context) {
	user := apiHandlers.CurrentUser(c)

	revoked, err := h.tokenManager.RevokeAll(c.Request.Context(), user.ID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]int64{"revoked": revoked})
}
