package apiHandlersdev

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"netherealmstudio.com/toolbroker/apiHandlers"
	bizaccount "netherealmstudio.com/toolbroker/biz/account"
	bizmcpserver "netherealmstudio.com/toolbroker/biz/mcpserver"
)

// DevHandler exposes helpers that only exist on local development deployments.
type DevHandler struct {
	serverManager   *bizmcpserver.ServerManager
	responseFactory *apiHandlers.ResponseFactory
}

func InitializeDevHandler(serverManager *bizmcpserver.ServerManager, responseFactory *apiHandlers.ResponseFactory) *DevHandler {
	return &DevHandler{
		serverManager:   serverManager,
		responseFactory: responseFactory,
	}
}

// HashPassword returns the stored form of a password, for seeding users straight into a local
// database.
func (h *DevHandler) HashPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.Password == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "password")
		return
	}

	hash, err := bizaccount.HashPassword(req.Password)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]string{"hash": hash})
}

// RegisterTools stands in for tool discovery so permissions can be exercised locally.
func (h *DevHandler) RegisterTools(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req struct {
		Tools []bizmcpserver.ToolDefinition `json:"tools"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}

	tools, err := h.serverManager.RegisterTools(c.Request.Context(), admin.OrgID, c.Param("server"), req.Tools)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, tools)
}
