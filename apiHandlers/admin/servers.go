package apiHandlersadmin

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"netherealmstudio.com/toolbroker/apiHandlers"
	bizmcpserver "netherealmstudio.com/toolbroker/biz/mcpserver"
	bizpermission "netherealmstudio.com/toolbroker/biz/permission"
	bizprovider "netherealmstudio.com/toolbroker/biz/provider"
	bizvault "netherealmstudio.com/toolbroker/biz/vault"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

// ServerHandler manages the organization's configured servers, their OAuth clients and their
// organization-wide tool switches.
type ServerHandler struct {
	serverManager   *bizmcpserver.ServerManager
	registry        *bizprovider.Registry
	authority       *bizpermission.PermissionAuthority
	responseFactory *apiHandlers.ResponseFactory
}

func InitializeServerHandler(serverManager *bizmcpserver.ServerManager, registry *bizprovider.Registry, authority *bizpermission.PermissionAuthority, responseFactory *apiHandlers.ResponseFactory) *ServerHandler {
	return &ServerHandler{
		serverManager:   serverManager,
		registry:        registry,
		authority:       authority,
		responseFactory: responseFactory,
	}
}

func (h *ServerHandler) ListServers(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	servers, err := h.serverManager.List(c.Request.Context(), admin.OrgID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, servers)
}

func (h *ServerHandler) AddServer(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req struct {
		ServerID    string `json:"server_id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.ServerID == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "server_id")
		return
	}

	server, err := h.serverManager.Add(c.Request.Context(), admin.OrgID, req.ServerID, req.DisplayName, admin.ID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateCreatedResponse(c, server)
}

func (h *ServerHandler) SetServerEnabled(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req struct {
		IsEnabled *bool `json:"is_enabled"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.IsEnabled == nil {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "is_enabled")
		return
	}

	serverID := c.Param("server")
	if err := h.serverManager.SetEnabled(c.Request.Context(), admin.OrgID, serverID, *req.IsEnabled); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]interface{}{"server_id": serverID, "is_enabled": *req.IsEnabled})
}

func (h *ServerHandler) DeleteServer(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	serverID := c.Param("server")
	if err := h.serverManager.Delete(c.Request.Context(), admin.OrgID, serverID); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]string{"server_id": serverID})
}

func (h *ServerHandler) GetProvider(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	view, err := h.registry.Get(c.Request.Context(), admin.OrgID, c.Param("server"))
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, view)
}

func (h *ServerHandler) PutProvider(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req struct {
		ProviderName     string                `json:"provider_name"`
		ClientID         string                `json:"client_id"`
		ClientSecret     string                `json:"client_secret"`
		RedirectURI      string                `json:"redirect_uri"`
		AuthURL          string                `json:"auth_url"`
		TokenURL         string                `json:"token_url"`
		Scopes           []string              `json:"scopes"`
		AdditionalConfig []dbmodel.ConfigEntry `json:"additional_config"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}

	view, err := h.registry.Upsert(c.Request.Context(), admin.OrgID, c.Param("server"), bizprovider.UpsertInput{
		ProviderName:     req.ProviderName,
		ClientID:         req.ClientID,
		ClientSecret:     bizvault.Secret(req.ClientSecret),
		RedirectURI:      req.RedirectURI,
		AuthURL:          req.AuthURL,
		TokenURL:         req.TokenURL,
		Scopes:           req.Scopes,
		AdditionalConfig: req.AdditionalConfig,
	})
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, view)
}

func (h *ServerHandler) DeleteProvider(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	serverID := c.Param("server")
	if err := h.registry.Delete(c.Request.Context(), admin.OrgID, serverID); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]string{"server_id": serverID})
}

// SetToolsEnabled applies every organization-wide tool switch of one server or none of them.
func (h *ServerHandler) SetToolsEnabled(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req struct {
		Tools []bizpermission.ToolFlag `json:"tools"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if len(req.Tools) == 0 {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "tools")
		return
	}

	if err := h.authority.BulkSetEnabled(c.Request.Context(), admin.OrgID, c.Param("server"), req.Tools); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]int{"updated": len(req.Tools)})
}
