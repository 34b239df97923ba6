package apiHandlersadmin

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"netherealmstudio.com/toolbroker/apiHandlers"
	bizpermission "netherealmstudio.com/toolbroker/biz/permission"
)

type PermissionHandler struct {
	authority       *bizpermission.PermissionAuthority
	responseFactory *apiHandlers.ResponseFactory
}

func InitializePermissionHandler(authority *bizpermission.PermissionAuthority, responseFactory *apiHandlers.ResponseFactory) *PermissionHandler {
	return &PermissionHandler{
		authority:       authority,
		responseFactory: responseFactory,
	}
}

func (h *PermissionHandler) GetUserPermissions(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	categories, err := h.authority.UserPermissions(c.Request.Context(), admin.OrgID, c.Param("id"))
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, categories)
}

// SetUserOverride takes either {"enabled": bool} or {"override": "enabled"|"disabled"|"inherit"}.
// Inherit removes the override.
func (h *PermissionHandler) SetUserOverride(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req struct {
		Enabled  *bool   `json:"enabled"`
		Override *string `json:"override"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}

	var override bizpermission.Override
	switch {
	case req.Override != nil:
		parsed, err := bizpermission.ParseOverride(*req.Override)
		if err != nil {
			h.responseFactory.CreateErrorResponseFromError(c, err)
			return
		}
		override = parsed
	case req.Enabled != nil:
		override = bizpermission.OverrideOf(*req.Enabled)
	default:
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "enabled or override")
		return
	}

	ctx := c.Request.Context()
	userID, toolID := c.Param("id"), c.Param("tool")
	var err error
	if override == bizpermission.Inherit {
		err = h.authority.ClearUserOverride(ctx, admin.OrgID, userID, toolID)
	} else {
		err = h.authority.SetUserOverride(ctx, admin.OrgID, userID, toolID, override == bizpermission.ForceEnabled)
	}
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.respondWithDecision(c, userID, toolID)
}

func (h *PermissionHandler) ClearUserOverride(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	userID, toolID := c.Param("id"), c.Param("tool")
	if err := h.authority.ClearUserOverride(c.Request.Context(), admin.OrgID, userID, toolID); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.respondWithDecision(c, userID, toolID)
}

func (h *PermissionHandler) ClearAllUserOverrides(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	userID := c.Param("id")
	if err := h.authority.ClearAllUserOverrides(c.Request.Context(), admin.OrgID, userID); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, map[string]string{"user_id": userID})
}

func (h *PermissionHandler) respondWithDecision(c *gin.Context, userID string, toolID string) {
	admin := apiHandlers.CurrentUser(c)

	decision, err := h.authority.Decide(c.Request.Context(), admin.OrgID, userID, toolID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}
	h.responseFactory.CreateOKResponse(c, decision)
}
