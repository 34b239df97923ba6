package apiHandlersaccount

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"netherealmstudio.com/toolbroker/apiHandlers"
	bizaccount "netherealmstudio.com/toolbroker/biz/account"
)

// AccountHandler serves the administrator's user management routes.
type AccountHandler struct {
	accountManager  *bizaccount.AccountManager
	responseFactory *apiHandlers.ResponseFactory
}

func InitializeAccountHandler(accountManager *bizaccount.AccountManager, responseFactory *apiHandlers.ResponseFactory) *AccountHandler {
	return &AccountHandler{
		accountManager:  accountManager,
		responseFactory: responseFactory,
	}
}

func (h *AccountHandler) CreateUser(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req bizaccount.CreateUserInput
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.Email == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "email")
		return
	}

	credential, err := h.accountManager.CreateUser(c.Request.Context(), admin.OrgID, req)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	h.responseFactory.CreateCreatedResponse(c, credential)
}

func (h *AccountHandler) ListUsers(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	users, err := h.accountManager.List(c.Request.Context(), admin.OrgID)
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	h.responseFactory.CreateOKResponse(c, users)
}

func (h *AccountHandler) ResetTemporaryPassword(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	credential, err := h.accountManager.ResetTemporaryPassword(c.Request.Context(), admin.OrgID, c.Param("id"))
	if err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	h.responseFactory.CreateOKResponse(c, credential)
}

func (h *AccountHandler) SetActive(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.IsActive == nil {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "is_active")
		return
	}

	userID := c.Param("id")
	if userID == admin.ID && !*req.IsActive {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrValidation, "is_active: administrators cannot disable themselves")
		return
	}

	if err := h.accountManager.SetActive(c.Request.Context(), admin.OrgID, userID, *req.IsActive); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	h.responseFactory.CreateOKResponse(c, map[string]interface{}{"id": userID, "is_active": *req.IsActive})
}

func (h *AccountHandler) SetRole(c *gin.Context) {
	admin := apiHandlers.CurrentUser(c)

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		h.responseFactory.CreateErrorResponse(c, apiHandlers.ErrInvalidRequestBody)
		return
	}
	if req.Role == "" {
		h.responseFactory.CreateErrorResponsef(c, apiHandlers.ErrMissingRequiredField, "role")
		return
	}

	userID := c.Param("id")
	if err := h.accountManager.SetRole(c.Request.Context(), admin.OrgID, userID, req.Role); err != nil {
		h.responseFactory.CreateErrorResponseFromError(c, err)
		return
	}

	h.responseFactory.CreateOKResponse(c, map[string]string{"id": userID, "role": req.Role})
}
