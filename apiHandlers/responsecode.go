package apiHandlers

import "net/http"

const (
	ErrInvalidToken         = "GEN_00001"
	ErrInvalidRequestBody   = "GEN_00002"
	ErrMissingRequiredField = "GEN_00003"
	ErrMissingRequiredParam = "GEN_00004"
	ErrAdminRequired        = "GEN_00005"
	ErrValidation           = "GEN_00006"
	ErrNotFound             = "GEN_00007"
	ErrRateLimited          = "GEN_00008"
	ErrDecryption           = "GEN_99998"
	ErrInternalServerError  = "GEN_99999"

	ErrProviderNotConfigured   = "OAU_00001"
	ErrInvalidState            = "OAU_00002"
	ErrProviderError           = "OAU_00003"
	ErrReauthorizationRequired = "OAU_00004"
	ErrServerNotConfigured     = "OAU_00005"
	ErrServerDisabled          = "OAU_00006"

	ErrPermissionDenied = "PRM_00001"

	ErrPasswordChangeRequired = "ACC_00001"
	ErrPasswordExpired        = "ACC_00002"
	ErrInvalidCredentials     = "ACC_00003"
	ErrAccountDisabled        = "ACC_00004"
	ErrInvalidResetToken      = "ACC_00005"
	ErrEmailTaken             = "ACC_00006"

	ErrFeatureUnavailable = "ENT_00001"
	ErrNotImplemented     = "ENT_00002"
)

var responseMap = map[string]response{
	ErrInternalServerError:  {ErrInternalServerError, http.StatusInternalServerError, "Internal server error."},
	ErrDecryption:           {ErrDecryption, http.StatusInternalServerError, "Stored credential could not be read."},
	ErrInvalidToken:         {ErrInvalidToken, http.StatusUnauthorized, "Invalid or missing bearer token."},
	ErrInvalidRequestBody:   {ErrInvalidRequestBody, http.StatusBadRequest, "Invalid request body"},
	ErrMissingRequiredField: {ErrMissingRequiredField, http.StatusBadRequest, "Missing field in body: %s"},
	ErrMissingRequiredParam: {ErrMissingRequiredParam, http.StatusBadRequest, "Missing parameter: %s"},
	ErrAdminRequired:        {ErrAdminRequired, http.StatusForbidden, "Administrator role required."},
	ErrValidation:           {ErrValidation, http.StatusBadRequest, "Invalid %s"},
	ErrNotFound:             {ErrNotFound, http.StatusNotFound, "Not found."},
	ErrRateLimited:          {ErrRateLimited, http.StatusTooManyRequests, "Too many attempts, try again later."},

	ErrProviderNotConfigured:   {ErrProviderNotConfigured, http.StatusNotFound, "OAuth provider is not configured for this server."},
	ErrInvalidState:            {ErrInvalidState, http.StatusBadRequest, "Invalid or expired authorization state."},
	ErrProviderError:           {ErrProviderError, http.StatusBadGateway, "OAuth provider error: %s"},
	ErrReauthorizationRequired: {ErrReauthorizationRequired, http.StatusConflict, "Authorization expired, reauthorize the server."},
	ErrServerNotConfigured:     {ErrServerNotConfigured, http.StatusNotFound, "Server is not configured for this organization."},
	ErrServerDisabled:          {ErrServerDisabled, http.StatusForbidden, "Server is disabled for this organization."},

	ErrPermissionDenied: {ErrPermissionDenied, http.StatusForbidden, "Permission denied."},

	ErrPasswordChangeRequired: {ErrPasswordChangeRequired, http.StatusForbidden, "Password change required."},
	ErrPasswordExpired:        {ErrPasswordExpired, http.StatusForbidden, "Temporary password expired, ask an administrator for a new one."},
	ErrInvalidCredentials:     {ErrInvalidCredentials, http.StatusUnauthorized, "Invalid email or password."},
	ErrAccountDisabled:        {ErrAccountDisabled, http.StatusForbidden, "Account is disabled."},
	ErrInvalidResetToken:      {ErrInvalidResetToken, http.StatusBadRequest, "Invalid or expired reset token."},
	ErrEmailTaken:             {ErrEmailTaken, http.StatusConflict, "Email is already registered."},

	ErrFeatureUnavailable: {ErrFeatureUnavailable, http.StatusPaymentRequired, "This feature requires the enterprise edition."},
	ErrNotImplemented:     {ErrNotImplemented, http.StatusNotImplemented, "Not implemented."},
}
