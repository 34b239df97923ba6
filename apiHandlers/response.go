package apiHandlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kdjuwidja/aishoppercommon/logger"
	"netherealmstudio.com/toolbroker/biz/bizerr"
)

type response struct {
	code       string
	httpStatus int
	message    string
}

// ResponseFactory writes every API response. Success bodies are the bare payload, errors carry
// a stable code and a message.
type ResponseFactory struct {
	responses map[string]response
}

func Initialize() *ResponseFactory {
	return &ResponseFactory{responses: responseMap}
}

func (f *ResponseFactory) lookup(code string) response {
	resp, ok := f.responses[code]
	if !ok {
		logger.Errorf("unknown response code %s", code)
		return f.responses[ErrInternalServerError]
	}
	return resp
}

// ErrorBody renders the body for code without writing it.
func (f *ResponseFactory) ErrorBody(code string, args ...interface{}) (int, gin.H) {
	resp := f.lookup(code)
	message := resp.message
	if len(args) > 0 {
		message = fmt.Sprintf(resp.message, args...)
	}
	return resp.httpStatus, gin.H{"code": resp.code, "error": message}
}

func (f *ResponseFactory) CreateErrorResponse(c *gin.Context, code string) {
	status, body := f.ErrorBody(code)
	c.AbortWithStatusJSON(status, body)
}

func (f *ResponseFactory) CreateErrorResponsef(c *gin.Context, code string, args ...interface{}) {
	status, body := f.ErrorBody(code, args...)
	c.AbortWithStatusJSON(status, body)
}

func (f *ResponseFactory) CreateOKResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func (f *ResponseFactory) CreateCreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// CreateErrorResponseFromError maps a business error onto its response code. Anything it does
// not recognize is logged and reported as an internal error.
func (f *ResponseFactory) CreateErrorResponseFromError(c *gin.Context, err error) {
	code := CodeForError(err)
	switch code {
	case ErrProviderError:
		pe, _ := bizerr.IsProviderError(err)
		detail := pe.Code
		if pe.Description != "" {
			detail = pe.Code + " (" + pe.Description + ")"
		}
		status, body := f.ErrorBody(ErrProviderError, detail)
		body["provider_error"] = pe.Code
		if pe.Description != "" {
			body["provider_error_description"] = pe.Description
		}
		c.AbortWithStatusJSON(status, body)
		return
	case ErrValidation:
		var ve *bizerr.ValidationError
		errors.As(err, &ve)
		status, body := f.ErrorBody(ErrValidation, ve.Field+": "+ve.Reason)
		body["field"] = ve.Field
		c.AbortWithStatusJSON(status, body)
		return
	case ErrInternalServerError:
		logger.Errorf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	case ErrDecryption:
		logger.Errorf("%s %s could not decrypt a stored credential", c.Request.Method, c.FullPath())
	}
	f.CreateErrorResponse(c, code)
}

var sentinelCodes = []struct {
	err  error
	code string
}{
	{bizerr.ErrProviderNotConfigured, ErrProviderNotConfigured},
	{bizerr.ErrInvalidState, ErrInvalidState},
	{bizerr.ErrReauthorizationRequired, ErrReauthorizationRequired},
	{bizerr.ErrNotAuthorized, ErrReauthorizationRequired},
	{bizerr.ErrServerNotConfigured, ErrServerNotConfigured},
	{bizerr.ErrServerDisabled, ErrServerDisabled},
	{bizerr.ErrInvalidToken, ErrInvalidToken},
	{bizerr.ErrPermissionDenied, ErrPermissionDenied},
	{bizerr.ErrPasswordChangeRequired, ErrPasswordChangeRequired},
	{bizerr.ErrPasswordExpired, ErrPasswordExpired},
	{bizerr.ErrInvalidCredentials, ErrInvalidCredentials},
	{bizerr.ErrAccountDisabled, ErrAccountDisabled},
	{bizerr.ErrInvalidResetToken, ErrInvalidResetToken},
	{bizerr.ErrEmailTaken, ErrEmailTaken},
	{bizerr.ErrRateLimited, ErrRateLimited},
	{bizerr.ErrFeatureUnavailable, ErrFeatureUnavailable},
	{bizerr.ErrDecryption, ErrDecryption},
	{bizerr.ErrNotFound, ErrNotFound},
}

func CodeForError(err error) string {
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	if _, ok := bizerr.IsProviderError(err); ok {
		return ErrProviderError
	}
	var ve *bizerr.ValidationError
	if errors.As(err, &ve) {
		return ErrValidation
	}
	return ErrInternalServerError
}
