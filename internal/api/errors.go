package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/labqc-server/internal/domain"
	"github.com/labqc-server/internal/middleware"
)

var codeStatus = map[string]int{
	domain.ErrValidation:         http.StatusBadRequest,
	domain.ErrInvalidInput:       http.StatusBadRequest,
	domain.ErrNotFoundCode:       http.StatusNotFound,
	domain.ErrConfigurationCode:  http.StatusUnprocessableEntity,
	domain.ErrInsufficientData:   http.StatusUnprocessableEntity,
	domain.ErrAlreadyVerifiedKey: http.StatusConflict,
	domain.ErrStaleWriteCode:     http.StatusConflict,
	domain.ErrConfirmationNeeded: http.StatusConflict,
	domain.ErrConflict:           http.StatusConflict,
	domain.ErrRateLimit:          http.StatusTooManyRequests,
}

// errorStatus maps engine errors onto an HTTP status and an error code.
func errorStatus(err error) (int, string) {
	code := domain.ErrorCode(err)
	if status, ok := codeStatus[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, domain.ErrInternalServer
}

// respondError writes err as an APIError. Internal failures hide their detail from the
// client.
func respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	_ = c.Error(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	c.AbortWithStatusJSON(status, domain.NewAPIError(code, message, "", c.GetString(middleware.CorrelationIDKey)))
}

// respondBadRequest reports a malformed request body or parameter.
func respondBadRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, domain.NewAPIError(
		domain.ErrInvalidInput,
		"Invalid request",
		err.Error(),
		c.GetString(middleware.CorrelationIDKey),
	))
}
