// Response utilities shared by every endpoint: the structured error
// envelope, the error-taxonomy-to-status mapping, and small success helpers.
// Failure messages never echo credential values or internal identifiers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/doctalk-ai/go-rag-backend/internal/credentials"
	"github.com/doctalk-ai/go-rag-backend/internal/http/middleware"
	"github.com/doctalk-ai/go-rag-backend/internal/orchestrator"
	"github.com/doctalk-ai/go-rag-backend/internal/provider"
	"github.com/doctalk-ai/go-rag-backend/internal/repo"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message (safe to show to users)
	Message string `json:"message"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	// Log 5xx (server-side) with request-scoped logger
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail() for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failFrom translates an orchestrator/resolver/store error into the
// response taxonomy. Messages are fixed strings: provider errors can carry
// URLs and key fragments that must not reach the client.
func failFrom(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrBadRequest):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request")
	case errors.Is(err, credentials.ErrUnavailable):
		fail(c, http.StatusBadRequest, ErrCodeCredentialUnavailable, "no usable provider credential; configure a key or request access")
	case errors.Is(err, credentials.ErrInvalid):
		fail(c, http.StatusUnauthorized, ErrCodeCredentialInvalid, "provider rejected the configured credential")
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "resource not found")
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, ErrCodeTimeout, "request deadline exceeded")
	default:
		failProvider(c, err)
	}
}

func failProvider(c *gin.Context, err error) {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
		return
	}
	switch perr.Kind {
	case provider.KindAuth:
		fail(c, http.StatusUnauthorized, ErrCodeCredentialInvalid, "provider rejected the configured credential")
	case provider.KindRateLimited:
		if ra, ok := provider.RetryAfterOf(err); ok {
			c.Header("Retry-After", strconv.Itoa(int(ra.Seconds())))
		}
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, "provider rate limit reached")
	case provider.KindBadRequest:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "provider rejected the request")
	case provider.KindTransient:
		fail(c, http.StatusBadGateway, ErrCodeUpstreamFailed, "provider temporarily unavailable")
	default:
		fail(c, http.StatusBadGateway, ErrCodeBadUpstreamResponse, "provider returned an unusable response")
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
