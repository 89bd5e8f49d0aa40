// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// These symbolic constants are mapped to HTTP responses via the `fail()`
// helper and give clients a stable, machine-readable taxonomy alongside the
// human-readable message. Codes are lowercase snake_case; generic ones mirror
// HTTP status semantics, domain-specific ones name resolver and provider
// outcomes that a status alone cannot convey.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "credential_invalid",
//	  "message": "provider rejected the configured credential"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeTimeout      = "timeout"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeCredentialUnavailable = "credential_unavailable"
	ErrCodeCredentialInvalid     = "credential_invalid"
	ErrCodeUpstreamFailed        = "upstream_failed"
	ErrCodeBadUpstreamResponse   = "bad_upstream_response"
	ErrCodeMethodNotAllowed      = "method_not_allowed"
)
