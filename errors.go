package authz

import (
	"fmt"
	"net/http"

	"github.com/mcp-memory/authz/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Retryable reports whether the caller may retry the same request later.
// Only storage outages qualify; every other failure is final for the code or
// token involved.
func (e *OAuthError) Retryable() bool {
	return e.Code == ErrorCodeServerError
}

// Response returns the JSON body for e.
func (e *OAuthError) Response() ErrorResponse {
	return ErrorResponse{Error: e.Code, ErrorDescription: e.Description}
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// Fixed descriptions. Internal detail goes to logs, never into responses.
const (
	descInvalidGrant  = "The provided authorization grant is invalid, expired, or revoked"
	descInvalidClient = "Client authentication failed"
	descInvalidScope  = "The requested scope is invalid or exceeds the granted scope"
	descInvalidToken  = "The access token is invalid or expired"
	descRedirect      = "The redirect_uri is not registered for this client"
	descUnauthorized  = "The client is not authorized to request an authorization code"
	descServerError   = "The server is temporarily unable to handle the request"
	descBadRequest    = "The request is missing a required parameter or is otherwise malformed"
)

// ToOAuthError maps an error returned by the server package to the protocol
// error a client may see. Code and token failures all become invalid_grant
// and client identity failures invalid_client, so a response never reveals
// which check failed. A nil error maps to nil.
func ToOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}

	op := server.OpOf(err)
	switch kind := server.KindOf(err); kind {
	case server.KindStoreUnavailable, server.KindUnknown:
		return ErrServerError(descServerError)

	case server.KindInvalidRequest:
		return ErrInvalidRequest(descBadRequest)

	case server.KindScopeNotAllowed:
		return ErrInvalidScope(descInvalidScope)

	case server.KindAuthenticationFailed, server.KindUnknownClient:
		return ErrInvalidClient(descInvalidClient)

	case server.KindClientInactive:
		switch op {
		case server.OpAuthorize:
			return ErrUnauthorizedClient(descUnauthorized)
		case server.OpValidate:
			return ErrInvalidToken(descInvalidToken)
		}
		return ErrInvalidClient(descInvalidClient)

	case server.KindRedirectMismatch:
		// at the authorize step the redirect itself is untrusted, so the
		// error must be shown to the user rather than sent back
		if op == server.OpAuthorize {
			return ErrInvalidRequest(descRedirect)
		}
		return ErrInvalidGrant(descInvalidGrant)

	case server.KindNotFound, server.KindExpired, server.KindAlreadyConsumed, server.KindRevoked,
		server.KindClientMismatch, server.KindPKCEMismatch:
		if op == server.OpValidate {
			return ErrInvalidToken(descInvalidToken)
		}
		return ErrInvalidGrant(descInvalidGrant)

	default:
		return ErrServerError(descServerError)
	}
}
