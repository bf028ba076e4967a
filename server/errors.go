package server

import (
	"errors"
	"fmt"

	"github.com/mcp-memory/authz/storage"
)

// Kind classifies a failure. Kinds are for logs, metrics and the protocol
// error mapping; callers outside the server never see them directly.
type Kind int

const (
	KindUnknown Kind = iota

	// Codes and tokens
	KindNotFound
	KindExpired
	KindAlreadyConsumed
	KindRevoked
	KindClientMismatch
	KindRedirectMismatch
	KindPKCEMismatch

	// Clients and scopes
	KindScopeNotAllowed
	KindUnknownClient
	KindClientInactive
	KindAuthenticationFailed

	KindInvalidRequest
	KindStoreUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindNotFound:             "not_found",
	KindExpired:              "expired",
	KindAlreadyConsumed:      "already_consumed",
	KindRevoked:              "revoked",
	KindClientMismatch:       "client_mismatch",
	KindRedirectMismatch:     "redirect_mismatch",
	KindPKCEMismatch:         "pkce_mismatch",
	KindScopeNotAllowed:      "scope_not_allowed",
	KindUnknownClient:        "unknown_client",
	KindClientInactive:       "client_inactive",
	KindAuthenticationFailed: "authentication_failed",
	KindInvalidRequest:       "invalid_request",
	KindStoreUnavailable:     "store_unavailable",
}

// String returns the snake_case name used in logs and metric attributes.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Operation names carried by Error.Op.
const (
	OpAuthorize    = "authorize"
	OpExchange     = "exchange"
	OpRefresh      = "refresh"
	OpValidate     = "validate"
	OpRevoke       = "revoke"
	OpAuthenticate = "authenticate"
	OpRegister     = "register"
	OpRotateSecret = "rotate_secret"
	OpDeactivate   = "deactivate"
	OpGetClient    = "get_client"
	OpListClients  = "list_clients"
	OpSweep        = "sweep"
)

// Error is a classified failure of a server operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain. Errors that
// carry no kind are KindUnknown; nil is KindUnknown as well.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// OpOf returns the operation of the first *Error in err's chain.
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

func newError(op string, kind Kind, format string, args ...any) *Error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify converts a storage error into an *Error. Errors that are already
// classified (for example returned from a consume check) keep their kind but
// take op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Op == op {
			return e
		}
		return &Error{Kind: e.Kind, Op: op, Err: e.Err}
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case errors.Is(err, storage.ErrExpired):
		return &Error{Kind: KindExpired, Op: op, Err: err}
	case errors.Is(err, storage.ErrAlreadyConsumed):
		return &Error{Kind: KindAlreadyConsumed, Op: op, Err: err}
	default:
		return &Error{Kind: KindStoreUnavailable, Op: op, Err: err}
	}
}
