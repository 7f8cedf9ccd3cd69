package registry

import (
	"errors"

	"credledger.org/internal/ledger"
)

var (
	// ErrNotFound is the ledger's not-found sentinel; absent issuers and
	// revocations match both.
	ErrNotFound      = ledger.ErrNotFound
	ErrValidation    = errors.New("registry: validation failed")
	ErrAuthorization = errors.New("registry: not authorized")
	ErrAlreadyExists = errors.New("registry: already exists")
	ErrMetadataTaken = errors.New("registry: issuer name or website already in use")
)

// outcome buckets an error for the operations metric.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrAuthorization):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrMetadataTaken):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return "timeout"
	case errors.Is(err, ledger.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
