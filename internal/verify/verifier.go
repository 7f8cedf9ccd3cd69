// Package verify decides whether a presented credential is currently valid.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
	"credledger.org/internal/obs"
	"credledger.org/internal/registry"
)

// Reasons reported for invalid credentials.
const (
	ReasonIssuerNotRegistered = "issuer not registered"
	ReasonBeforeAuthorization = "issued before issuer was authorized"
	ReasonAfterRevocation     = "issued after issuer was revoked"
	ReasonAllRevoked          = "all credentials from this issuer have been revoked"
	ReasonUnavailable         = "verification unavailable"
	ReasonCorruptIssuer       = "issuer record is corrupted"
	ReasonCorruptRevocation   = "revocation record is corrupted"
)

// Result is the outcome of a verification. Invalid credentials are a normal
// result, not an error; Err carries the cause only when the check itself
// could not be completed.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// Registry is the read side of the issuer registry the verifier needs.
type Registry interface {
	GetIssuerStatus(ctx context.Context, addr ledger.Address) (codec.IssuerRecord, error)
	GetCredentialRevocation(ctx context.Context, credentialID string) (codec.CredentialRevocation, error)
}

var _ Registry = (*registry.Store)(nil)

type Verifier struct {
	registry Registry
	log      *zap.Logger
}

func New(r Registry) *Verifier {
	return &Verifier{registry: r, log: obs.Named("verify")}
}

// VerifyCredentialValidity runs the ordered checks and reports the first that
// fails. Issuer-level state is examined before the credential's own
// revocation record.
func (v *Verifier) VerifyCredentialValidity(ctx context.Context, credentialID string, issuer ledger.Address, issuedAt time.Time) Result {
	res := v.verify(ctx, credentialID, issuer, issuedAt)
	switch {
	case res.Valid:
		obs.ObserveVerification("valid")
	case res.Err != nil:
		obs.ObserveVerification("error")
		v.log.Warn("verification incomplete",
			zap.String("credential_id", credentialID),
			zap.Stringer("issuer", issuer),
			zap.String("reason", res.Reason),
			zap.Error(res.Err))
	default:
		obs.ObserveVerification("invalid")
	}
	return res
}

func (v *Verifier) verify(ctx context.Context, credentialID string, issuer ledger.Address, issuedAt time.Time) Result {
	rec, err := v.registry.GetIssuerStatus(ctx, issuer)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return invalid(ReasonIssuerNotRegistered)
	case errors.Is(err, registry.ErrValidation):
		return Result{Reason: ReasonCorruptIssuer, Err: err}
	case err != nil:
		return Result{Reason: ReasonUnavailable, Err: err}
	}

	if issuedAt.Before(rec.AuthorizedAt) {
		return invalid(ReasonBeforeAuthorization)
	}
	if rec.RevokedAt != nil && !issuedAt.Before(*rec.RevokedAt) {
		return invalid(ReasonAfterRevocation)
	}
	// retroactive: applies whatever the issuance date
	if rec.RevokeAllPrior {
		return invalid(ReasonAllRevoked)
	}

	rev, err := v.registry.GetCredentialRevocation(ctx, credentialID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return Result{Valid: true}
	case errors.Is(err, registry.ErrValidation):
		return Result{Reason: ReasonCorruptRevocation, Err: err}
	case err != nil:
		return Result{Reason: ReasonUnavailable, Err: err}
	}
	return invalid(fmt.Sprintf("credential revoked at %s", rev.RevokedAt.UTC().Format(time.RFC3339)))
}

func invalid(reason string) Result {
	return Result{Reason: reason}
}
