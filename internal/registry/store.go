// Package registry maintains the issuer authorization state machine kept in
// registry program boxes: Unregistered, Active, Revoked, and back to Active on
// reinstatement. Records are never deleted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"credledger.org/internal/audit"
	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
	"credledger.org/internal/obs"
	"credledger.org/internal/stream"
)

// Store reads and writes issuer records through the ledger port.
type Store struct {
	ledger       ledger.Service
	admin        ledger.Address
	rounds       uint64
	reservations Reservations
	events       stream.Publisher
	log          *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithConfirmationRounds overrides the confirmation round budget of writes.
func WithConfirmationRounds(n uint64) Option {
	return func(s *Store) { s.rounds = n }
}

// WithReservations enables name and website uniqueness claims.
func WithReservations(r Reservations) Option {
	return func(s *Store) { s.reservations = r }
}

// WithEvents publishes confirmed registry changes.
func WithEvents(p stream.Publisher) Option {
	return func(s *Store) { s.events = p }
}

// New returns a Store over l whose program is administered by admin.
func New(l ledger.Service, admin ledger.Address, opts ...Option) *Store {
	s := &Store{
		ledger: l,
		admin:  admin,
		rounds: ledger.DefaultConfirmationRounds,
		log:    obs.Named("registry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admin returns the registry admin address.
func (s *Store) Admin() ledger.Address { return s.admin }

// AddIssuer registers addr, vouched for by voucher. The voucher must be the
// admin or an active issuer; the program enforces this and the client only
// classifies the rejection.
func (s *Store) AddIssuer(ctx context.Context, voucher ledger.Account, addr ledger.Address, meta codec.IssuerMetadata) (conf ledger.Confirmation, err error) {
	defer func() { obs.ObserveRegistryOp("add_issuer", outcome(err)) }()

	if addr.IsZero() {
		return ledger.Confirmation{}, fmt.Errorf("%w: issuer address is empty", ErrValidation)
	}
	if err := ValidateMetadata(meta); err != nil {
		return ledger.Confirmation{}, err
	}
	if _, err := s.ledger.Box(ctx, codec.IssuerKey(addr)); err == nil {
		return ledger.Confirmation{}, fmt.Errorf("%w: issuer %s", ErrAlreadyExists, addr)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Confirmation{}, err
	}

	release, err := s.reserve(ctx, addr, meta)
	if err != nil {
		return ledger.Confirmation{}, err
	}
	tx := ledger.AppCall(codec.AddIssuerArgs(addr, meta), [][]byte{
		codec.IssuerKey(addr),
		codec.MetadataKey(addr),
		codec.IssuerKey(voucher.Address),
	})
	conf, err = ledger.Commit(ctx, s.ledger, voucher, tx, s.rounds)
	if err != nil {
		err = s.classifyAdd(ctx, voucher.Address, addr, err)
		release(err)
		return conf, err
	}

	s.record(ctx, "issuer.added", stream.IssuerAdded, addr, map[string]any{
		"vouched_by": voucher.Address.String(),
		"name":       meta.Name,
		"tx_id":      conf.TxID,
	})
	return conf, nil
}

// EnsureIssuer is AddIssuer for callers resubmitting after a confirmation
// timeout: an issuer that already exists counts as success.
func (s *Store) EnsureIssuer(ctx context.Context, voucher ledger.Account, addr ledger.Address, meta codec.IssuerMetadata) error {
	_, err := s.AddIssuer(ctx, voucher, addr, meta)
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}

// classifyAdd turns a generic add_issuer rejection into the most specific
// registry error the current ledger state explains.
func (s *Store) classifyAdd(ctx context.Context, voucher, addr ledger.Address, err error) error {
	if !errors.Is(err, ledger.ErrRejected) {
		return err
	}
	if _, berr := s.ledger.Box(ctx, codec.IssuerKey(addr)); berr == nil {
		return fmt.Errorf("%w: issuer %s", ErrAlreadyExists, addr)
	}
	if voucher != s.admin && !s.activeIssuer(ctx, voucher) {
		return fmt.Errorf("%w: %s is neither admin nor an active issuer", ErrAuthorization, voucher)
	}
	return err
}

func (s *Store) activeIssuer(ctx context.Context, addr ledger.Address) bool {
	rec, err := s.GetIssuerStatus(ctx, addr)
	return err == nil && rec.IsActive()
}

// RevokeIssuer marks addr revoked as of the confirming block. revokeAllPrior
// voids every credential the issuer ever signed; once set it stays set.
//
// Revoking an issuer that is already revoked never moves revokedAt later.
// When it would only restate the current record nothing is submitted and a
// zero Confirmation is returned; escalating to revokeAllPrior is submitted,
// since the flag makes the date irrelevant.
func (s *Store) RevokeIssuer(ctx context.Context, admin ledger.Account, addr ledger.Address, revokeAllPrior bool) (conf ledger.Confirmation, err error) {
	defer func() { obs.ObserveRegistryOp("revoke_issuer", outcome(err)) }()

	if err := s.requireAdmin(admin); err != nil {
		return ledger.Confirmation{}, err
	}
	rec, err := s.GetIssuerStatus(ctx, addr)
	if err != nil {
		return ledger.Confirmation{}, err
	}
	if !rec.IsActive() && (rec.RevokeAllPrior || !revokeAllPrior) {
		s.log.Info("issuer already revoked", zap.Stringer("address", addr), zap.Time("revoked_at", *rec.RevokedAt))
		return ledger.Confirmation{}, nil
	}
	tx := ledger.AppCall(codec.RevokeIssuerArgs(addr, revokeAllPrior), [][]byte{codec.IssuerKey(addr)})
	conf, err = ledger.Commit(ctx, s.ledger, admin, tx, s.rounds)
	if err != nil {
		return conf, err
	}
	s.record(ctx, "issuer.revoked", stream.IssuerRevoked, addr, map[string]any{
		"revoke_all_prior": revokeAllPrior,
		"tx_id":            conf.TxID,
	})
	return conf, nil
}

// ReinstateIssuer clears revokedAt. The revoke-all-prior flag is left alone.
func (s *Store) ReinstateIssuer(ctx context.Context, admin ledger.Account, addr ledger.Address) (conf ledger.Confirmation, err error) {
	defer func() { obs.ObserveRegistryOp("reinstate_issuer", outcome(err)) }()

	if err := s.requireAdmin(admin); err != nil {
		return ledger.Confirmation{}, err
	}
	if _, err := s.GetIssuerStatus(ctx, addr); err != nil {
		return ledger.Confirmation{}, err
	}
	tx := ledger.AppCall(codec.ReinstateIssuerArgs(addr), [][]byte{codec.IssuerKey(addr)})
	conf, err = ledger.Commit(ctx, s.ledger, admin, tx, s.rounds)
	if err != nil {
		return conf, err
	}
	s.record(ctx, "issuer.reinstated", stream.IssuerReinstated, addr, map[string]any{"tx_id": conf.TxID})
	return conf, nil
}

// UpdateMetadata replaces addr's metadata record wholesale.
func (s *Store) UpdateMetadata(ctx context.Context, admin ledger.Account, addr ledger.Address, meta codec.IssuerMetadata) (conf ledger.Confirmation, err error) {
	defer func() { obs.ObserveRegistryOp("update_metadata", outcome(err)) }()

	if err := s.requireAdmin(admin); err != nil {
		return ledger.Confirmation{}, err
	}
	if err := ValidateMetadata(meta); err != nil {
		return ledger.Confirmation{}, err
	}
	if _, err := s.GetIssuerStatus(ctx, addr); err != nil {
		return ledger.Confirmation{}, err
	}
	release, err := s.reserve(ctx, addr, meta)
	if err != nil {
		return ledger.Confirmation{}, err
	}
	tx := ledger.AppCall(codec.UpdateMetadataArgs(addr, meta), [][]byte{codec.IssuerKey(addr), codec.MetadataKey(addr)})
	conf, err = ledger.Commit(ctx, s.ledger, admin, tx, s.rounds)
	if err != nil {
		release(err)
		return conf, err
	}
	s.record(ctx, "issuer.metadata_updated", stream.IssuerMetadataUpdate, addr, map[string]any{
		"name":  meta.Name,
		"tx_id": conf.TxID,
	})
	return conf, nil
}

// MigrateMetadata rewrites a metadata box still in the legacy null-delimited
// layout into the canonical layout. It reports whether a rewrite happened.
func (s *Store) MigrateMetadata(ctx context.Context, admin ledger.Account, addr ledger.Address) (bool, error) {
	raw, err := s.ledger.Box(ctx, codec.MetadataKey(addr))
	if err != nil {
		return false, err
	}
	if _, err := codec.DecodeMetadata(raw); err == nil {
		return false, nil
	}
	meta, err := codec.DecodeLegacyMetadata(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if _, err := s.UpdateMetadata(ctx, admin, addr, meta); err != nil {
		return false, err
	}
	return true, nil
}

// BackfillClaims seeds the reservations from every metadata box on the
// ledger, so names registered before this process started stay unique. A box
// whose name or website collides with an earlier claim is logged and
// skipped. It returns the number of claims taken.
func (s *Store) BackfillClaims(ctx context.Context) (int, error) {
	if s.reservations == nil {
		return 0, nil
	}
	lister, ok := s.ledger.(ledger.BoxLister)
	if !ok {
		return 0, errors.New("registry: ledger cannot enumerate boxes")
	}
	names, err := lister.BoxNames(ctx, []byte(codec.MetadataPrefix))
	if err != nil {
		return 0, fmt.Errorf("list metadata boxes: %w", err)
	}
	n := 0
	for _, name := range names {
		addr, err := ledger.AddressFromBytes(name[len(codec.MetadataPrefix):])
		if err != nil {
			s.log.Warn("skipping metadata box", zap.Binary("box", name), zap.Error(err))
			continue
		}
		raw, err := s.ledger.Box(ctx, name)
		if err != nil {
			return n, fmt.Errorf("metadata %s: %w", addr, err)
		}
		meta, err := codec.DecodeMetadata(raw)
		if err != nil {
			if meta, err = codec.DecodeLegacyMetadata(raw); err != nil {
				s.log.Warn("skipping undecodable metadata", zap.Stringer("address", addr), zap.Error(err))
				continue
			}
		}
		_, err = s.reservations.Reserve(ctx, Claim{Address: addr, Name: meta.Name, Website: meta.Website})
		switch {
		case errors.Is(err, ErrMetadataTaken):
			s.log.Warn("metadata already claimed by another issuer", zap.Stringer("address", addr), zap.String("name", meta.Name))
		case err != nil:
			return n, err
		default:
			n++
		}
	}
	return n, nil
}

// RevokeCredential records an individual credential revocation for issuer.
func (s *Store) RevokeCredential(ctx context.Context, admin ledger.Account, credentialID string, issuer ledger.Address) (conf ledger.Confirmation, err error) {
	defer func() { obs.ObserveRegistryOp("revoke_credential", outcome(err)) }()

	credentialID = strings.TrimSpace(credentialID)
	if credentialID == "" {
		return ledger.Confirmation{}, fmt.Errorf("%w: credential id is empty", ErrValidation)
	}
	if err := s.requireAdmin(admin); err != nil {
		return ledger.Confirmation{}, err
	}
	if _, err := s.GetIssuerStatus(ctx, issuer); err != nil {
		return ledger.Confirmation{}, err
	}
	switch _, err := s.GetCredentialRevocation(ctx, credentialID); {
	case err == nil:
		return ledger.Confirmation{}, fmt.Errorf("%w: credential %s already revoked", ErrAlreadyExists, credentialID)
	case !errors.Is(err, ErrNotFound):
		return ledger.Confirmation{}, err
	}
	tx := ledger.AppCall(codec.RevokeCredentialArgs(credentialID, issuer), [][]byte{codec.RevocationKey(credentialID)})
	conf, err = ledger.Commit(ctx, s.ledger, admin, tx, s.rounds)
	if err != nil {
		return conf, err
	}
	s.record(ctx, "credential.revoked", stream.CredentialRevoked, issuer, map[string]any{
		"credential_id": credentialID,
		"tx_id":         conf.TxID,
	})
	return conf, nil
}

// GetIssuerStatus returns addr's record. Absent issuers yield ErrNotFound;
// corrupt boxes yield ErrValidation, never a default record.
func (s *Store) GetIssuerStatus(ctx context.Context, addr ledger.Address) (codec.IssuerRecord, error) {
	raw, err := s.ledger.Box(ctx, codec.IssuerKey(addr))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return codec.IssuerRecord{}, fmt.Errorf("issuer %s: %w", addr, ErrNotFound)
		}
		return codec.IssuerRecord{}, err
	}
	rec, err := codec.DecodeIssuerRecord(raw)
	if err != nil {
		return codec.IssuerRecord{}, fmt.Errorf("%w: issuer %s: %w", ErrValidation, addr, err)
	}
	rec.Address = addr
	return rec, nil
}

func (s *Store) GetIssuerMetadata(ctx context.Context, addr ledger.Address) (codec.IssuerMetadata, error) {
	raw, err := s.ledger.Box(ctx, codec.MetadataKey(addr))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return codec.IssuerMetadata{}, fmt.Errorf("metadata %s: %w", addr, ErrNotFound)
		}
		return codec.IssuerMetadata{}, err
	}
	meta, err := codec.DecodeMetadata(raw)
	if err != nil {
		return codec.IssuerMetadata{}, fmt.Errorf("%w: metadata %s: %w", ErrValidation, addr, err)
	}
	return meta, nil
}

func (s *Store) GetCredentialRevocation(ctx context.Context, credentialID string) (codec.CredentialRevocation, error) {
	raw, err := s.ledger.Box(ctx, codec.RevocationKey(credentialID))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return codec.CredentialRevocation{}, fmt.Errorf("revocation %s: %w", credentialID, ErrNotFound)
		}
		return codec.CredentialRevocation{}, err
	}
	rev, err := codec.DecodeRevocation(credentialID, raw)
	if err != nil {
		return codec.CredentialRevocation{}, fmt.Errorf("%w: revocation %s: %w", ErrValidation, credentialID, err)
	}
	return rev, nil
}

func (s *Store) requireAdmin(acct ledger.Account) error {
	if acct.Address != s.admin {
		return fmt.Errorf("%w: %s is not the registry admin", ErrAuthorization, acct.Address)
	}
	return nil
}

// reserve claims meta's name and website for addr. The returned func rolls
// the claim back unless the write may still land.
func (s *Store) reserve(ctx context.Context, addr ledger.Address, meta codec.IssuerMetadata) (func(error), error) {
	if s.reservations == nil {
		return func(error) {}, nil
	}
	prev, err := s.reservations.Reserve(ctx, Claim{Address: addr, Name: meta.Name, Website: meta.Website})
	if err != nil {
		return nil, err
	}
	return func(cause error) {
		if errors.Is(cause, ledger.ErrConfirmationTimeout) {
			return
		}
		ctx := context.WithoutCancel(ctx)
		restore := prev
		if errors.Is(cause, ErrAlreadyExists) {
			// another writer registered addr meanwhile; its stored metadata
			// owns the claim, whatever this call or its predecessor reserved
			meta, err := s.GetIssuerMetadata(ctx, addr)
			if err != nil {
				s.log.Warn("reload reservation failed", zap.Stringer("address", addr), zap.Error(err))
				return
			}
			restore = &Claim{Address: addr, Name: meta.Name, Website: meta.Website}
		}
		if err := s.reservations.Restore(ctx, addr, restore); err != nil {
			s.log.Warn("restore reservation failed", zap.Stringer("address", addr), zap.Error(err))
		}
	}, nil
}

func (s *Store) record(ctx context.Context, event, kind string, subject ledger.Address, fields map[string]any) {
	fields["address"] = subject.String()
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		s.log.Warn("audit log failed", zap.String("event", event), zap.Error(err))
	}
	stream.Emit(s.events, kind, subject.String(), fields)
}
