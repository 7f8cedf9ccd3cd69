// Package token manages credential tokens: single-unit, indivisible ledger
// assets whose issuer keeps the freeze and reclaim authorities for life.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"credledger.org/internal/audit"
	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
	"credledger.org/internal/obs"
	"credledger.org/internal/stream"
)

const (
	// UnitName is the unit label of every credential token.
	UnitName = "CRED"

	maxAssetName = 32
	maxNoteBytes = 1024
)

var (
	ErrInvalidMetadata = errors.New("token: invalid credential metadata")
	ErrNotOptedIn      = errors.New("token: holder has not opted in")
	ErrNotHeld         = errors.New("token: unit is held by neither issuer nor holder")
)

// Metadata is embedded in a credential token's creation note.
type Metadata struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	CredentialID  string    `json:"credential_id"`
	CompositeHash string    `json:"composite_hash"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Credential is a credential token as seen in a wallet.
type Credential struct {
	TokenID uint64         `json:"token_id"`
	Creator ledger.Address `json:"creator"`
	Holder  ledger.Address `json:"holder"`
	Frozen  bool           `json:"frozen"`
	Metadata
}

// Manager builds and submits credential token transactions.
type Manager struct {
	ledger ledger.Service
	rounds uint64
	events stream.Publisher
	now    func() time.Time
	log    *zap.Logger

	freezeRetries  uint64
	freezeInterval time.Duration
	scanWorkers    int
}

// Option configures a Manager.
type Option func(*Manager)

func WithConfirmationRounds(n uint64) Option {
	return func(m *Manager) { m.rounds = n }
}

func WithEvents(p stream.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithFreezeRetry bounds how often EnsureSoulbound retries a failed freeze.
func WithFreezeRetry(retries uint64, interval time.Duration) Option {
	return func(m *Manager) {
		m.freezeRetries = retries
		m.freezeInterval = interval
	}
}

// WithScanWorkers caps concurrent lookups in GetWalletCredentials.
func WithScanWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.scanWorkers = n
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

func New(l ledger.Service, opts ...Option) *Manager {
	m := &Manager{
		ledger:         l,
		rounds:         ledger.DefaultConfirmationRounds,
		now:            time.Now,
		log:            obs.Named("token"),
		freezeRetries:  5,
		freezeInterval: 2 * time.Second,
		scanWorkers:    8,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCredentialToken creates a one-unit token held by the issuer. The note
// carries the credential fields for scanning; the metadata hash commits to the
// note for tamper evidence.
func (m *Manager) CreateCredentialToken(ctx context.Context, issuer ledger.Account, meta Metadata) (uint64, error) {
	note, err := m.encodeNote(meta)
	if err != nil {
		return 0, err
	}
	params := ledger.AssetParams{
		Total:        1,
		Decimals:     0,
		UnitName:     UnitName,
		Name:         truncate(meta.Name, maxAssetName),
		MetadataHash: codec.MetadataHash(note),
		Manager:      issuer.Address,
		Reserve:      issuer.Address,
		Freeze:       issuer.Address,
		Clawback:     issuer.Address,
	}
	conf, err := ledger.Commit(ctx, m.ledger, issuer, ledger.CreateAsset(params, note), m.rounds)
	if err != nil {
		return 0, fmt.Errorf("create credential token: %w", err)
	}
	m.record(ctx, "token.created", stream.TokenCreated, conf.AssetID, map[string]any{
		"issuer":        issuer.Address.String(),
		"credential_id": meta.CredentialID,
		"tx_id":         conf.TxID,
	})
	return conf.AssetID, nil
}

func (m *Manager) encodeNote(meta Metadata) ([]byte, error) {
	if strings.TrimSpace(meta.Name) == "" {
		return nil, fmt.Errorf("%w: name is empty", ErrInvalidMetadata)
	}
	issuedAt := meta.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = m.now()
	}
	note, err := codec.EncodeCreationNote(codec.CreationNote{
		Name:          meta.Name,
		Description:   meta.Description,
		CredentialID:  meta.CredentialID,
		CompositeHash: strings.ToLower(meta.CompositeHash),
		IssuedAt:      issuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}
	if len(note) > maxNoteBytes {
		return nil, fmt.Errorf("%w: note is %d bytes, limit %d", ErrInvalidMetadata, len(note), maxNoteBytes)
	}
	return note, nil
}

// OptIn registers holder to receive tokenID. Wallet tooling signs this; the
// engine exposes it for tests and operator scripts.
func (m *Manager) OptIn(ctx context.Context, holder ledger.Account, tokenID uint64) error {
	if _, err := ledger.Commit(ctx, m.ledger, holder, ledger.OptIn(tokenID), m.rounds); err != nil {
		return fmt.Errorf("opt in to %d: %w", tokenID, err)
	}
	return nil
}

// TransferToken moves the single unit from sender to recipient. The recipient
// must have opted in; the ledger rejects the transfer otherwise.
func (m *Manager) TransferToken(ctx context.Context, sender ledger.Account, recipient ledger.Address, tokenID uint64) error {
	if _, err := ledger.Commit(ctx, m.ledger, sender, ledger.TransferAsset(recipient, tokenID, 1), m.rounds); err != nil {
		return fmt.Errorf("transfer %d: %w", tokenID, err)
	}
	return nil
}

// FreezeToken sets the frozen flag on holder's balance of tokenID.
func (m *Manager) FreezeToken(ctx context.Context, issuer ledger.Account, holder ledger.Address, tokenID uint64, frozen bool) error {
	if _, err := ledger.Commit(ctx, m.ledger, issuer, ledger.FreezeAsset(holder, tokenID, frozen), m.rounds); err != nil {
		return fmt.Errorf("freeze %d for %s: %w", tokenID, holder, err)
	}
	return nil
}

// RevokeToken reclaims the unit from holder without its consent. A holder
// that does not hold the unit makes the ledger reject the reclaim.
func (m *Manager) RevokeToken(ctx context.Context, issuer ledger.Account, holder ledger.Address, tokenID uint64) error {
	conf, err := ledger.Commit(ctx, m.ledger, issuer, ledger.ReclaimAsset(holder, tokenID, 1), m.rounds)
	if err != nil {
		return fmt.Errorf("reclaim %d from %s: %w", tokenID, holder, err)
	}
	m.record(ctx, "token.reclaimed", stream.TokenReclaimed, tokenID, map[string]any{
		"issuer": issuer.Address.String(),
		"holder": holder.String(),
		"tx_id":  conf.TxID,
	})
	return nil
}

// OptInFunc arranges for the holder to opt in to a freshly created token,
// typically by asking the holder's wallet to sign.
type OptInFunc func(ctx context.Context, tokenID uint64) error

// Issue creates a credential token and delivers it to holder as a soulbound
// unit. optIn runs between creation and delivery.
func (m *Manager) Issue(ctx context.Context, issuer ledger.Account, holder ledger.Address, meta Metadata, optIn OptInFunc) (Credential, error) {
	if meta.IssuedAt.IsZero() {
		meta.IssuedAt = m.now()
	}
	meta.IssuedAt = meta.IssuedAt.UTC().Truncate(time.Second)
	tokenID, err := m.CreateCredentialToken(ctx, issuer, meta)
	if err != nil {
		return Credential{}, err
	}
	if optIn != nil {
		if err := optIn(ctx, tokenID); err != nil {
			return Credential{TokenID: tokenID}, fmt.Errorf("holder opt-in for %d: %w", tokenID, err)
		}
	}
	if err := m.EnsureSoulbound(ctx, issuer, holder, tokenID); err != nil {
		return Credential{TokenID: tokenID}, err
	}
	return Credential{
		TokenID:  tokenID,
		Creator:  issuer.Address,
		Holder:   holder,
		Frozen:   true,
		Metadata: meta,
	}, nil
}

func (m *Manager) record(ctx context.Context, event, kind string, tokenID uint64, fields map[string]any) {
	fields["token_id"] = tokenID
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		m.log.Warn("audit log failed", zap.String("event", event), zap.Error(err))
	}
	stream.Emit(m.events, kind, fmt.Sprint(tokenID), fields)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
