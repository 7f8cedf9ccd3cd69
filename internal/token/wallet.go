package token

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
)

// GetWalletCredentials lists the credential tokens wallet holds from issuer,
// in token id order. Tokens whose creation note does not decode are logged and
// skipped; they are usually unrelated assets.
func (m *Manager) GetWalletCredentials(ctx context.Context, wallet, issuer ledger.Address) ([]Credential, error) {
	holdings, err := m.ledger.Holdings(ctx, wallet)
	if err != nil {
		return nil, err
	}
	held := lo.Filter(holdings, func(h ledger.Holding, _ int) bool { return h.Amount > 0 })

	found := make([]*Credential, len(held))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.scanWorkers)
	for i, h := range held {
		g.Go(func() error {
			cred, err := m.lookup(gctx, wallet, issuer, h)
			if err != nil {
				return err
			}
			found[i] = cred
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lo.FilterMap(found, func(c *Credential, _ int) (Credential, bool) {
		if c == nil {
			return Credential{}, false
		}
		return *c, true
	}), nil
}

// lookup returns nil for holdings that are not credentials from issuer.
func (m *Manager) lookup(ctx context.Context, wallet, issuer ledger.Address, h ledger.Holding) (*Credential, error) {
	asset, err := m.ledger.Asset(ctx, h.AssetID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if asset.Creator != issuer {
		return nil, nil
	}
	creation, err := m.ledger.AssetCreation(ctx, h.AssetID)
	if errors.Is(err, ledger.ErrNotFound) {
		m.log.Warn("creation transaction missing", zap.Uint64("token_id", h.AssetID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	note, err := codec.DecodeCreationNote(creation.Note)
	if err != nil {
		m.log.Info("skipping token with undecodable note", zap.Uint64("token_id", h.AssetID), zap.Error(err))
		return nil, nil
	}
	return &Credential{
		TokenID: h.AssetID,
		Creator: asset.Creator,
		Holder:  wallet,
		Frozen:  h.Frozen,
		Metadata: Metadata{
			Name:          note.Name,
			Description:   note.Description,
			CredentialID:  note.CredentialID,
			CompositeHash: note.CompositeHash,
			IssuedAt:      note.IssuedAt,
		},
	}, nil
}
