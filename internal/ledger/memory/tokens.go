package memory

import (
	"errors"
	"fmt"
	"sort"

	"credledger.org/internal/ledger"
)

var (
	errNoAsset     = errors.New("asset does not exist")
	errNotOptedIn  = errors.New("account has not opted in to asset")
	errFrozen      = errors.New("asset holding is frozen")
	errUnderfunded = errors.New("insufficient asset balance")
)

// The helpers below run with s.mu held.

func (s *InMemory) holding(addr ledger.Address, assetID uint64) (*ledger.Holding, bool) {
	h, ok := s.holdings[addr][assetID]
	return h, ok
}

func (s *InMemory) setHolding(addr ledger.Address, h *ledger.Holding) {
	acct, ok := s.holdings[addr]
	if !ok {
		acct = make(map[uint64]*ledger.Holding)
		s.holdings[addr] = acct
	}
	acct[h.AssetID] = h
}

func (s *InMemory) createAsset(txID string, tx ledger.Tx) (uint64, error) {
	p := tx.Params
	if p.Total == 0 {
		return 0, errors.New("asset total must be positive")
	}
	if len(p.MetadataHash) != 0 && len(p.MetadataHash) != 32 {
		return 0, fmt.Errorf("metadata hash is %d bytes", len(p.MetadataHash))
	}
	s.nextAsset++
	id := s.nextAsset
	s.assets[id] = &ledger.Asset{ID: id, Creator: tx.Sender, Params: p}
	s.setHolding(tx.Sender, &ledger.Holding{AssetID: id, Amount: p.Total})
	s.creations = append(s.creations, ledger.Creation{
		TxID:    txID,
		AssetID: id,
		Creator: tx.Sender,
		Note:    append([]byte(nil), tx.Note...),
		Round:   s.round,
		Time:    s.blockTime(),
	})
	return id, nil
}

func (s *InMemory) optIn(tx ledger.Tx) error {
	a, ok := s.assets[tx.AssetID]
	if !ok {
		return errNoAsset
	}
	if _, ok := s.holding(tx.Sender, tx.AssetID); ok {
		return nil
	}
	s.setHolding(tx.Sender, &ledger.Holding{AssetID: tx.AssetID, Frozen: a.Params.DefaultFrozen})
	return nil
}

func (s *InMemory) transfer(tx ledger.Tx) error {
	if _, ok := s.assets[tx.AssetID]; !ok {
		return errNoAsset
	}
	from, ok := s.holding(tx.Sender, tx.AssetID)
	if !ok {
		return errNotOptedIn
	}
	to, ok := s.holding(tx.Receiver, tx.AssetID)
	if !ok {
		return fmt.Errorf("receiver: %w", errNotOptedIn)
	}
	if from.Frozen {
		return errFrozen
	}
	if to.Frozen {
		return fmt.Errorf("receiver: %w", errFrozen)
	}
	if from.Amount < tx.Amount {
		return errUnderfunded
	}
	from.Amount -= tx.Amount
	to.Amount += tx.Amount
	return nil
}

func (s *InMemory) freeze(tx ledger.Tx) error {
	a, ok := s.assets[tx.AssetID]
	if !ok {
		return errNoAsset
	}
	if a.Params.Freeze.IsZero() || a.Params.Freeze != tx.Sender {
		return errors.New("sender is not the freeze authority")
	}
	h, ok := s.holding(tx.Target, tx.AssetID)
	if !ok {
		return fmt.Errorf("target: %w", errNotOptedIn)
	}
	h.Frozen = tx.Frozen
	return nil
}

func (s *InMemory) reclaim(tx ledger.Tx) error {
	a, ok := s.assets[tx.AssetID]
	if !ok {
		return errNoAsset
	}
	if a.Params.Clawback.IsZero() || a.Params.Clawback != tx.Sender {
		return errors.New("sender is not the reclaim authority")
	}
	from, ok := s.holding(tx.Target, tx.AssetID)
	if !ok {
		return fmt.Errorf("target: %w", errNotOptedIn)
	}
	if from.Amount < tx.Amount || tx.Amount == 0 {
		return fmt.Errorf("target: %w", errUnderfunded)
	}
	to, ok := s.holding(tx.Sender, tx.AssetID)
	if !ok {
		return errNotOptedIn
	}
	from.Amount -= tx.Amount
	to.Amount += tx.Amount
	return nil
}

func sortHoldings(h []ledger.Holding) {
	sort.Slice(h, func(i, j int) bool { return h[i].AssetID < h[j].AssetID })
}
