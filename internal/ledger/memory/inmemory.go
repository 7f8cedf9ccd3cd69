// Package memory provides a deterministic in-process ledger used by tests and
// by the development server. It emulates the issuer registry program and the
// native token primitive closely enough that rejections happen where the real
// ledger would reject.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"credledger.org/internal/ids"
	"credledger.org/internal/ledger"
)

type pendingTx struct {
	id string
	tx ledger.Tx
}

// InMemory implements ledger.Service with in-process concurrency safety.
type InMemory struct {
	mu    sync.Mutex
	now   func() time.Time
	admin ledger.Address

	round     uint64
	nextAsset uint64
	stalled   bool

	boxes     map[string][]byte
	assets    map[uint64]*ledger.Asset
	holdings  map[ledger.Address]map[uint64]*ledger.Holding
	creations []ledger.Creation
	confirmed map[string]ledger.Confirmation
	rejected  map[string]error
	pending   []pendingTx
}

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the ledger's block timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New creates an empty ledger whose registry program is administered by admin.
func New(admin ledger.Address, opts ...Option) *InMemory {
	s := &InMemory{
		now:       time.Now,
		admin:     admin,
		nextAsset: 1000,
		boxes:     make(map[string][]byte),
		assets:    make(map[uint64]*ledger.Asset),
		holdings:  make(map[ledger.Address]map[uint64]*ledger.Holding),
		confirmed: make(map[string]ledger.Confirmation),
		rejected:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ledger.Service = (*InMemory)(nil)

// Stall keeps subsequent submissions pending so confirmation waits time out.
func (s *InMemory) Stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
}

// Resume commits every pending submission in order and returns to immediate
// confirmation.
func (s *InMemory) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = false
	for _, p := range s.pending {
		if _, err := s.commit(p.id, p.tx); err != nil {
			s.rejected[p.id] = err
		}
	}
	s.pending = nil
}

// Round returns the current round.
func (s *InMemory) Round() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

func (s *InMemory) Submit(ctx context.Context, signer ledger.Account, tx ledger.Tx) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !signer.Valid() {
		return "", fmt.Errorf("%w: signature does not match sender", ledger.ErrRejected)
	}
	tx.Sender = signer.Address
	id := ids.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stalled {
		s.pending = append(s.pending, pendingTx{id: id, tx: tx})
		return id, nil
	}
	if _, err := s.commit(id, tx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *InMemory) WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Confirmation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if conf, ok := s.confirmed[txID]; ok {
		return conf, nil
	}
	if err, ok := s.rejected[txID]; ok {
		return ledger.Confirmation{}, err
	}
	for _, p := range s.pending {
		if p.id == txID {
			s.round += rounds
			return ledger.Confirmation{}, fmt.Errorf("%w: %s after %d rounds", ledger.ErrConfirmationTimeout, txID, rounds)
		}
	}
	return ledger.Confirmation{}, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, txID)
}

func (s *InMemory) Box(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.boxes[string(key)]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *InMemory) BoxNames(ctx context.Context, prefix []byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for key := range s.boxes {
		if strings.HasPrefix(key, string(prefix)) {
			out = append(out, []byte(key))
		}
	}
	slices.SortFunc(out, bytes.Compare)
	return out, nil
}

func (s *InMemory) Holdings(ctx context.Context, addr ledger.Address) ([]ledger.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.holdings[addr]
	out := make([]ledger.Holding, 0, len(acct))
	for _, h := range acct {
		out = append(out, *h)
	}
	sortHoldings(out)
	return out, nil
}

func (s *InMemory) Asset(ctx context.Context, id uint64) (ledger.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return ledger.Asset{}, ledger.ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) AssetCreation(ctx context.Context, id uint64) (ledger.Creation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creations {
		if c.AssetID == id {
			return c, nil
		}
	}
	return ledger.Creation{}, ledger.ErrNotFound
}

func (s *InMemory) Creations(ctx context.Context, creator ledger.Address) ([]ledger.Creation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Creation
	for _, c := range s.creations {
		if c.Creator == creator {
			out = append(out, c)
		}
	}
	return out, nil
}

// PutBox writes raw box contents, bypassing the program. Tests use it to plant
// corrupted or legacy records.
func (s *InMemory) PutBox(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes[string(key)] = append([]byte(nil), value...)
}

// commit applies tx in a new round. Caller holds s.mu.
func (s *InMemory) commit(id string, tx ledger.Tx) (ledger.Confirmation, error) {
	s.round++
	conf := ledger.Confirmation{TxID: id, Round: s.round}

	var err error
	switch tx.Kind {
	case ledger.TxAppCall:
		err = s.callProgram(tx)
	case ledger.TxAssetCreate:
		conf.AssetID, err = s.createAsset(id, tx)
	case ledger.TxAssetOptIn:
		err = s.optIn(tx)
	case ledger.TxAssetTransfer:
		err = s.transfer(tx)
	case ledger.TxAssetFreeze:
		err = s.freeze(tx)
	case ledger.TxAssetReclaim:
		err = s.reclaim(tx)
	default:
		err = fmt.Errorf("unknown transaction kind %q", tx.Kind)
	}
	if err != nil {
		return ledger.Confirmation{}, fmt.Errorf("%w: %v", ledger.ErrRejected, err)
	}
	s.confirmed[id] = conf
	return conf, nil
}

func (s *InMemory) blockTime() time.Time {
	return s.now().UTC().Truncate(time.Second)
}
