// Package duplicate finds earlier credential tokens an issuer created for the
// same subject, identified by the composite hash in the creation note.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
	"credledger.org/internal/obs"
)

// ErrDuplicateCredential signals that the subject already holds a credential
// from the issuer. Callers decide whether to block or send to manual review.
var ErrDuplicateCredential = errors.New("duplicate: credential already issued for subject")

// Result lists the tokens carrying the checked composite hash.
type Result struct {
	Exists   bool     `json:"exists"`
	TokenIDs []uint64 `json:"token_ids"`
}

// Index maps (issuer, composite hash) to token ids so checks need not rescan
// the issuer's history.
type Index interface {
	Lookup(ctx context.Context, issuer ledger.Address, hash string) ([]uint64, error)
	Record(ctx context.Context, issuer ledger.Address, hash string, tokenID uint64) error
}

// notHashed marks cached creations whose note is not a credential note.
const notHashed = ""

const (
	defaultNumCounters = 1e6
	defaultMaxCost     = 1 << 20
	defaultBufferItems = 64
)

// Detector checks an issuer's creation history for a composite hash.
type Detector struct {
	ledger ledger.Service
	index  Index
	notes  *ristretto.Cache[string, string]
	scans  singleflight.Group
	log    *zap.Logger
}

type Option func(*Detector)

// WithIndex makes idx the source of truth for checks. The index must have
// been backfilled for every issuer it answers for.
func WithIndex(idx Index) Option {
	return func(d *Detector) { d.index = idx }
}

// New builds a Detector. maxCachedNotes bounds the decoded-note cache; zero
// picks a default.
func New(l ledger.Service, maxCachedNotes int64, opts ...Option) (*Detector, error) {
	if maxCachedNotes <= 0 {
		maxCachedNotes = defaultMaxCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: defaultNumCounters,
		MaxCost:     maxCachedNotes,
		BufferItems: defaultBufferItems,
		Cost:        func(string) int64 { return 1 },
	})
	if err != nil {
		return nil, fmt.Errorf("note cache: %w", err)
	}
	d := &Detector{ledger: l, notes: cache, log: obs.Named("duplicate")}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close releases the note cache.
func (d *Detector) Close() {
	d.notes.Close()
}

// CheckDuplicate reports every token the issuer created whose note carries
// compositeHash. Comparison is on the hash only, so tokens with different
// credential ids for the same subject all match.
func (d *Detector) CheckDuplicate(ctx context.Context, issuer ledger.Address, compositeHash string) (Result, error) {
	hash := strings.ToLower(strings.TrimSpace(compositeHash))
	if hash == "" {
		return Result{}, fmt.Errorf("%w: empty composite hash", codec.ErrMalformed)
	}

	if d.index != nil {
		ids, err := d.index.Lookup(ctx, issuer, hash)
		if err != nil {
			return Result{}, fmt.Errorf("index lookup: %w", err)
		}
		res := newResult(ids)
		obs.ObserveDuplicateCheck("index", res.Exists)
		return res, nil
	}

	byHash, err := d.scan(ctx, issuer)
	if err != nil {
		return Result{}, err
	}
	res := newResult(byHash[hash])
	obs.ObserveDuplicateCheck("scan", res.Exists)
	return res, nil
}

// EnsureUnique is CheckDuplicate as a guard: it fails with
// ErrDuplicateCredential when a match exists.
func (d *Detector) EnsureUnique(ctx context.Context, issuer ledger.Address, compositeHash string) error {
	res, err := d.CheckDuplicate(ctx, issuer, compositeHash)
	if err != nil {
		return err
	}
	if res.Exists {
		return fmt.Errorf("%w: tokens %v", ErrDuplicateCredential, res.TokenIDs)
	}
	return nil
}

// Record adds a freshly issued token to the index, if one is configured.
func (d *Detector) Record(ctx context.Context, issuer ledger.Address, compositeHash string, tokenID uint64) error {
	if d.index == nil {
		return nil
	}
	return d.index.Record(ctx, issuer, strings.ToLower(compositeHash), tokenID)
}

// Backfill copies the issuer's creation history into idx. It returns the
// number of credential tokens recorded.
func (d *Detector) Backfill(ctx context.Context, idx Index, issuer ledger.Address) (int, error) {
	byHash, err := d.scan(ctx, issuer)
	if err != nil {
		return 0, err
	}
	n := 0
	for hash, ids := range byHash {
		for _, id := range ids {
			if err := idx.Record(ctx, issuer, hash, id); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// scan groups the issuer's credential tokens by composite hash. Concurrent
// scans of one issuer share a single history fetch.
func (d *Detector) scan(ctx context.Context, issuer ledger.Address) (map[string][]uint64, error) {
	v, err, _ := d.scans.Do(issuer.String(), func() (any, error) {
		creations, err := d.ledger.Creations(ctx, issuer)
		if err != nil {
			return nil, fmt.Errorf("creation history of %s: %w", issuer, err)
		}
		byHash := make(map[string][]uint64)
		for _, c := range creations {
			if h := d.noteHash(c); h != notHashed {
				byHash[h] = append(byHash[h], c.AssetID)
			}
		}
		return byHash, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]uint64), nil
}

// noteHash returns the composite hash in c's note, or notHashed when the note
// is not a credential note. Notes are immutable, so results are cached by
// transaction id.
func (d *Detector) noteHash(c ledger.Creation) string {
	if h, ok := d.notes.Get(c.TxID); ok {
		return h
	}
	h := notHashed
	if note, err := codec.DecodeCreationNote(c.Note); err == nil {
		h = note.CompositeHash
	} else {
		d.log.Debug("skipping creation with undecodable note", zap.String("tx_id", c.TxID), zap.Error(err))
	}
	d.notes.Set(c.TxID, h, 1)
	return h
}

func newResult(ids []uint64) Result {
	ids = lo.Uniq(ids)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if ids == nil {
		ids = []uint64{}
	}
	return Result{Exists: len(ids) > 0, TokenIDs: ids}
}
