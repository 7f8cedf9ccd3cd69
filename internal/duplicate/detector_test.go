package duplicate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
	"credledger.org/internal/ledger/memory"
)

type env struct {
	ledger *memory.InMemory
	issuer ledger.Account
}

func newEnv(t *testing.T) *env {
	t.Helper()
	admin, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	return &env{ledger: memory.New(admin.Address), issuer: issuer}
}

// create commits an asset creation with the given credential note fields; an
// empty credentialID writes a free-form note instead.
func (e *env) create(t *testing.T, credentialID, hash string) uint64 {
	t.Helper()
	note := []byte("not a credential")
	if credentialID != "" {
		var err error
		note, err = codec.EncodeCreationNote(codec.CreationNote{
			Name:          "Diploma",
			CredentialID:  credentialID,
			CompositeHash: hash,
			IssuedAt:      time.Unix(1000, 0),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	conf, err := ledger.Commit(context.Background(), e.ledger, e.issuer, ledger.CreateAsset(ledger.AssetParams{Total: 1}, note), 0)
	if err != nil {
		t.Fatal(err)
	}
	return conf.AssetID
}

func newDetector(t *testing.T, l ledger.Service, opts ...Option) *Detector {
	t.Helper()
	d, err := New(l, 0, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestCheckDuplicateMatchesOnHashOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hash := codec.CompositeHash("Aigerim", "1999-04-01")
	other := codec.CompositeHash("Daniyar", "2001-02-03")

	first := e.create(t, "cred_1", hash)
	e.create(t, "", "")
	e.create(t, "cred_2", other)
	second := e.create(t, "cred_3", hash)

	d := newDetector(t, e.ledger)
	res, err := d.CheckDuplicate(ctx, e.issuer.Address, hash)
	if err != nil {
		t.Fatalf("CheckDuplicate: %v", err)
	}
	if !res.Exists || len(res.TokenIDs) != 2 || res.TokenIDs[0] != first || res.TokenIDs[1] != second {
		t.Fatalf("unexpected result %+v", res)
	}

	// hashes compare case-insensitively
	res, err = d.CheckDuplicate(ctx, e.issuer.Address, "  "+upper(hash))
	if err != nil || len(res.TokenIDs) != 2 {
		t.Fatalf("upper-case lookup: %+v %v", res, err)
	}

	res, err = d.CheckDuplicate(ctx, e.issuer.Address, codec.CompositeHash("nobody"))
	if err != nil || res.Exists || res.TokenIDs == nil {
		t.Fatalf("expected empty non-nil result, got %+v %v", res, err)
	}

	if err := d.EnsureUnique(ctx, e.issuer.Address, hash); !errors.Is(err, ErrDuplicateCredential) {
		t.Fatalf("expected ErrDuplicateCredential, got %v", err)
	}
	if _, err := d.CheckDuplicate(ctx, e.issuer.Address, " "); !errors.Is(err, codec.ErrMalformed) {
		t.Fatalf("expected ErrMalformed for blank hash, got %v", err)
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func TestCheckDuplicateSeesNewIssuance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hash := codec.CompositeHash("Aigerim")
	d := newDetector(t, e.ledger)

	if res, err := d.CheckDuplicate(ctx, e.issuer.Address, hash); err != nil || res.Exists {
		t.Fatalf("fresh issuer: %+v %v", res, err)
	}
	id := e.create(t, "cred_1", hash)
	res, err := d.CheckDuplicate(ctx, e.issuer.Address, hash)
	if err != nil || !res.Exists || res.TokenIDs[0] != id {
		t.Fatalf("new token not found: %+v %v", res, err)
	}
}

// countingLedger counts history fetches.
type countingLedger struct {
	ledger.Service
	calls atomic.Int32
	gate  chan struct{}
}

func (c *countingLedger) Creations(ctx context.Context, creator ledger.Address) ([]ledger.Creation, error) {
	c.calls.Add(1)
	<-c.gate
	return c.Service.Creations(ctx, creator)
}

func TestConcurrentChecksShareOneScan(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hash := codec.CompositeHash("Aigerim")
	e.create(t, "cred_1", hash)

	cl := &countingLedger{Service: e.ledger, gate: make(chan struct{})}
	d := newDetector(t, cl)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := d.CheckDuplicate(ctx, e.issuer.Address, hash); err != nil || !res.Exists {
				t.Errorf("CheckDuplicate: %+v %v", res, err)
			}
		}()
	}
	// let the goroutines pile up on the first fetch
	time.Sleep(50 * time.Millisecond)
	close(cl.gate)
	wg.Wait()
	if n := cl.calls.Load(); n >= 8 {
		t.Fatalf("expected shared scans, got %d fetches", n)
	}
}

func TestIndexIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hash := codec.CompositeHash("Aigerim")
	old := e.create(t, "cred_1", hash)

	idx := NewMemoryIndex()
	d := newDetector(t, e.ledger, WithIndex(idx))

	if res, _ := d.CheckDuplicate(ctx, e.issuer.Address, hash); res.Exists {
		t.Fatal("index has not been backfilled yet")
	}
	n, err := d.Backfill(ctx, idx, e.issuer.Address)
	if err != nil || n != 1 {
		t.Fatalf("Backfill: %d %v", n, err)
	}
	if err := d.Record(ctx, e.issuer.Address, hash, 4242); err != nil {
		t.Fatal(err)
	}
	res, err := d.CheckDuplicate(ctx, e.issuer.Address, hash)
	if err != nil || len(res.TokenIDs) != 2 || res.TokenIDs[0] != old || res.TokenIDs[1] != 4242 {
		t.Fatalf("unexpected indexed result %+v %v", res, err)
	}
}
