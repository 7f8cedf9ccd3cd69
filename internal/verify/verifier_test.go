package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
	"credledger.org/internal/ledger/memory"
	"credledger.org/internal/registry"
)

type world struct {
	now      int64
	ledger   *memory.InMemory
	registry *registry.Store
	verifier *Verifier
	admin    ledger.Account
	issuer   ledger.Account
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{admin: account(t), issuer: account(t), now: 100}
	w.ledger = memory.New(w.admin.Address, memory.WithClock(func() time.Time { return time.Unix(w.now, 0) }))
	w.registry = registry.New(w.ledger, w.admin.Address)
	w.verifier = New(w.registry)

	_, err := w.registry.AddIssuer(context.Background(), w.admin, w.issuer.Address, codec.IssuerMetadata{
		Name:             "Astana University",
		FullName:         "Astana International University",
		Website:          "https://astana.example.edu",
		OrganizationType: "education",
		Jurisdiction:     "KZ",
	})
	if err != nil {
		t.Fatalf("AddIssuer: %v", err)
	}
	return w
}

func account(t *testing.T) ledger.Account {
	t.Helper()
	acct, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	return acct
}

func at(sec int64) time.Time { return time.Unix(sec, 0) }

func (w *world) check(t *testing.T, credentialID string, issuedAt int64, wantValid bool, wantReason string) {
	t.Helper()
	res := w.verifier.VerifyCredentialValidity(context.Background(), credentialID, w.issuer.Address, at(issuedAt))
	if res.Valid != wantValid || res.Reason != wantReason || res.Err != nil {
		t.Fatalf("credential %s issued at %d: got %+v, want valid=%v reason=%q", credentialID, issuedAt, res, wantValid, wantReason)
	}
}

func TestRevocationScenario(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	w.check(t, "C1", 150, true, "")

	w.now = 200
	if _, err := w.registry.RevokeIssuer(ctx, w.admin, w.issuer.Address, false); err != nil {
		t.Fatal(err)
	}
	w.check(t, "C1", 150, true, "")
	w.check(t, "C2", 250, false, ReasonAfterRevocation)
	w.check(t, "C3", 200, false, ReasonAfterRevocation)

	w.now = 210
	if _, err := w.registry.RevokeIssuer(ctx, w.admin, w.issuer.Address, true); err != nil {
		t.Fatal(err)
	}
	w.check(t, "C1", 150, false, ReasonAllRevoked)

	// reinstatement does not lift the retroactive flag
	if _, err := w.registry.ReinstateIssuer(ctx, w.admin, w.issuer.Address); err != nil {
		t.Fatal(err)
	}
	w.check(t, "C1", 150, false, ReasonAllRevoked)
	w.check(t, "C4", 300, false, ReasonAllRevoked)
}

func TestRepeatRevocationKeepsWindow(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	w.now = 200
	if _, err := w.registry.RevokeIssuer(ctx, w.admin, w.issuer.Address, false); err != nil {
		t.Fatal(err)
	}
	w.check(t, "C2", 250, false, ReasonAfterRevocation)

	w.now = 300
	if _, err := w.registry.RevokeIssuer(ctx, w.admin, w.issuer.Address, false); err != nil {
		t.Fatal(err)
	}
	w.check(t, "C2", 250, false, ReasonAfterRevocation)
	w.check(t, "C1", 150, true, "")

	rec, err := w.registry.GetIssuerStatus(ctx, w.issuer.Address)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RevokedAt.Unix() != 200 {
		t.Fatalf("revokedAt moved to %d", rec.RevokedAt.Unix())
	}
}

func TestTemporalOrdering(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	w.check(t, "C0", 99, false, ReasonBeforeAuthorization)

	w.now = 200
	if _, err := w.registry.RevokeIssuer(ctx, w.admin, w.issuer.Address, true); err != nil {
		t.Fatal(err)
	}
	// issuance before authorization wins over the later checks
	w.check(t, "C0", 50, false, ReasonBeforeAuthorization)
}

func TestUnregisteredIssuer(t *testing.T) {
	w := newWorld(t)
	res := w.verifier.VerifyCredentialValidity(context.Background(), "C1", account(t).Address, at(150))
	if res.Valid || res.Reason != ReasonIssuerNotRegistered || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestIndividualRevocation(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	w.now = 500
	if _, err := w.registry.RevokeCredential(ctx, w.admin, "C1", w.issuer.Address); err != nil {
		t.Fatal(err)
	}
	w.check(t, "C1", 150, false, "credential revoked at 1970-01-01T00:08:20Z")
	w.check(t, "C2", 150, true, "")
}

func TestCorruptRecords(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.ledger.PutBox(codec.RevocationKey("C1"), []byte("short"))
	res := w.verifier.VerifyCredentialValidity(ctx, "C1", w.issuer.Address, at(150))
	if res.Valid || res.Reason != ReasonCorruptRevocation || res.Err == nil {
		t.Fatalf("unexpected result %+v", res)
	}

	w.ledger.PutBox(codec.IssuerKey(w.issuer.Address), make([]byte, 56))
	res = w.verifier.VerifyCredentialValidity(ctx, "C2", w.issuer.Address, at(150))
	if res.Valid || res.Reason != ReasonCorruptIssuer || !errors.Is(res.Err, codec.ErrMalformed) {
		t.Fatalf("unexpected result %+v", res)
	}
}

type brokenRegistry struct{}

func (brokenRegistry) GetIssuerStatus(context.Context, ledger.Address) (codec.IssuerRecord, error) {
	return codec.IssuerRecord{}, errors.New("connection refused")
}

func (brokenRegistry) GetCredentialRevocation(context.Context, string) (codec.CredentialRevocation, error) {
	return codec.CredentialRevocation{}, errors.New("connection refused")
}

func TestUnavailableLedger(t *testing.T) {
	res := New(brokenRegistry{}).VerifyCredentialValidity(context.Background(), "C1", ledger.Address{1}, at(150))
	if res.Valid || res.Reason != ReasonUnavailable || res.Err == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}
