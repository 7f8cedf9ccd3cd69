package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"credledger.org/internal/ledger"
)

func account(t *testing.T) ledger.Account {
	t.Helper()
	acct, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	return acct
}

func TestMintAndParse(t *testing.T) {
	tokens := New("test-secret")
	signer := account(t).Address

	raw, err := tokens.Mint(Grant{Subject: "operator-1", Roles: []string{"Issuer", "admin", "issuer"}, Signer: signer}, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	g, err := tokens.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if g.Subject != "operator-1" || !slices.Equal(g.Roles, []string{RoleAdmin, RoleIssuer}) || g.Signer != signer {
		t.Fatalf("unexpected grant %+v", g)
	}
}

func TestMintRejectsUnknownRoles(t *testing.T) {
	tokens := New("test-secret")
	cases := map[string][]string{
		"unknown": {"viewer"},
		"mixed":   {"admin", "root"},
		"none":    nil,
		"blank":   {"  "},
	}
	for name, roles := range cases {
		if _, err := tokens.Mint(Grant{Subject: "op", Roles: roles}, time.Minute); !errors.Is(err, ErrUnknownRole) {
			t.Fatalf("%s: expected ErrUnknownRole, got %v", name, err)
		}
	}
}

func TestParseRejects(t *testing.T) {
	tokens := New("secret-a")
	valid, err := tokens.Mint(Grant{Subject: "op", Roles: []string{RoleIssuer}}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// a token whose role list was forged past Mint
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: []string{"superuser"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "op",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	forgedRaw, err := forged.SignedString([]byte("secret-a"))
	if err != nil {
		t.Fatal(err)
	}

	expired := New("secret-a")
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, err := expired.Mint(Grant{Subject: "op", Roles: []string{RoleAdmin}}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]struct {
		tokens *Tokens
		raw    string
	}{
		"foreign secret": {New("secret-b"), valid},
		"blank":          {tokens, "  "},
		"unknown role":   {tokens, forgedRaw},
		"expired":        {tokens, stale},
		"garbage":        {tokens, "a.b.c"},
	}
	for name, tc := range cases {
		if _, err := tc.tokens.Parse(tc.raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestMissingSecret(t *testing.T) {
	for _, tokens := range []*Tokens{New(""), New("   "), nil} {
		if _, err := tokens.Mint(Grant{Subject: "op", Roles: []string{RoleAdmin}}, time.Minute); !errors.Is(err, ErrNoSecret) {
			t.Fatalf("Mint: expected ErrNoSecret, got %v", err)
		}
		if _, err := tokens.Parse("x"); !errors.Is(err, ErrNoSecret) {
			t.Fatalf("Parse: expected ErrNoSecret, got %v", err)
		}
	}
}

func TestGrantSigner(t *testing.T) {
	mine := account(t).Address
	other := account(t).Address

	unbound := Grant{Subject: "op", Roles: []string{RoleIssuer}}
	if !unbound.MaySignAs(mine) || !unbound.MaySignAs(other) {
		t.Fatal("unbound grant should allow any server key")
	}
	bound := Grant{Subject: "op", Roles: []string{RoleIssuer}, Signer: mine}
	if !bound.MaySignAs(mine) || bound.MaySignAs(other) {
		t.Fatal("bound grant should allow only its signer")
	}
	if !bound.HasAny("viewer", RoleIssuer) || bound.Has(RoleAdmin) {
		t.Fatal("role checks mismatch")
	}
}

func TestGrantContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context carries no grant")
	}
	ctx := WithGrant(context.Background(), Grant{Subject: "user-7", Roles: []string{RoleAdmin}})
	g, ok := FromContext(ctx)
	if !ok || g.Subject != "user-7" || !g.Has(RoleAdmin) {
		t.Fatalf("unexpected grant %+v ok=%v", g, ok)
	}
}
