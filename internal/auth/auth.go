// Package auth mints and checks the bearer tokens that gate the API's write
// routes. A token names an operator, the roles they hold and, optionally, the
// one server-held ledger account the operator may sign with.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"credledger.org/internal/ledger"
)

const tokenIssuer = "credledger"

// Roles understood by the API.
const (
	RoleAdmin  = "admin"
	RoleIssuer = "issuer"
)

// clock skew tolerated on exp, nbf and iat
const leeway = 5 * time.Second

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: signing secret is not configured")
	ErrUnknownRole  = errors.New("auth: unknown role")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
)

// Grant is what a verified token allows.
type Grant struct {
	Subject string
	Roles   []string
	// Signer pins the operator to one server-held account. Zero leaves the
	// choice to the roles.
	Signer ledger.Address
}

func (g Grant) Has(role string) bool { return slices.Contains(g.Roles, role) }

func (g Grant) HasAny(roles ...string) bool { return slices.ContainsFunc(roles, g.Has) }

// MaySignAs reports whether the server may sign with addr on the operator's
// behalf.
func (g Grant) MaySignAs(addr ledger.Address) bool {
	return g.Signer.IsZero() || g.Signer == addr
}

type claims struct {
	Roles  []string `json:"roles"`
	Signer string   `json:"signer,omitempty"`
	jwt.RegisteredClaims
}

// Tokens mints and parses HS256 tokens under one shared secret. A Tokens
// without a secret refuses both directions with ErrNoSecret.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func New(secret string) *Tokens {
	t := &Tokens{now: time.Now}
	if s := strings.TrimSpace(secret); s != "" {
		t.secret = []byte(s)
	}
	return t
}

func (t *Tokens) configured() bool { return t != nil && len(t.secret) > 0 }

// Mint signs a token carrying g for ttl.
func (t *Tokens) Mint(g Grant, ttl time.Duration) (string, error) {
	if !t.configured() {
		return "", ErrNoSecret
	}
	subject := strings.TrimSpace(g.Subject)
	if subject == "" {
		return "", errors.New("auth: subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("auth: ttl must be positive")
	}
	roles, err := normalizeRoles(g.Roles)
	if err != nil {
		return "", err
	}

	now := t.now().UTC()
	c := claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if !g.Signer.IsZero() {
		c.Signer = g.Signer.String()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and returns its grant. Every failure other than a
// missing secret is ErrInvalidToken.
func (t *Tokens) Parse(raw string) (Grant, error) {
	if !t.configured() {
		return Grant{}, ErrNoSecret
	}
	var c claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &c,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Grant{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	roles, err := normalizeRoles(c.Roles)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	g := Grant{Subject: c.Subject, Roles: roles}
	if c.Signer != "" {
		if g.Signer, err = ledger.ParseAddress(c.Signer); err != nil {
			return Grant{}, fmt.Errorf("%w: signer: %v", ErrInvalidToken, err)
		}
	}
	return g, nil
}

// normalizeRoles lower-cases and dedupes roles. Only the admin and issuer
// roles exist; anything else, or no role at all, is refused.
func normalizeRoles(roles []string) ([]string, error) {
	var out []string
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		switch role {
		case "":
			continue
		case RoleAdmin, RoleIssuer:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		if !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no role granted", ErrUnknownRole)
	}
	slices.Sort(out)
	return out, nil
}
