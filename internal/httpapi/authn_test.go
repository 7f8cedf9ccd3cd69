package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"credledger.org/internal/auth"
	"credledger.org/internal/ledger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin, auth.RoleIssuer)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.WithGrant(req.Context(), auth.Grant{Subject: "user-1", Roles: []string{auth.RoleIssuer}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsMissingRole(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.WithGrant(req.Context(), auth.Grant{Subject: "user-1", Roles: []string{"viewer"}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRoleRejectsMissingUser(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc  ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestRequireSigner(t *testing.T) {
	held, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	other, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name  string
		acct  ledger.Account
		grant *auth.Grant
		want  int
	}{
		{"unbound token", held, &auth.Grant{Subject: "op", Roles: []string{auth.RoleIssuer}}, http.StatusOK},
		{"bound to held key", held, &auth.Grant{Subject: "op", Roles: []string{auth.RoleIssuer}, Signer: held.Address}, http.StatusOK},
		{"bound elsewhere", held, &auth.Grant{Subject: "op", Roles: []string{auth.RoleIssuer}, Signer: other.Address}, http.StatusForbidden},
		{"no key", ledger.Account{}, &auth.Grant{Subject: "op", Roles: []string{auth.RoleIssuer}}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/credentials", nil)
		if tc.grant != nil {
			req = req.WithContext(auth.WithGrant(req.Context(), *tc.grant))
		}
		rr := httptest.NewRecorder()
		if requireSigner(rr, req, tc.acct, auth.RoleIssuer) {
			rr.WriteHeader(http.StatusOK)
		}
		if rr.Code != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, rr.Code, tc.want)
		}
	}
}
