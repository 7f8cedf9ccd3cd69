package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"credledger.org/internal/auth"
	"credledger.org/internal/codec"
	"credledger.org/internal/duplicate"
	"credledger.org/internal/ledger"
	"credledger.org/internal/ledger/memory"
	"credledger.org/internal/registry"
	"credledger.org/internal/stream"
	"credledger.org/internal/token"
	"credledger.org/internal/verify"
)

type testEnv struct {
	t       *testing.T
	baseURL string
	client  *http.Client
	ledger  *memory.InMemory
	auth    *auth.Tokens
	tokens  *token.Manager
	admin   ledger.Account
	issuer  ledger.Account
	stream  *stream.Stream
}

func mustAccount(t *testing.T) ledger.Account {
	t.Helper()
	acct, err := ledger.GenerateAccount()
	if err != nil {
		t.Fatal(err)
	}
	return acct
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		t:      t,
		auth:   auth.New("test-secret"),
		admin:  mustAccount(t),
		issuer: mustAccount(t),
		stream: stream.New(),
	}
	env.ledger = memory.New(env.admin.Address)
	reg := registry.New(env.ledger, env.admin.Address,
		registry.WithReservations(registry.NewMemoryReservations()),
		registry.WithEvents(env.stream))
	env.tokens = token.New(env.ledger, token.WithEvents(env.stream), token.WithFreezeRetry(2, time.Millisecond))
	dup, err := duplicate.New(env.ledger, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dup.Close)

	api := New(Options{
		Version:    "test",
		Auth:       env.auth,
		Registry:   reg,
		Tokens:     env.tokens,
		Duplicates: dup,
		Verifier:   verify.New(reg),
		Stream:     env.stream,
		Admin:      env.admin,
		Issuer:     env.issuer,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	env.baseURL = srv.URL
	env.client = srv.Client()
	return env
}

func (e *testEnv) token(roles ...string) string {
	e.t.Helper()
	return e.boundToken(ledger.Address{}, roles...)
}

// boundToken mints a token that may only sign as signer.
func (e *testEnv) boundToken(signer ledger.Address, roles ...string) string {
	e.t.Helper()
	tok, err := e.auth.Mint(auth.Grant{Subject: "operator-1", Roles: roles, Signer: signer}, time.Hour)
	if err != nil {
		e.t.Fatalf("Mint: %v", err)
	}
	return tok
}

func (e *testEnv) registerIssuer() {
	e.t.Helper()
	e.expect(http.MethodPost, "/v1/issuers", e.token(auth.RoleAdmin), map[string]any{
		"address": e.issuer.Address.String(), "metadata": issuerMetadata("Astana University", "https://astana.example.edu"),
	}, http.StatusCreated)
}

func (e *testEnv) do(method, path, bearer string, body any) (*http.Response, map[string]any) {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) expect(method, path, bearer string, body any, code int) map[string]any {
	e.t.Helper()
	resp, out := e.do(method, path, bearer, body)
	if resp.StatusCode != code {
		e.t.Fatalf("%s %s: status %d, want %d (%v)", method, path, resp.StatusCode, code, out)
	}
	return out
}

func issuerMetadata(name, site string) codec.IssuerMetadata {
	return codec.IssuerMetadata{
		Name:             name,
		FullName:         name + " of Sciences",
		Website:          site,
		OrganizationType: "education",
		Jurisdiction:     "KZ",
	}
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)
	out := env.expect(http.MethodGet, "/healthz", "", nil, http.StatusOK)
	if out["status"] != "ok" || out["service"] != serviceName {
		t.Fatalf("unexpected health body %v", out)
	}
	env.expect(http.MethodGet, "/readyz", "", nil, http.StatusOK)
	info := env.expect(http.MethodGet, "/v1/info", "", nil, http.StatusOK)
	if info["admin"] != env.admin.Address.String() || info["issuer"] != env.issuer.Address.String() {
		t.Fatalf("unexpected info %v", info)
	}
	out = env.expect(http.MethodGet, "/nope", "", nil, http.StatusNotFound)
	if out["request_id"] == "" || out["request_id"] == nil {
		t.Fatalf("expected request_id in error body, got %v", out)
	}
}

func TestIssuerLifecycle(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(auth.RoleAdmin)
	addr := env.issuer.Address.String()

	env.expect(http.MethodPost, "/v1/issuers", "", map[string]any{
		"address": addr, "metadata": issuerMetadata("Astana University", "https://astana.example.edu"),
	}, http.StatusUnauthorized)
	env.expect(http.MethodPost, "/v1/issuers", env.boundToken(mustAccount(t).Address, auth.RoleAdmin), map[string]any{
		"address": addr, "metadata": issuerMetadata("Astana University", "https://astana.example.edu"),
	}, http.StatusForbidden)

	out := env.expect(http.MethodPost, "/v1/issuers", admin, map[string]any{
		"address": addr, "metadata": issuerMetadata("Astana University", "https://astana.example.edu"),
	}, http.StatusCreated)
	if out["tx_id"] == "" || out["vouched_by"] != env.admin.Address.String() {
		t.Fatalf("unexpected add response %v", out)
	}

	env.expect(http.MethodPost, "/v1/issuers", admin, map[string]any{
		"address": addr, "metadata": issuerMetadata("Astana University", "https://astana.example.edu"),
	}, http.StatusConflict)

	status := env.expect(http.MethodGet, "/v1/issuers/"+addr, "", nil, http.StatusOK)
	if status["active"] != true || status["vouched_by"] != env.admin.Address.String() {
		t.Fatalf("unexpected status %v", status)
	}
	meta := env.expect(http.MethodGet, "/v1/issuers/"+addr+"/metadata", "", nil, http.StatusOK)
	if meta["name"] != "Astana University" {
		t.Fatalf("unexpected metadata %v", meta)
	}

	env.expect(http.MethodPost, "/v1/issuers/"+addr+"/revoke", env.token(auth.RoleIssuer),
		map[string]any{"revoke_all_prior": true}, http.StatusForbidden)
	env.expect(http.MethodPost, "/v1/issuers/"+addr+"/revoke", admin,
		map[string]any{"revoke_all_prior": true}, http.StatusOK)
	status = env.expect(http.MethodGet, "/v1/issuers/"+addr, "", nil, http.StatusOK)
	if status["active"] != false || status["revoke_all_prior"] != true {
		t.Fatalf("unexpected status after revoke %v", status)
	}

	env.expect(http.MethodPost, "/v1/issuers/"+addr+"/reinstate", admin, nil, http.StatusOK)
	status = env.expect(http.MethodGet, "/v1/issuers/"+addr, "", nil, http.StatusOK)
	if status["active"] != true || status["revoke_all_prior"] != true {
		t.Fatalf("reinstatement must keep the retroactive flag, got %v", status)
	}

	env.expect(http.MethodPost, "/v1/issuers/"+addr+"/metadata", admin, map[string]any{
		"metadata": issuerMetadata("Astana Tech", "https://tech.example.edu"),
	}, http.StatusOK)
	meta = env.expect(http.MethodGet, "/v1/issuers/"+addr+"/metadata", "", nil, http.StatusOK)
	if meta["name"] != "Astana Tech" {
		t.Fatalf("metadata not updated: %v", meta)
	}
}

func TestIssuerValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(auth.RoleAdmin)

	cases := []struct {
		name string
		body any
		code int
	}{
		{"bad address", map[string]any{"address": "nope", "metadata": issuerMetadata("Valid Name", "https://valid.example.org")}, http.StatusBadRequest},
		{"short name", map[string]any{"address": mustAccount(t).Address.String(), "metadata": issuerMetadata("ab", "https://valid.example.org")}, http.StatusBadRequest},
		{"unknown field", map[string]any{"address": mustAccount(t).Address.String(), "extra": 1}, http.StatusBadRequest},
		{"empty body", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, out := env.do(http.MethodPost, "/v1/issuers", admin, tc.body)
		if resp.StatusCode != tc.code {
			t.Fatalf("%s: status %d, want %d (%v)", tc.name, resp.StatusCode, tc.code, out)
		}
	}
	env.expect(http.MethodGet, "/v1/issuers/"+mustAccount(t).Address.String(), "", nil, http.StatusNotFound)
	env.expect(http.MethodGet, "/v1/issuers/not-an-address", "", nil, http.StatusBadRequest)
}

func TestNameUniqueness(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(auth.RoleAdmin)

	env.expect(http.MethodPost, "/v1/issuers", admin, map[string]any{
		"address": mustAccount(t).Address.String(), "metadata": issuerMetadata("Astana University", "https://astana.example.edu"),
	}, http.StatusCreated)
	env.expect(http.MethodPost, "/v1/issuers", admin, map[string]any{
		"address": mustAccount(t).Address.String(), "metadata": issuerMetadata("astana  university", "https://other.example.edu"),
	}, http.StatusConflict)
}

func TestCredentialIssuanceAndVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.token(auth.RoleAdmin)
	issuer := env.token(auth.RoleIssuer)
	holder := mustAccount(t)

	env.expect(http.MethodPost, "/v1/issuers", admin, map[string]any{
		"address": env.issuer.Address.String(), "metadata": issuerMetadata("Astana University", "https://astana.example.edu"),
	}, http.StatusCreated)

	hash := codec.CompositeHash("Aigerim", "Bekova", "1999-04-02")
	issueBody := map[string]any{
		"holder":         holder.Address.String(),
		"name":           "BSc Computer Science",
		"composite_hash": hash,
	}
	out := env.expect(http.MethodPost, "/v1/credentials", issuer, issueBody, http.StatusCreated)
	tokenID := uint64(out["token_id"].(float64))
	credentialID, _ := out["credential_id"].(string)
	issuedAt, err := time.Parse(time.RFC3339, out["issued_at"].(string))
	if err != nil || credentialID == "" || out["status"] != "awaiting_opt_in" {
		t.Fatalf("unexpected issue response %v (%v)", out, err)
	}

	// same subject again is refused
	env.expect(http.MethodPost, "/v1/credentials", issuer, issueBody, http.StatusConflict)
	dup := env.expect(http.MethodPost, "/v1/credentials/duplicates", issuer, map[string]any{
		"issuer": env.issuer.Address.String(), "composite_hash": hash,
	}, http.StatusOK)
	if dup["exists"] != true {
		t.Fatalf("expected duplicate, got %v", dup)
	}

	path := "/v1/credentials/" + strconv.FormatUint(tokenID, 10)
	env.expect(http.MethodPost, path+"/deliver", issuer, map[string]any{"holder": holder.Address.String()}, http.StatusConflict)

	if err := env.tokens.OptIn(ctx, holder, tokenID); err != nil {
		t.Fatalf("OptIn: %v", err)
	}
	env.expect(http.MethodPost, path+"/deliver", issuer, map[string]any{"holder": holder.Address.String()}, http.StatusOK)

	wallet := env.expect(http.MethodGet, "/v1/wallets/"+holder.Address.String()+"/credentials?issuer="+env.issuer.Address.String(), "", nil, http.StatusOK)
	items, _ := wallet["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one wallet credential, got %v", wallet)
	}
	if item := items[0].(map[string]any); item["frozen"] != true || item["credential_id"] != credentialID {
		t.Fatalf("unexpected wallet item %v", item)
	}

	verifyBody := map[string]any{
		"credential_id": credentialID,
		"issuer":        env.issuer.Address.String(),
		"issued_at":     issuedAt,
	}
	res := env.expect(http.MethodPost, "/v1/credentials/verify", "", verifyBody, http.StatusOK)
	if res["valid"] != true {
		t.Fatalf("expected valid credential, got %v", res)
	}

	env.expect(http.MethodPost, "/v1/revocations", issuer, map[string]any{
		"credential_id": credentialID, "issuer": env.issuer.Address.String(),
	}, http.StatusForbidden)
	env.expect(http.MethodPost, "/v1/revocations", admin, map[string]any{
		"credential_id": credentialID, "issuer": env.issuer.Address.String(),
	}, http.StatusCreated)
	rev := env.expect(http.MethodGet, "/v1/revocations/"+credentialID, "", nil, http.StatusOK)
	if rev["issuer_address"] != env.issuer.Address.String() {
		t.Fatalf("unexpected revocation %v", rev)
	}
	res = env.expect(http.MethodPost, "/v1/credentials/verify", "", verifyBody, http.StatusOK)
	if res["valid"] != false || res["reason"] == "" {
		t.Fatalf("expected revoked credential, got %v", res)
	}

	env.expect(http.MethodPost, path+"/reclaim", issuer, map[string]any{"holder": holder.Address.String()}, http.StatusOK)
	wallet = env.expect(http.MethodGet, "/v1/wallets/"+holder.Address.String()+"/credentials?issuer="+env.issuer.Address.String(), "", nil, http.StatusOK)
	if items, _ := wallet["items"].([]any); len(items) != 0 {
		t.Fatalf("expected empty wallet after reclaim, got %v", wallet)
	}
}

func TestCredentialRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	env.registerIssuer()
	issuer := env.token(auth.RoleIssuer)

	env.expect(http.MethodPost, "/v1/credentials", issuer, map[string]any{
		"holder": mustAccount(t).Address.String(), "name": "Diploma",
	}, http.StatusBadRequest)
	env.expect(http.MethodPost, "/v1/credentials", issuer, map[string]any{
		"holder": mustAccount(t).Address.String(), "name": "", "composite_hash": "abcd",
	}, http.StatusBadRequest)
	env.expect(http.MethodPost, "/v1/credentials/abc/deliver", issuer, map[string]any{"holder": "x"}, http.StatusBadRequest)
	env.expect(http.MethodPost, "/v1/credentials/verify", "", map[string]any{
		"credential_id": "C1", "issuer": env.issuer.Address.String(),
	}, http.StatusBadRequest)
	env.expect(http.MethodGet, "/v1/wallets/"+mustAccount(t).Address.String()+"/credentials", "", nil, http.StatusBadRequest)
}

func TestVerifyUnregisteredIssuer(t *testing.T) {
	env := newTestEnv(t)
	res := env.expect(http.MethodPost, "/v1/credentials/verify", "", map[string]any{
		"credential_id": "C1",
		"issuer":        mustAccount(t).Address.String(),
		"issued_at":     time.Now().UTC(),
	}, http.StatusOK)
	if res["valid"] != false || res["reason"] != verify.ReasonIssuerNotRegistered {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestInvalidBearerToken(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(http.MethodGet, "/v1/info", "garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestMissingSigningKeys(t *testing.T) {
	tokens := auth.New("test-secret")
	admin := mustAccount(t)
	l := memory.New(admin.Address)
	reg := registry.New(l, admin.Address)
	api := New(Options{Auth: tokens, Registry: reg, Tokens: token.New(l), Verifier: verify.New(reg)})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	tok, err := tokens.Mint(auth.Grant{Subject: "op", Roles: []string{auth.RoleAdmin}}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	body := bytes.NewBufferString(`{"revoke_all_prior":false}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/issuers/"+mustAccount(t).Address.String()+"/revoke", body)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without admin key, got %d", resp.StatusCode)
	}
}

func TestSignerBoundTokens(t *testing.T) {
	env := newTestEnv(t)
	env.registerIssuer()
	holder := mustAccount(t).Address.String()
	elsewhere := mustAccount(t).Address

	body := map[string]any{
		"holder":         holder,
		"name":           "BSc Physics",
		"composite_hash": codec.CompositeHash("Dana", "Sadykova", "2001-09-12"),
	}
	env.expect(http.MethodPost, "/v1/credentials", env.boundToken(elsewhere, auth.RoleIssuer), body, http.StatusForbidden)
	env.expect(http.MethodPost, "/v1/credentials", env.boundToken(env.issuer.Address, auth.RoleIssuer), body, http.StatusCreated)

	addr := env.issuer.Address.String()
	env.expect(http.MethodPost, "/v1/issuers/"+addr+"/revoke", env.boundToken(elsewhere, auth.RoleAdmin),
		map[string]any{"revoke_all_prior": false}, http.StatusForbidden)
	env.expect(http.MethodPost, "/v1/issuers/"+addr+"/revoke", env.boundToken(env.admin.Address, auth.RoleAdmin),
		map[string]any{"revoke_all_prior": false}, http.StatusOK)
}

func TestIssuanceRequiresActiveIssuer(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.token(auth.RoleIssuer)
	body := func(first string) map[string]any {
		return map[string]any{
			"holder":         mustAccount(t).Address.String(),
			"name":           "BSc Chemistry",
			"composite_hash": codec.CompositeHash(first, "Nurlanova", "2000-01-15"),
		}
	}

	out := env.expect(http.MethodPost, "/v1/credentials", issuer, body("Aruzhan"), http.StatusForbidden)
	if msg, _ := out["error"].(string); !strings.Contains(msg, "not registered") {
		t.Fatalf("unexpected error for unregistered issuer: %v", out)
	}

	env.registerIssuer()
	env.expect(http.MethodPost, "/v1/credentials", issuer, body("Aruzhan"), http.StatusCreated)

	env.expect(http.MethodPost, "/v1/issuers/"+env.issuer.Address.String()+"/revoke", env.token(auth.RoleAdmin),
		map[string]any{"revoke_all_prior": false}, http.StatusOK)
	before := env.ledger.Round()
	out = env.expect(http.MethodPost, "/v1/credentials", issuer, body("Madina"), http.StatusForbidden)
	if msg, _ := out["error"].(string); !strings.Contains(msg, "revoked") {
		t.Fatalf("unexpected error for revoked issuer: %v", out)
	}
	if env.ledger.Round() != before {
		t.Fatal("revoked issuer must not reach the ledger")
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.baseURL+"/v1/events?kind=issuer.", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}
	for env.stream.Subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}

	env.expect(http.MethodPost, "/v1/issuers", env.token(auth.RoleAdmin), map[string]any{
		"address": env.issuer.Address.String(), "metadata": issuerMetadata("Astana University", "https://astana.example.edu"),
	}, http.StatusCreated)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Kind != stream.IssuerAdded || evt.Subject != env.issuer.Address.String() {
			t.Fatalf("unexpected event %+v", evt)
		}
		return
	}
}
