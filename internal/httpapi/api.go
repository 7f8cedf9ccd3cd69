package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"credledger.org/internal/auth"
	"credledger.org/internal/codec"
	"credledger.org/internal/duplicate"
	"credledger.org/internal/ledger"
	"credledger.org/internal/obs"
	"credledger.org/internal/registry"
	"credledger.org/internal/stream"
	"credledger.org/internal/token"
	"credledger.org/internal/verify"
)

const serviceName = "credledger-api"

// ReadyFunc reports whether one backend is reachable.
type ReadyFunc func(ctx context.Context) error

// ReadyProbe aggregates backend checks for /readyz and gRPC health.
type ReadyProbe struct {
	Checks []ReadyFunc
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	var errs []error
	for _, check := range rp.Checks {
		if err := check(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options wires the API to the engine. Admin and Issuer are the signing
// accounts the deployment holds; a zero account disables the writes that
// need it. A nil Auth refuses every bearer token.
type Options struct {
	Version    string
	Ready      readinessChecker
	Auth       *auth.Tokens
	Registry   *registry.Store
	Tokens     *token.Manager
	Duplicates *duplicate.Detector
	Verifier   *verify.Verifier
	Stream     *stream.Stream
	Admin      ledger.Account
	Issuer     ledger.Account

	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	ready      readinessChecker
	auth       *auth.Tokens
	version    string
	registry   *registry.Store
	tokens     *token.Manager
	duplicates *duplicate.Detector
	verifier   *verify.Verifier
	stream     *stream.Stream
	admin      ledger.Account
	issuer     ledger.Account
	log        *zap.Logger

	maxBody    int64
	ratePerSec float64
	rateBurst  int
	origins    []string
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		ready:      opts.Ready,
		auth:       opts.Auth,
		version:    opts.Version,
		registry:   opts.Registry,
		tokens:     opts.Tokens,
		duplicates: opts.Duplicates,
		verifier:   opts.Verifier,
		stream:     opts.Stream,
		admin:      opts.Admin,
		issuer:     opts.Issuer,
		log:        obs.Named("http"),
		maxBody:    opts.MaxBodyBytes,
		ratePerSec: opts.RateLimitRPS,
		rateBurst:  opts.RateLimitBurst,
		origins:    opts.CORSOrigins,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// issuer registry
	writer := RequireRole(auth.RoleAdmin, auth.RoleIssuer)
	admin := RequireRole(auth.RoleAdmin)
	a.mux.Handle("POST /v1/issuers", writer(http.HandlerFunc(a.addIssuer)))
	a.mux.HandleFunc("GET /v1/issuers/{addr}", a.getIssuer)
	a.mux.HandleFunc("GET /v1/issuers/{addr}/metadata", a.getIssuerMetadata)
	a.mux.Handle("POST /v1/issuers/{addr}/revoke", admin(http.HandlerFunc(a.revokeIssuer)))
	a.mux.Handle("POST /v1/issuers/{addr}/reinstate", admin(http.HandlerFunc(a.reinstateIssuer)))
	a.mux.Handle("POST /v1/issuers/{addr}/metadata", admin(http.HandlerFunc(a.updateMetadata)))
	a.mux.Handle("POST /v1/revocations", admin(http.HandlerFunc(a.revokeCredential)))
	a.mux.HandleFunc("GET /v1/revocations/{id}", a.getRevocation)

	// credentials
	issuer := RequireRole(auth.RoleIssuer)
	a.mux.Handle("POST /v1/credentials", issuer(http.HandlerFunc(a.issueCredential)))
	a.mux.Handle("POST /v1/credentials/{id}/deliver", issuer(http.HandlerFunc(a.deliverCredential)))
	a.mux.Handle("POST /v1/credentials/{id}/reclaim", issuer(http.HandlerFunc(a.reclaimCredential)))
	a.mux.HandleFunc("POST /v1/credentials/verify", a.verifyCredential)
	a.mux.Handle("POST /v1/credentials/duplicates", writer(http.HandlerFunc(a.checkDuplicate)))
	a.mux.HandleFunc("GET /v1/wallets/{addr}/credentials", a.walletCredentials)

	a.mux.HandleFunc("GET /v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.registry != nil {
		info["admin"] = a.registry.Admin().String()
	}
	if a.issuer.Valid() {
		info["issuer"] = a.issuer.Address.String()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseAddress(w http.ResponseWriter, r *http.Request, field, raw string) (ledger.Address, bool) {
	addr, err := ledger.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, field+": "+err.Error())
		return ledger.Address{}, false
	}
	return addr, true
}

// handleError maps engine errors onto HTTP statuses. Rejected token metadata
// and corrupt ledger records both wrap codec.ErrMalformed, so order matters.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidMetadata), errors.Is(err, ledger.ErrInvalidAddress):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, codec.ErrMalformed):
		a.log.Error("corrupt ledger record", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "corrupt ledger record")
	case errors.Is(err, registry.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrAuthorization):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrAlreadyExists), errors.Is(err, registry.ErrMetadataTaken),
		errors.Is(err, duplicate.ErrDuplicateCredential), errors.Is(err, token.ErrNotOptedIn),
		errors.Is(err, token.ErrNotHeld):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrRejected):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		writeError(w, r, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "request cancelled")
	default:
		a.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
