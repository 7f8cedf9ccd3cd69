package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"credledger.org/internal/auth"
	"credledger.org/internal/ids"
	"credledger.org/internal/registry"
	"credledger.org/internal/token"
	"credledger.org/internal/verify"
)

type issueCredentialRequest struct {
	Holder        string    `json:"holder"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	CredentialID  string    `json:"credential_id"`
	CompositeHash string    `json:"composite_hash"`
	IssuedAt      time.Time `json:"issued_at"`
}

type holderRequest struct {
	Holder string `json:"holder"`
}

type verifyRequest struct {
	CredentialID string    `json:"credential_id"`
	Issuer       string    `json:"issuer"`
	IssuedAt     time.Time `json:"issued_at"`
}

type duplicateRequest struct {
	Issuer        string `json:"issuer"`
	CompositeHash string `json:"composite_hash"`
}

func (a *API) requireIssuerKey(w http.ResponseWriter, r *http.Request) bool {
	return requireSigner(w, r, a.issuer, auth.RoleIssuer)
}

// requireActiveIssuer refuses new credentials from an issuer the registry
// does not currently authorize.
func (a *API) requireActiveIssuer(w http.ResponseWriter, r *http.Request) bool {
	rec, err := a.registry.GetIssuerStatus(r.Context(), a.issuer.Address)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, r, http.StatusForbidden, "issuer "+a.issuer.Address.String()+" is not registered")
		return false
	case err != nil:
		a.handleError(w, r, err)
		return false
	case !rec.IsActive():
		writeError(w, r, http.StatusForbidden, "issuer "+a.issuer.Address.String()+" is revoked")
		return false
	}
	return true
}

func tokenIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, r, http.StatusBadRequest, "token id must be a positive integer")
		return 0, false
	}
	return id, true
}

// issueCredential creates the token held by the issuer. Delivery to the
// holder is a separate call made once the holder has opted in.
func (a *API) issueCredential(w http.ResponseWriter, r *http.Request) {
	if !a.requireIssuerKey(w, r) {
		return
	}
	var req issueCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	holder, ok := parseAddress(w, r, "holder", req.Holder)
	if !ok {
		return
	}
	hash := strings.ToLower(strings.TrimSpace(req.CompositeHash))
	if hash == "" {
		writeError(w, r, http.StatusBadRequest, "composite_hash is required")
		return
	}
	if !a.requireActiveIssuer(w, r) {
		return
	}
	if err := a.duplicates.EnsureUnique(r.Context(), a.issuer.Address, hash); err != nil {
		a.handleError(w, r, err)
		return
	}

	meta := token.Metadata{
		Name:          req.Name,
		Description:   req.Description,
		CredentialID:  strings.TrimSpace(req.CredentialID),
		CompositeHash: hash,
		IssuedAt:      req.IssuedAt,
	}
	if meta.CredentialID == "" {
		meta.CredentialID = ids.NewCredentialID()
	}
	if meta.IssuedAt.IsZero() {
		meta.IssuedAt = time.Now()
	}
	meta.IssuedAt = meta.IssuedAt.UTC().Truncate(time.Second)

	tokenID, err := a.tokens.CreateCredentialToken(r.Context(), a.issuer, meta)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.duplicates.Record(r.Context(), a.issuer.Address, hash, tokenID); err != nil {
		a.log.Warn("duplicate index update failed", zap.Uint64("token_id", tokenID), zap.Error(err))
	}

	w.Header().Set("Location", "/v1/credentials/"+strconv.FormatUint(tokenID, 10))
	writeJSON(w, http.StatusCreated, map[string]any{
		"token_id":       tokenID,
		"credential_id":  meta.CredentialID,
		"composite_hash": hash,
		"issued_at":      meta.IssuedAt,
		"issuer":         a.issuer.Address,
		"holder":         holder,
		"status":         "awaiting_opt_in",
	})
}

func (a *API) deliverCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenIDParam(w, r)
	if !ok || !a.requireIssuerKey(w, r) {
		return
	}
	var req holderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	holder, ok := parseAddress(w, r, "holder", req.Holder)
	if !ok {
		return
	}
	if err := a.tokens.EnsureSoulbound(r.Context(), a.issuer, holder, id); err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id": id,
		"holder":   holder,
		"frozen":   true,
	})
}

func (a *API) reclaimCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenIDParam(w, r)
	if !ok || !a.requireIssuerKey(w, r) {
		return
	}
	var req holderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	holder, ok := parseAddress(w, r, "holder", req.Holder)
	if !ok {
		return
	}
	if err := a.tokens.RevokeToken(r.Context(), a.issuer, holder, id); err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id":  id,
		"reclaimed": true,
	})
}

func (a *API) verifyCredential(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	credentialID := strings.TrimSpace(req.CredentialID)
	if credentialID == "" {
		writeError(w, r, http.StatusBadRequest, "credential_id is required")
		return
	}
	if req.IssuedAt.IsZero() {
		writeError(w, r, http.StatusBadRequest, "issued_at is required")
		return
	}
	issuer, ok := parseAddress(w, r, "issuer", req.Issuer)
	if !ok {
		return
	}
	res := a.verifier.VerifyCredentialValidity(r.Context(), credentialID, issuer, req.IssuedAt)
	code := http.StatusOK
	if res.Reason == verify.ReasonUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (a *API) checkDuplicate(w http.ResponseWriter, r *http.Request) {
	var req duplicateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issuer, ok := parseAddress(w, r, "issuer", req.Issuer)
	if !ok {
		return
	}
	if strings.TrimSpace(req.CompositeHash) == "" {
		writeError(w, r, http.StatusBadRequest, "composite_hash is required")
		return
	}
	res, err := a.duplicates.CheckDuplicate(r.Context(), issuer, req.CompositeHash)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) walletCredentials(w http.ResponseWriter, r *http.Request) {
	wallet, ok := parseAddress(w, r, "wallet", r.PathValue("addr"))
	if !ok {
		return
	}
	raw := r.URL.Query().Get("issuer")
	if strings.TrimSpace(raw) == "" {
		writeError(w, r, http.StatusBadRequest, "issuer query parameter is required")
		return
	}
	issuer, ok := parseAddress(w, r, "issuer", raw)
	if !ok {
		return
	}
	creds, err := a.tokens.GetWalletCredentials(r.Context(), wallet, issuer)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if creds == nil {
		creds = []token.Credential{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet": wallet,
		"issuer": issuer,
		"items":  creds,
	})
}
