package httpapi

import (
	"net/http"
	"strings"

	"credledger.org/internal/auth"
	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
)

type addIssuerRequest struct {
	Address  string               `json:"address"`
	Metadata codec.IssuerMetadata `json:"metadata"`
}

type revokeIssuerRequest struct {
	RevokeAllPrior bool `json:"revoke_all_prior"`
}

type updateMetadataRequest struct {
	Metadata codec.IssuerMetadata `json:"metadata"`
}

type revokeCredentialRequest struct {
	CredentialID string `json:"credential_id"`
	Issuer       string `json:"issuer"`
}

// voucher picks the signing account for an issuer addition: the admin key
// for admins, otherwise the deployment's issuer key. Keys the caller's token
// is not bound to are skipped.
func (a *API) voucher(w http.ResponseWriter, r *http.Request) (ledger.Account, bool) {
	grant, _ := auth.FromContext(r.Context())
	candidates := []struct {
		role string
		acct ledger.Account
	}{
		{auth.RoleAdmin, a.admin},
		{auth.RoleIssuer, a.issuer},
	}
	held := false
	for _, c := range candidates {
		if !grant.Has(c.role) || !c.acct.Valid() {
			continue
		}
		held = true
		if grant.MaySignAs(c.acct.Address) {
			return c.acct, true
		}
	}
	if held {
		writeError(w, r, http.StatusForbidden, "token is not bound to any signing account this server holds")
	} else {
		writeError(w, r, http.StatusServiceUnavailable, "no signing key configured for caller role")
	}
	return ledger.Account{}, false
}

func (a *API) requireAdminKey(w http.ResponseWriter, r *http.Request) bool {
	return requireSigner(w, r, a.admin, auth.RoleAdmin)
}

func (a *API) addIssuer(w http.ResponseWriter, r *http.Request) {
	var req addIssuerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr, ok := parseAddress(w, r, "address", req.Address)
	if !ok {
		return
	}
	signer, ok := a.voucher(w, r)
	if !ok {
		return
	}
	conf, err := a.registry.AddIssuer(r.Context(), signer, addr, req.Metadata)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/issuers/"+addr.String())
	writeJSON(w, http.StatusCreated, map[string]any{
		"address":    addr,
		"vouched_by": signer.Address,
		"tx_id":      conf.TxID,
		"round":      conf.Round,
	})
}

func (a *API) getIssuer(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r, "address", r.PathValue("addr"))
	if !ok {
		return
	}
	rec, err := a.registry.GetIssuerStatus(r.Context(), addr)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":          rec.Address,
		"active":           rec.IsActive(),
		"authorized_at":    rec.AuthorizedAt,
		"revoked_at":       rec.RevokedAt,
		"revoke_all_prior": rec.RevokeAllPrior,
		"vouched_by":       rec.VouchedBy,
	})
}

func (a *API) getIssuerMetadata(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r, "address", r.PathValue("addr"))
	if !ok {
		return
	}
	meta, err := a.registry.GetIssuerMetadata(r.Context(), addr)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) revokeIssuer(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r, "address", r.PathValue("addr"))
	if !ok || !a.requireAdminKey(w, r) {
		return
	}
	var req revokeIssuerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	conf, err := a.registry.RevokeIssuer(r.Context(), a.admin, addr, req.RevokeAllPrior)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (a *API) reinstateIssuer(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r, "address", r.PathValue("addr"))
	if !ok || !a.requireAdminKey(w, r) {
		return
	}
	conf, err := a.registry.ReinstateIssuer(r.Context(), a.admin, addr)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (a *API) updateMetadata(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r, "address", r.PathValue("addr"))
	if !ok || !a.requireAdminKey(w, r) {
		return
	}
	var req updateMetadataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	conf, err := a.registry.UpdateMetadata(r.Context(), a.admin, addr, req.Metadata)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (a *API) revokeCredential(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdminKey(w, r) {
		return
	}
	var req revokeCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	credentialID := strings.TrimSpace(req.CredentialID)
	if credentialID == "" {
		writeError(w, r, http.StatusBadRequest, "credential_id is required")
		return
	}
	issuer, ok := parseAddress(w, r, "issuer", req.Issuer)
	if !ok {
		return
	}
	conf, err := a.registry.RevokeCredential(r.Context(), a.admin, credentialID, issuer)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/revocations/"+credentialID)
	writeJSON(w, http.StatusCreated, conf)
}

func (a *API) getRevocation(w http.ResponseWriter, r *http.Request) {
	rev, err := a.registry.GetCredentialRevocation(r.Context(), r.PathValue("id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}
