package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"credledger.org/internal/app"
	"credledger.org/internal/codec"
	"credledger.org/internal/config"
	"credledger.org/internal/ids"
	"credledger.org/internal/ledger"
	"credledger.org/internal/token"
)

// smoke-registry walks one credential through issuance, verification,
// revocation and reclaim. It runs against the in-memory ledger unless the
// config selects algod, in which case the holder must be a funded account.
func main() {
	log.SetFlags(0)
	configPath := flag.String("config", os.Getenv("CREDLEDGER_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	admin, err := e.RequireAdmin()
	if err != nil {
		log.Fatal(err)
	}
	issuer, err := e.RequireIssuer()
	if err != nil {
		log.Fatal(err)
	}
	holder, err := holderAccount(cfg)
	if err != nil {
		log.Fatalf("holder: %v", err)
	}

	suffix := ids.New()
	meta := codec.IssuerMetadata{
		Name:             "smoke-" + suffix,
		FullName:         "Smoke Test Issuer " + suffix,
		Website:          "https://smoke-" + suffix + ".example",
		OrganizationType: "university",
		Jurisdiction:     "XX",
	}
	if err := e.Registry.EnsureIssuer(ctx, admin, issuer.Address, meta); err != nil {
		log.Fatalf("ensure issuer: %v", err)
	}

	hash := codec.CompositeHash("smoke", holder.Address.String(), suffix)
	if err := e.Duplicates.EnsureUnique(ctx, issuer.Address, hash); err != nil {
		log.Fatalf("duplicate check: %v", err)
	}
	cred, err := e.Tokens.Issue(ctx, issuer, holder.Address, token.Metadata{
		Name:          "Smoke Credential",
		CredentialID:  ids.NewCredentialID(),
		CompositeHash: hash,
	}, func(ctx context.Context, tokenID uint64) error {
		return e.Tokens.OptIn(ctx, holder, tokenID)
	})
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	if err := e.Duplicates.Record(ctx, issuer.Address, hash, cred.TokenID); err != nil {
		log.Fatalf("record hash: %v", err)
	}

	if res := e.Verifier.VerifyCredentialValidity(ctx, cred.CredentialID, issuer.Address, cred.IssuedAt); !res.Valid {
		log.Fatalf("fresh credential rejected: %s", res.Reason)
	}
	dup, err := e.Duplicates.CheckDuplicate(ctx, issuer.Address, hash)
	if err != nil {
		log.Fatalf("check duplicate: %v", err)
	}
	if !dup.Exists {
		log.Fatal("issued credential not found by duplicate check")
	}

	if _, err := e.Registry.RevokeCredential(ctx, admin, cred.CredentialID, issuer.Address); err != nil {
		log.Fatalf("revoke credential: %v", err)
	}
	if res := e.Verifier.VerifyCredentialValidity(ctx, cred.CredentialID, issuer.Address, cred.IssuedAt); res.Valid {
		log.Fatal("revoked credential still verifies")
	}
	if err := e.Tokens.RevokeToken(ctx, issuer, holder.Address, cred.TokenID); err != nil {
		log.Fatalf("reclaim: %v", err)
	}

	fmt.Printf("✅ registry smoke test passed: issuer=%s token=%d credential=%s\n",
		issuer.Address, cred.TokenID, cred.CredentialID)
}

func holderAccount(cfg *config.Config) (ledger.Account, error) {
	if phrase := os.Getenv("CREDLEDGER_SMOKE_HOLDER_MNEMONIC"); phrase != "" {
		return ledger.AccountFromMnemonic(phrase)
	}
	if cfg.Ledger.Mode == config.ModeAlgod {
		return ledger.Account{}, fmt.Errorf("CREDLEDGER_SMOKE_HOLDER_MNEMONIC is required in algod mode")
	}
	return ledger.GenerateAccount()
}
