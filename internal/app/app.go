// Package app assembles the engine from configuration. The API server, the
// admin CLI and the smoke test all start here.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"credledger.org/internal/auth"
	"credledger.org/internal/config"
	"credledger.org/internal/duplicate"
	"credledger.org/internal/httpapi"
	"credledger.org/internal/ledger"
	"credledger.org/internal/ledger/algod"
	"credledger.org/internal/ledger/memory"
	"credledger.org/internal/obs"
	"credledger.org/internal/registry"
	"credledger.org/internal/store/pg"
	"credledger.org/internal/stream"
	"credledger.org/internal/token"
	"credledger.org/internal/verify"
)

// Engine holds the wired components. Admin and Issuer are zero when the
// deployment does not hold those keys.
type Engine struct {
	Config     *config.Config
	Auth       *auth.Tokens
	Ledger     ledger.Service
	Registry   *registry.Store
	Tokens     *token.Manager
	Duplicates *duplicate.Detector
	Verifier   *verify.Verifier
	Stream     *stream.Stream
	Postgres   *pg.Store
	Admin      ledger.Account
	Issuer     ledger.Account

	checks []httpapi.ReadyFunc
	log    *zap.Logger
}

// Open builds an Engine. In memory mode missing keys are generated so a
// local instance is usable without setup.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	e := &Engine{
		Config: cfg,
		Auth:   auth.New(cfg.Auth.Secret),
		Stream: stream.New(),
		log:    obs.Named("app"),
	}

	var err error
	if e.Admin, err = optionalAccount(cfg.Ledger.AdminMnemonic); err != nil {
		return nil, fmt.Errorf("admin mnemonic: %w", err)
	}
	if e.Issuer, err = optionalAccount(cfg.Ledger.IssuerMnemonic); err != nil {
		return nil, fmt.Errorf("issuer mnemonic: %w", err)
	}
	adminAddr, err := e.adminAddress(cfg.Ledger)
	if err != nil {
		return nil, err
	}

	switch cfg.Ledger.Mode {
	case config.ModeAlgod:
		svc, err := algod.New(algod.Config{
			AlgodURL:     cfg.Ledger.AlgodURL,
			AlgodToken:   cfg.Ledger.AlgodToken,
			IndexerURL:   cfg.Ledger.IndexerURL,
			IndexerToken: cfg.Ledger.IndexerToken,
			AppID:        cfg.Ledger.AppID,
		})
		if err != nil {
			return nil, err
		}
		e.Ledger = svc
		e.checks = append(e.checks, svc.Ping)
	default:
		if err := e.ephemeralKeys(&adminAddr); err != nil {
			return nil, err
		}
		e.Ledger = memory.New(adminAddr)
	}

	if cfg.Postgres.DSN != "" {
		if e.Postgres, err = pg.Open(cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		e.checks = append(e.checks, e.Postgres.Ping)
	}

	var reservations registry.Reservations = registry.NewMemoryReservations()
	if e.Postgres != nil {
		reservations = e.Postgres.Reservations()
	}
	e.Registry = registry.New(e.Ledger, adminAddr,
		registry.WithConfirmationRounds(cfg.Ledger.ConfirmationRounds),
		registry.WithReservations(reservations),
		registry.WithEvents(e.Stream),
	)
	if e.Postgres == nil {
		// in-process claims start empty; seed them from issuers already on the ledger
		n, err := e.Registry.BackfillClaims(ctx)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("seed issuer claims: %w", err)
		}
		e.log.Info("issuer claims seeded", zap.Int("claims", n))
	}
	e.Tokens = token.New(e.Ledger,
		token.WithConfirmationRounds(cfg.Ledger.ConfirmationRounds),
		token.WithEvents(e.Stream),
		token.WithFreezeRetry(cfg.Token.FreezeRetries, cfg.Token.FreezeInterval),
		token.WithScanWorkers(cfg.Token.ScanWorkers),
	)
	var dupOpts []duplicate.Option
	if cfg.Duplicate.UseIndex && e.Postgres != nil {
		dupOpts = append(dupOpts, duplicate.WithIndex(e.Postgres.DuplicateIndex()))
	}
	if e.Duplicates, err = duplicate.New(e.Ledger, cfg.Duplicate.CacheSize, dupOpts...); err != nil {
		e.Close()
		return nil, err
	}
	e.Verifier = verify.New(e.Registry)

	e.log.Info("engine ready",
		zap.String("ledger", cfg.Ledger.Mode),
		zap.String("admin", adminAddr.String()),
		zap.Bool("admin_key", e.Admin.Valid()),
		zap.Bool("issuer_key", e.Issuer.Valid()),
		zap.Bool("postgres", e.Postgres != nil),
		zap.Bool("duplicate_index", len(dupOpts) > 0),
	)
	return e, nil
}

// ReadyProbe checks every remote backend the engine uses.
func (e *Engine) ReadyProbe() httpapi.ReadyProbe {
	return httpapi.ReadyProbe{Checks: e.checks}
}

// API builds the HTTP layer over the engine.
func (e *Engine) API(version string) *httpapi.API {
	return httpapi.New(httpapi.Options{
		Version:        version,
		Ready:          e.ReadyProbe(),
		Auth:           e.Auth,
		Registry:       e.Registry,
		Tokens:         e.Tokens,
		Duplicates:     e.Duplicates,
		Verifier:       e.Verifier,
		Stream:         e.Stream,
		Admin:          e.Admin,
		Issuer:         e.Issuer,
		MaxBodyBytes:   e.Config.HTTP.MaxBodyBytes,
		RateLimitRPS:   e.Config.HTTP.RateLimitRPS,
		RateLimitBurst: e.Config.HTTP.RateLimitBurst,
		CORSOrigins:    e.Config.HTTP.CORSOrigins,
	})
}

// RequireAdmin returns the admin signing account or an error naming the
// missing setting.
func (e *Engine) RequireAdmin() (ledger.Account, error) {
	if !e.Admin.Valid() {
		return ledger.Account{}, errors.New("admin signing key not configured (ledger.admin_mnemonic)")
	}
	return e.Admin, nil
}

// RequireIssuer returns the issuer signing account.
func (e *Engine) RequireIssuer() (ledger.Account, error) {
	if !e.Issuer.Valid() {
		return ledger.Account{}, errors.New("issuer signing key not configured (ledger.issuer_mnemonic)")
	}
	return e.Issuer, nil
}

func (e *Engine) Close() error {
	if e.Duplicates != nil {
		e.Duplicates.Close()
	}
	if e.Postgres != nil {
		return e.Postgres.Close()
	}
	return nil
}

// adminAddress reconciles the configured admin address with the admin key.
func (e *Engine) adminAddress(cfg config.Ledger) (ledger.Address, error) {
	if cfg.AdminAddress == "" {
		return e.Admin.Address, nil
	}
	addr, err := ledger.ParseAddress(cfg.AdminAddress)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("ledger.admin_address: %w", err)
	}
	if e.Admin.Valid() && e.Admin.Address != addr {
		return ledger.Address{}, fmt.Errorf("ledger.admin_mnemonic does not match ledger.admin_address %s", addr)
	}
	return addr, nil
}

func (e *Engine) ephemeralKeys(adminAddr *ledger.Address) error {
	if adminAddr.IsZero() {
		acct, err := ledger.GenerateAccount()
		if err != nil {
			return err
		}
		e.Admin, *adminAddr = acct, acct.Address
		e.log.Warn("generated ephemeral admin key", zap.String("address", acct.Address.String()))
	}
	if !e.Issuer.Valid() {
		acct, err := ledger.GenerateAccount()
		if err != nil {
			return err
		}
		e.Issuer = acct
		e.log.Warn("generated ephemeral issuer key", zap.String("address", acct.Address.String()))
	}
	return nil
}

func optionalAccount(phrase string) (ledger.Account, error) {
	if phrase == "" {
		return ledger.Account{}, nil
	}
	return ledger.AccountFromMnemonic(phrase)
}
