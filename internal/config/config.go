// Package config loads service configuration from the embedded defaults, an
// optional YAML file and CREDLEDGER_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CREDLEDGER_LEDGER_MODE.
const EnvPrefix = "CREDLEDGER"

// Ledger modes.
const (
	ModeMemory = "memory"
	ModeAlgod  = "algod"
)

//go:embed defaults.yaml
var defaults []byte

type Config struct {
	HTTP      HTTP      `mapstructure:"http"`
	GRPC      GRPC      `mapstructure:"grpc"`
	Ledger    Ledger    `mapstructure:"ledger"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Auth      Auth      `mapstructure:"auth"`
	Token     Token     `mapstructure:"token"`
	Duplicate Duplicate `mapstructure:"duplicate"`
}

type HTTP struct {
	Addr           string   `mapstructure:"addr"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
}

type GRPC struct {
	Addr string `mapstructure:"addr"`
}

type Ledger struct {
	Mode               string `mapstructure:"mode"`
	AlgodURL           string `mapstructure:"algod_url"`
	AlgodToken         string `mapstructure:"algod_token"`
	IndexerURL         string `mapstructure:"indexer_url"`
	IndexerToken       string `mapstructure:"indexer_token"`
	AppID              uint64 `mapstructure:"app_id"`
	ConfirmationRounds uint64 `mapstructure:"confirmation_rounds"`
	// AdminAddress is enough for read-only deployments; AdminMnemonic also
	// lets the server sign admin operations.
	AdminAddress   string `mapstructure:"admin_address"`
	AdminMnemonic  string `mapstructure:"admin_mnemonic"`
	IssuerMnemonic string `mapstructure:"issuer_mnemonic"`
}

type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

type Auth struct {
	Secret string `mapstructure:"secret"`
}

type Token struct {
	FreezeRetries  uint64        `mapstructure:"freeze_retries"`
	FreezeInterval time.Duration `mapstructure:"freeze_interval"`
	ScanWorkers    int           `mapstructure:"scan_workers"`
}

type Duplicate struct {
	CacheSize int64 `mapstructure:"cache_size"`
	// UseIndex answers duplicate checks from the Postgres index instead of
	// scanning ledger history. The index must be backfilled first.
	UseIndex bool `mapstructure:"use_index"`
}

// Load reads configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	switch c.Ledger.Mode {
	case ModeMemory:
	case ModeAlgod:
		if c.Ledger.AlgodURL == "" {
			errs = append(errs, errors.New("ledger.algod_url is required in algod mode"))
		}
		if c.Ledger.IndexerURL == "" {
			errs = append(errs, errors.New("ledger.indexer_url is required in algod mode"))
		}
		if c.Ledger.AppID == 0 {
			errs = append(errs, errors.New("ledger.app_id is required in algod mode"))
		}
		if c.Ledger.AdminAddress == "" && c.Ledger.AdminMnemonic == "" {
			errs = append(errs, errors.New("ledger.admin_address or ledger.admin_mnemonic is required in algod mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.mode must be %q or %q, got %q", ModeMemory, ModeAlgod, c.Ledger.Mode))
	}
	if c.Ledger.ConfirmationRounds == 0 {
		errs = append(errs, errors.New("ledger.confirmation_rounds must be positive"))
	}
	if c.Duplicate.UseIndex && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("duplicate.use_index requires postgres.dsn"))
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		errs = append(errs, errors.New("http rate limits must not be negative"))
	}
	return errors.Join(errs...)
}
