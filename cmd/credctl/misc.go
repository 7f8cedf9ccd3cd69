package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"credledger.org/internal/app"
	"credledger.org/internal/auth"
	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
)

func (c *cli) indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the off-ledger indexes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "claims",
		Short: "Reserve the names and websites of issuers already on the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				n, err := e.Registry.BackfillClaims(ctx)
				if err != nil {
					return fmt.Errorf("claims backfill stopped after %d issuers: %w", n, err)
				}
				return c.printJSON(map[string]any{"claimed": n})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "backfill ISSUER",
		Short: "Copy an issuer's credential history into the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := addressArg(args)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				if e.Postgres == nil {
					return errors.New("postgres.dsn is not configured")
				}
				n, err := e.Duplicates.Backfill(ctx, e.Postgres.DuplicateIndex(), issuer)
				if err != nil {
					return fmt.Errorf("backfill stopped after %d records: %w", n, err)
				}
				return c.printJSON(map[string]any{"issuer": issuer, "recorded": n})
			})
		},
	})
	return cmd
}

func (c *cli) hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash FIELD...",
		Short: "Print the composite hash of identifying fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(c.out, codec.CompositeHash(args...))
			return err
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		roles  []string
		signer string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Mint an API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			grant := auth.Grant{Subject: args[0], Roles: roles}
			if signer != "" {
				if grant.Signer, err = ledger.ParseAddress(signer); err != nil {
					return err
				}
			}
			tok, err := auth.New(cfg.Auth.Secret).Mint(grant, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, tok)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleIssuer}, "roles to grant (admin, issuer)")
	cmd.Flags().StringVar(&signer, "signer", "", "bind the token to one signing account address")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
