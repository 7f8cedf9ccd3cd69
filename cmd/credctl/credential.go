package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"credledger.org/internal/app"
	"credledger.org/internal/codec"
	"credledger.org/internal/ledger"
)

func (c *cli) credentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Verify, revoke and inspect credentials",
	}
	cmd.AddCommand(
		c.credentialVerifyCmd(),
		c.credentialRevokeCmd(),
		c.credentialDuplicatesCmd(),
		c.credentialListCmd(),
	)
	return cmd
}

func issuerFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "issuer", "", "issuer address")
	_ = cmd.MarkFlagRequired("issuer")
}

func (c *cli) credentialVerifyCmd() *cobra.Command {
	var issuer, issuedAt string
	cmd := &cobra.Command{
		Use:   "verify CREDENTIAL_ID",
		Short: "Check whether a credential is currently valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ledger.ParseAddress(issuer)
			if err != nil {
				return fmt.Errorf("--issuer: %w", err)
			}
			at, err := time.Parse(time.RFC3339, issuedAt)
			if err != nil {
				return fmt.Errorf("--issued-at: %w", err)
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				res := e.Verifier.VerifyCredentialValidity(ctx, args[0], addr, at)
				if res.Err != nil {
					return res.Err
				}
				return c.printJSON(res)
			})
		},
	}
	issuerFlag(cmd, &issuer)
	cmd.Flags().StringVar(&issuedAt, "issued-at", "", "issuance time (RFC 3339)")
	_ = cmd.MarkFlagRequired("issued-at")
	return cmd
}

func (c *cli) credentialRevokeCmd() *cobra.Command {
	var issuer string
	cmd := &cobra.Command{
		Use:   "revoke CREDENTIAL_ID",
		Short: "Record a credential revocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ledger.ParseAddress(issuer)
			if err != nil {
				return fmt.Errorf("--issuer: %w", err)
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				admin, err := e.RequireAdmin()
				if err != nil {
					return err
				}
				conf, err := e.Registry.RevokeCredential(ctx, admin, args[0], addr)
				if err != nil {
					return err
				}
				return c.printJSON(conf)
			})
		},
	}
	issuerFlag(cmd, &issuer)
	return cmd
}

func (c *cli) credentialDuplicatesCmd() *cobra.Command {
	var (
		issuer string
		hash   string
		fields []string
	)
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Look for credentials already issued with the same identifying fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := ledger.ParseAddress(issuer)
			if err != nil {
				return fmt.Errorf("--issuer: %w", err)
			}
			switch {
			case hash != "" && len(fields) > 0:
				return errors.New("use either --hash or --field, not both")
			case hash == "" && len(fields) == 0:
				return errors.New("one of --hash or --field is required")
			case hash == "":
				hash = codec.CompositeHash(fields...)
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				res, err := e.Duplicates.CheckDuplicate(ctx, addr, hash)
				if err != nil {
					return err
				}
				return c.printJSON(map[string]any{
					"composite_hash": hash,
					"exists":         res.Exists,
					"token_ids":      res.TokenIDs,
				})
			})
		},
	}
	issuerFlag(cmd, &issuer)
	cmd.Flags().StringVar(&hash, "hash", "", "composite hash")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "identifying field, repeatable, hashed in order")
	return cmd
}

func (c *cli) credentialListCmd() *cobra.Command {
	var issuer string
	cmd := &cobra.Command{
		Use:   "list WALLET",
		Short: "List the credentials a wallet holds from one issuer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := addressArg(args)
			if err != nil {
				return err
			}
			addr, err := ledger.ParseAddress(issuer)
			if err != nil {
				return fmt.Errorf("--issuer: %w", err)
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				creds, err := e.Tokens.GetWalletCredentials(ctx, wallet, addr)
				if err != nil {
					return err
				}
				return c.printJSON(creds)
			})
		},
	}
	issuerFlag(cmd, &issuer)
	return cmd
}
