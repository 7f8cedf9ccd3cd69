package main

import (
	"context"

	"github.com/spf13/cobra"

	"credledger.org/internal/app"
	"credledger.org/internal/codec"
)

func (c *cli) issuerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issuer",
		Short: "Manage registered issuers",
	}
	cmd.AddCommand(
		c.issuerAddCmd(),
		c.issuerRevokeCmd(),
		c.issuerReinstateCmd(),
		c.issuerStatusCmd(),
		c.issuerMetadataCmd(),
		c.issuerUpdateCmd(),
		c.issuerMigrateCmd(),
	)
	return cmd
}

func metadataFlags(cmd *cobra.Command, meta *codec.IssuerMetadata) {
	cmd.Flags().StringVar(&meta.Name, "name", "", "short issuer name")
	cmd.Flags().StringVar(&meta.FullName, "full-name", "", "legal name")
	cmd.Flags().StringVar(&meta.Website, "website", "", "issuer website")
	cmd.Flags().StringVar(&meta.OrganizationType, "org-type", "", "organization type")
	cmd.Flags().StringVar(&meta.Jurisdiction, "jurisdiction", "", "jurisdiction of registration")
}

func (c *cli) issuerAddCmd() *cobra.Command {
	var (
		meta     codec.IssuerMetadata
		asIssuer bool
	)
	cmd := &cobra.Command{
		Use:   "add ADDRESS",
		Short: "Register an issuer, vouched for by the admin or an active issuer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				voucher, err := e.RequireAdmin()
				if asIssuer {
					voucher, err = e.RequireIssuer()
				}
				if err != nil {
					return err
				}
				conf, err := e.Registry.AddIssuer(ctx, voucher, addr, meta)
				if err != nil {
					return err
				}
				return c.printJSON(map[string]any{
					"address":    addr,
					"vouched_by": voucher.Address,
					"tx_id":      conf.TxID,
					"round":      conf.Round,
				})
			})
		},
	}
	metadataFlags(cmd, &meta)
	cmd.Flags().BoolVar(&asIssuer, "as-issuer", false, "vouch with the configured issuer key instead of the admin key")
	return cmd
}

func (c *cli) issuerRevokeCmd() *cobra.Command {
	var allPrior bool
	cmd := &cobra.Command{
		Use:   "revoke ADDRESS",
		Short: "Revoke an issuer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				admin, err := e.RequireAdmin()
				if err != nil {
					return err
				}
				conf, err := e.Registry.RevokeIssuer(ctx, admin, addr, allPrior)
				if err != nil {
					return err
				}
				return c.printJSON(conf)
			})
		},
	}
	cmd.Flags().BoolVar(&allPrior, "all-prior", false, "also invalidate every credential the issuer ever issued")
	return cmd
}

func (c *cli) issuerReinstateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reinstate ADDRESS",
		Short: "Reinstate a revoked issuer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				admin, err := e.RequireAdmin()
				if err != nil {
					return err
				}
				conf, err := e.Registry.ReinstateIssuer(ctx, admin, addr)
				if err != nil {
					return err
				}
				return c.printJSON(conf)
			})
		},
	}
}

func (c *cli) issuerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ADDRESS",
		Short: "Show an issuer's registry record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				rec, err := e.Registry.GetIssuerStatus(ctx, addr)
				if err != nil {
					return err
				}
				return c.printJSON(map[string]any{
					"address":          rec.Address,
					"active":           rec.IsActive(),
					"authorized_at":    rec.AuthorizedAt,
					"revoked_at":       rec.RevokedAt,
					"revoke_all_prior": rec.RevokeAllPrior,
					"vouched_by":       rec.VouchedBy,
				})
			})
		},
	}
}

func (c *cli) issuerMetadataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata ADDRESS",
		Short: "Show an issuer's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				meta, err := e.Registry.GetIssuerMetadata(ctx, addr)
				if err != nil {
					return err
				}
				return c.printJSON(meta)
			})
		},
	}
}

func (c *cli) issuerUpdateCmd() *cobra.Command {
	var meta codec.IssuerMetadata
	cmd := &cobra.Command{
		Use:   "update-metadata ADDRESS",
		Short: "Replace an issuer's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				admin, err := e.RequireAdmin()
				if err != nil {
					return err
				}
				conf, err := e.Registry.UpdateMetadata(ctx, admin, addr, meta)
				if err != nil {
					return err
				}
				return c.printJSON(conf)
			})
		},
	}
	metadataFlags(cmd, &meta)
	return cmd
}

func (c *cli) issuerMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-metadata ADDRESS",
		Short: "Rewrite metadata stored in the legacy layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := addressArg(args)
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				admin, err := e.RequireAdmin()
				if err != nil {
					return err
				}
				migrated, err := e.Registry.MigrateMetadata(ctx, admin, addr)
				if err != nil {
					return err
				}
				return c.printJSON(map[string]any{"address": addr, "migrated": migrated})
			})
		},
	}
}
