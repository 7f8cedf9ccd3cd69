package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"credledger.org/internal/app"
	"credledger.org/internal/config"
	"credledger.org/internal/ledger"
)

const (
	configFlagName  = "config"
	timeoutFlagName = "timeout"
)

type cli struct {
	out        io.Writer
	configPath string
	timeout    time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "credctl",
		Short:         "Administer the credential registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, configFlagName, os.Getenv("CREDLEDGER_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().DurationVar(&c.timeout, timeoutFlagName, 2*time.Minute, "deadline for ledger operations")

	root.AddCommand(
		c.issuerCmd(),
		c.credentialCmd(),
		c.indexCmd(),
		c.hashCmd(),
		c.tokenCmd(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	return config.Load(c.configPath)
}

// withEngine opens the engine for one command and closes it afterwards.
func (c *cli) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *app.Engine) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	e, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addressArg(args []string) (ledger.Address, error) {
	return ledger.ParseAddress(args[0])
}
