// Package cmd defines the govaudit CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/govtrack-audit/internal/config"
	"github.com/JakeFAU/govtrack-audit/internal/logging"
)

// envKeyType keys the command environment in the cobra context.
type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE prepares for subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates the root command. v collects defaults, environment,
// the config file, and flags bound by subcommands.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "govaudit",
		Short: "Audits web tracking on governmental websites with real browsers.",
		Long: `govaudit visits a list of governmental websites with instrumented Chrome
browsers, records requests, cookies and DNS answers into a per-audit SQLite
store, and writes a manifest once the run completes. Runs are resumable: an
interrupted audit continues with the sites it has not visited yet.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().Bool("dev-logs", true, "human-readable development logging")
	mustBind(v, "logging.development", cmd.PersistentFlags().Lookup("dev-logs"))

	cmd.AddCommand(newRunCmd(v))
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(config.New()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "govaudit: %v\n", err)
		os.Exit(1)
	}
}
