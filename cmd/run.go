package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/govtrack-audit/internal/app"
	"github.com/JakeFAU/govtrack-audit/internal/audit"
)

// runFlags maps flag names to configuration keys.
var runFlags = map[string]string{
	"trial-name":        "audit.trial_name",
	"location":          "audit.location",
	"websites-path":     "audit.websites_path",
	"websites-n":        "audit.websites_n",
	"browser-n":         "audit.browser_n",
	"headless":          "audit.headless",
	"max-cookies":       "audit.max_cookies",
	"random-seed":       "audit.random_seed",
	"seed-profile":      "audit.seed_profile",
	"store-screenshots": "audit.store_screenshots",
	"store-source":      "audit.store_source",
	"output-dir":        "audit.output_dir",
	"profiles-dir":      "audit.profiles_dir",
}

// newRunCmd creates the 'run' subcommand, which drives one audit.
func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs (or resumes) today's audit",
		Long: `Resolves the website list, launches the browsers and visits every site
that is not yet in the audit's store. Visits pause outside the active hours.
Interrupting the command leaves the audit resumable.`,
		Args: cobra.NoArgs,
		RunE: runAudit,
	}

	f := cmd.Flags()
	f.String("trial-name", "", "trial name used in the audit name")
	f.String("location", "", "location label used in the audit name")
	f.String("websites-path", "", "website dataset (local path or gs://bucket/object)")
	f.Int("websites-n", 0, "sample this many websites (0 visits all)")
	f.Int("browser-n", 1, "number of parallel browsers")
	f.Bool("headless", false, "run browsers without a display")
	f.Int("max-cookies", 0, "stop once this many unique cookies are stored (0 disables)")
	f.Int64("random-seed", 0, "sampling seed (0 generates one)")
	f.String("seed-profile", "", "profile tarball copied into every browser profile")
	f.Bool("store-screenshots", false, "save a full-page screenshot per visit")
	f.Bool("store-source", false, "save the page source per visit")
	f.String("output-dir", "", "root directory for audit outputs")
	f.String("profiles-dir", "", "root directory for browser profiles")
	for name, key := range runFlags {
		mustBind(v, key, f.Lookup(name))
	}
	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := app.New(e.cfg, e.logger, app.Options{}).RunAudit(ctx)
	switch {
	case errors.Is(err, audit.ErrAlreadyComplete):
		e.logger.Info("Audit already complete")
		return nil
	case errors.Is(err, context.Canceled):
		e.logger.Warn("Audit interrupted; rerun the command to resume")
		return err
	case err != nil:
		return fmt.Errorf("run audit: %w", err)
	}
	e.logger.Info("Audit complete",
		zap.String("audit", m.AuditName),
		zap.Int("cookies", m.TotalCookiesCollected),
		zap.Int("failed_visits", m.FailedVisitsCount),
	)
	return nil
}

// mustBind binds a flag onto a config key. Flags are declared in code, so a
// missing one is a programming error.
func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for %s is not defined", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
