package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quietfold/reportgate/internal/access"
	"github.com/quietfold/reportgate/internal/cloudflare"
	"github.com/quietfold/reportgate/internal/config"
	"github.com/quietfold/reportgate/internal/controller"
	"github.com/quietfold/reportgate/internal/dnssync"
	"github.com/quietfold/reportgate/internal/generator"
	"github.com/quietfold/reportgate/internal/origin"
	"github.com/quietfold/reportgate/internal/pages"
	"github.com/quietfold/reportgate/internal/verify"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "reportgate",
		Short:         "Keep a static report site behind an email one-time-passcode gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSyncCommand())
	root.AddCommand(newPlanCommand())
	root.AddCommand(newVerifyCommand())
	root.AddCommand(newServeCommand())
	return root
}

func newSyncCommand() *cobra.Command {
	var once bool
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile DNS, the static host domain, and the access gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			if once {
				cfg.Controller.RunOnce = true
			}
			if dryRun {
				cfg.Controller.DryRun = true
			}
			return runSync(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sync pass and exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intended changes without applying them")
	return cmd
}

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show what sync would change without applying anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			cfg.Controller.RunOnce = true
			cfg.Controller.DryRun = true
			return runSync(cmd.Context(), cfg, logger)
		},
	}
}

func newVerifyCommand() *cobra.Command {
	var skip []string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the acceptance checks against the deployed gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			return runVerify(cmd.Context(), cfg, logger, skip)
		},
	}
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "checks to skip (dns, edge, policy, generator)")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the report artifacts behind gateway token validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func loadRuntime() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		log.Error("failed to load configuration", "error", err)
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	return cfg, logger, nil
}

func runSync(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	client, err := cloudflare.NewClient(cfg.Cloudflare)
	if err != nil {
		return fmt.Errorf("initialize Cloudflare client: %w", err)
	}

	dnsEngine := dnssync.NewEngine(client, logger, cfg.Controller.DryRun, cfg.Controller.DeleteOrphans, cfg.Controller.ManagedBy)
	pagesEngine := pages.NewEngine(client, logger, cfg.Controller.DryRun)
	accessEngine := access.NewEngine(client, logger, cfg.Controller.DryRun, cfg.Controller.ManagedBy)
	syncController := controller.NewController(cfg.GateFile, dnsEngine, pagesEngine, accessEngine, cfg.Controller.PollInterval, logger)

	ctx, stop := notifyContext(ctx)
	defer stop()

	return syncController.Run(ctx, cfg.Controller.RunOnce)
}

func runVerify(ctx context.Context, cfg config.Config, logger *slog.Logger, skip []string) error {
	gate, err := config.LoadGate(cfg.GateFile)
	if err != nil {
		return err
	}

	client, err := cloudflare.NewClient(cfg.Cloudflare)
	if err != nil {
		return fmt.Errorf("initialize Cloudflare client: %w", err)
	}

	var gen verify.GeneratorAPI
	if gate.Generator != nil {
		adapter, err := generator.NewAdapter(cfg.Docker)
		if err != nil {
			logger.Warn("docker unavailable; generator check will be skipped", "error", err)
		} else {
			gen = adapter
		}
	}

	skipSet := map[string]bool{}
	for _, name := range skip {
		skipSet[name] = true
	}

	ctx, stop := notifyContext(ctx)
	defer stop()

	verifier := verify.New(client, client, gen, logger)
	report := verifier.Run(ctx, gate, skipSet)

	fmt.Printf("verification run %s (%s)\n", report.RunID, report.Duration.Round(time.Millisecond))
	for _, check := range report.Checks {
		fmt.Printf("  %-10s %-4s %s\n", check.Name, check.Status, check.Detail)
	}
	if report.Failed() {
		return fmt.Errorf("verification failed")
	}
	return nil
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	gate, err := config.LoadGate(cfg.GateFile)
	if err != nil {
		return err
	}
	if cfg.Cloudflare.TeamDomain == "" {
		return fmt.Errorf("CF_TEAM_DOMAIN is required to validate gateway tokens")
	}

	keyring := origin.NewKeyring(cfg.Cloudflare.TeamDomain)
	server := origin.NewServer(cfg.Origin, gate, keyring, logger)

	ctx, stop := notifyContext(ctx)
	defer stop()

	err = server.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
