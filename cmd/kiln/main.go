package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kiln/internal/engine"
	"kiln/internal/execx"
	"kiln/internal/infra"
	"kiln/internal/vcs"
)

type cliFlags struct {
	configPath string
	logLevel   string

	tags      []string
	platforms []string
	push      bool
	load      bool
	driver    string

	scanFormat string
	failOn     string
	onlyFixed  bool
	scanConfig string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Builds, tests and scans dependency-ordered container image trees",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to kiln.yaml")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	build := &cobra.Command{
		Use:   "build [project...]",
		Short: "Build images for the named projects and their upstream dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *engine.Engine) error {
				return e.Build(ctx, args)
			})
		},
	}
	addBuildFlags(build, flags)

	test := &cobra.Command{
		Use:   "test [project...]",
		Short: "Build and run composition tests for the named projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *engine.Engine) error {
				return e.Test(ctx, args)
			})
		},
	}

	report := &cobra.Command{
		Use:   "report [project...]",
		Short: "Generate SBOMs and vulnerability reports for built images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *engine.Engine) error {
				return e.Scan(ctx, args)
			})
		},
	}
	addReportFlags(report, flags)

	scanDBUpdate := &cobra.Command{
		Use:   "scan-db-update",
		Short: "Refresh the vulnerability database if stale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *engine.Engine) error {
				return e.UpdateScanDB(ctx)
			})
		},
	}

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Tear down the registry, builder and their network and volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *engine.Engine) error {
				return e.Clean(ctx)
			})
		},
	}

	diskUsage := &cobra.Command{
		Use:   "disk-usage",
		Short: "Report engine and builder cache storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *engine.Engine) error {
				usage, err := e.DiskUsage(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), usage)
				return nil
			})
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Reclaim builder cache storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, flags, func(ctx context.Context, e *engine.Engine) error {
				reclaimed, err := e.Prune(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), reclaimed)
				return nil
			})
		},
	}

	root.AddCommand(build, test, report, scanDBUpdate, clean, diskUsage, prune)
	return root
}

func addBuildFlags(cmd *cobra.Command, flags *cliFlags) {
	cmd.Flags().StringSliceVar(&flags.tags, "tag", nil, "image tags, overriding the version-control derivation")
	cmd.Flags().StringSliceVar(&flags.platforms, "platform", nil, "target platforms, empty for the host platform")
	cmd.Flags().BoolVar(&flags.push, "push", false, "push built images to the registry")
	cmd.Flags().BoolVar(&flags.load, "load", false, "load built images into the local engine")
	cmd.Flags().StringVar(&flags.driver, "driver", "", "builder driver: local, container or remote")
}

func addReportFlags(cmd *cobra.Command, flags *cliFlags) {
	cmd.Flags().StringVar(&flags.scanFormat, "format", "", "report format: table, json, cyclonedx or markdown")
	cmd.Flags().StringVar(&flags.failOn, "fail-on", "", "minimum vulnerability severity that fails the run")
	cmd.Flags().BoolVar(&flags.onlyFixed, "only-fixed", false, "report only vulnerabilities with a fix")
	cmd.Flags().StringVar(&flags.scanConfig, "scan-config", "", "path to the vulnerability matcher config file")
}

// withEngine loads configuration, builds the run's dependencies and invokes
// fn under a signal-aware context. The cleanup scope closes on every exit
// path so no ad hoc containers outlive the process.
func withEngine(cmd *cobra.Command, flags *cliFlags, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := infra.LoadConfigWithOverrides(flags.configPath, flagOverrides(cmd, flags))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infra.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	root, err := os.Getwd()
	if err != nil {
		return err
	}

	repo, err := vcs.Load(root, logger)
	if err != nil {
		return err
	}

	apiClient, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine client: %w", err)
	}
	defer apiClient.Close()

	e, err := engine.New(root, cfg, repo, apiClient, execx.NewExecRunner(logger), logger)
	if err != nil {
		return err
	}
	defer e.Cleanup().Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, e); err != nil {
		logger.Error("Run failed", zap.Error(err))
		return err
	}
	return nil
}

// flagOverrides maps explicitly-set command flags onto configuration keys.
// Routing them through the config loader keeps flag values subject to the
// same validation and driver-dependent defaulting as file and environment
// values. Unset flags leave the config and its defaults alone.
func flagOverrides(cmd *cobra.Command, flags *cliFlags) map[string]any {
	set := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	overrides := map[string]any{}
	if flags.logLevel != "" {
		overrides["log.level"] = flags.logLevel
	}
	if set("tag") {
		overrides["registry.tags"] = flags.tags
	}
	if set("platform") {
		overrides["builder.platforms"] = strings.Join(flags.platforms, ",")
	}
	if set("push") {
		overrides["builder.push"] = flags.push
		// Pushing and loading are mutually exclusive; requesting a push
		// drops the load default. An explicit --load still collides and is
		// rejected by validation.
		if flags.push && !set("load") {
			overrides["builder.load"] = false
		}
	}
	if set("load") {
		overrides["builder.load"] = flags.load
	}
	if set("driver") {
		overrides["builder.driver"] = flags.driver
	}
	if set("format") {
		overrides["scan.format"] = flags.scanFormat
	}
	if set("fail-on") {
		overrides["scan.fail_on"] = flags.failOn
	}
	if set("only-fixed") {
		overrides["scan.only_fixed"] = flags.onlyFixed
	}
	if set("scan-config") {
		overrides["scan.config_path"] = flags.scanConfig
	}
	return overrides
}
