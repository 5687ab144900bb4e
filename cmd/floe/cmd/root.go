// Package cmd wires the floe CLI's command tree. Every command here is
// thin: parse flags/env, call into internal/compiler, pkg/ociclient,
// pkg/signing, internal/networkpolicy and internal/rbac, and map the
// result onto an exit code. No business logic lives in this package
// (spec §6.1).
package cmd

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/floe-dev/floe/internal/config"
	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/pluginregistry"
	"github.com/floe-dev/floe/internal/telemetry"
)

var (
	cfgFile string
	debug   bool

	cfg         *config.Config
	logger      logr.Logger
	loggerFlush func()

	rootCmd = &cobra.Command{
		Use:   "floe",
		Short: "floe compiles declarative data-platform manifests into CompiledArtifacts and manages their OCI lifecycle",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
			lg, flush, err := telemetry.NewLogger(debug || cfg.Logging.Debug)
			if err != nil {
				return err
			}
			logger = lg
			loggerFlush = flush
			pluginregistry.RegisterBuiltins(cfg.Plugins)
			return nil
		},
	}
)

// Execute runs the root command and exits with the error's taxonomy
// exit code on failure (spec §7).
func Execute() {
	defer func() {
		if loggerFlush != nil {
			loggerFlush()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var appErr *ferrors.AppError
	if ok := asAppError(err, &appErr); ok {
		return appErr.ExitCode()
	}
	return 1
}

func asAppError(err error, target **ferrors.AppError) bool {
	for err != nil {
		if ae, ok := err.(*ferrors.AppError); ok {
			*target = ae
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a floe config YAML file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose logging")

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(networkCmd)
}
