package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/extension-manager/internal/config"
	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/guard"
	"github.com/rcourtman/extension-manager/internal/host"
	"github.com/rcourtman/extension-manager/internal/logging"
	"github.com/rcourtman/extension-manager/internal/notices"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errActionFailed marks a command whose action reported failure. The notice
// has already been printed.
var errActionFailed = errors.New("action failed")

var (
	configPath string
	jsonOutput bool

	// newHost is replaced in tests.
	newHost = host.New
	app     *host.Host
)

// Command annotations read by the root pre-run hook.
const (
	skipHost          = "skip-host"
	surfaceAnnotation = "surface"
)

var rootCmd = &cobra.Command{
	Use:           "extmgr",
	Short:         "Extension manager licensing and loading",
	Long:          `extmgr activates the site's subscription, verifies the extension catalog and loads the extensions the subscription allows.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipHost] == "true" {
			return nil
		}
		var opts []host.Option
		if cmd.Annotations[surfaceAnnotation] == guard.SurfaceBackground.String() {
			opts = append(opts, host.WithSurface(guard.SurfaceBackground))
		}
		return setup(cmd, opts...)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Annotations: map[string]string{skipHost: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "extmgr %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(deactivateCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(revalidateCmd)
	rootCmd.AddCommand(enableFeedCmd)
	rootCmd.AddCommand(extensionsCmd)
	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(checksumCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	teardown()
	stop()
	if err != nil {
		if !errors.Is(err, errActionFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode separates a halted manager from ordinary failures.
func exitCode(err error) int {
	if errs.IsFatal(err) {
		return 3
	}
	return 1
}

func setup(cmd *cobra.Command, opts ...host.Option) error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "extmgr"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "extmgr",
		FilePath:  cfg.LogFile,
	})

	app, err = newHost(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to start extension manager: %w", err)
	}
	log.Debug().Str("command", cmd.CommandPath()).Str("store", cfg.StoreBackend).Msg("Extension manager ready")
	return nil
}

func teardown() {
	if app == nil {
		return
	}
	if err := app.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close option store")
	}
	app = nil
	logging.Shutdown()
}

// report prints res and turns a failed result into errActionFailed.
func report(out io.Writer, res notices.Result) error {
	if jsonOutput {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else if res.Code != notices.None {
		fmt.Fprintf(out, "%s: %s\n", res.Status, notices.Pending{Code: res.Code, Extra: res.Extra}.Render())
	} else {
		fmt.Fprintf(out, "%s\n", res.Status)
	}
	if res.Status == notices.Failed {
		return errActionFailed
	}
	return nil
}
