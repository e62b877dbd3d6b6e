// Command wl runs the wait-time data pipeline: ingest, merge, modeling
// and the live feed poller, all against a single data root.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/debug"
	"github.com/waitline/waitline/internal/lockfile"
	"github.com/waitline/waitline/internal/telemetry"
)

// Version is set by the build.
var Version = "dev"

// Exit codes. Pipeline and validation failures are 1, lock contention 2,
// configuration problems 3.
const (
	exitOK     = 0
	exitFailed = 1
	exitLocked = 2
	exitConfig = 3
)

var (
	cfgPath     string
	rootDir     string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// configError marks failures that should exit with exitConfig.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// stepError marks a pipeline step failure that has already been reported.
type stepError struct{ err error }

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:           "wl",
	Short:         "Theme-park wait time pipeline",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		return telemetry.Init(cmd.Context(), "wl", Version)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default: config/config.json)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Data root (overrides output_base)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	err := rootCmd.ExecuteContext(rootCtx)
	if err == nil {
		os.Exit(exitOK)
	}

	var cfgErr *configError
	switch {
	case errors.Is(err, lockfile.ErrLockBusy), errors.Is(err, errNothingToCheck):
		fmt.Fprintf(os.Stderr, "wl: %v\n", err)
		os.Exit(exitLocked)
	case errors.As(err, &cfgErr):
		fmt.Fprintf(os.Stderr, "wl: %v\n", err)
		os.Exit(exitConfig)
	default:
		fmt.Fprintf(os.Stderr, "wl: %v\n", err)
		os.Exit(exitFailed)
	}
}
