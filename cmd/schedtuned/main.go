// schedtuned is the userspace tuning daemon for the kernel-resident
// scheduling engine. It watches the engine's counters and wake-latency
// stream, classifies the load regime, and keeps the shared knob record
// matched to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/wllclngn/schedtuned/internal/config"
	"github.com/wllclngn/schedtuned/internal/engine"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "schedtuned: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "schedtuned",
		Short:        "Adaptive tuning daemon for the sched_ext engine",
		Long: `schedtuned attaches to the scheduling engine's pinned BPF maps and runs
two control loops against it: a fast reflex path that tightens the time
slice on wake-latency spikes, and a 1s monitor loop that classifies the
load regime, applies baseline profiles, relaxes past tightenings, and
learns per-process tier classifications.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the tuning daemon (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, logger)
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Verify the engine is attached and print its live state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return runCheck(cmd, cfg)
		},
	}

	root.AddCommand(run, check)
	root.RunE = run.RunE
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func runCheck(cmd *cobra.Command, cfg config.Config) error {
	eng, err := engine.Open(cfg.PinDir, zap.NewNop())
	if err != nil {
		return fmt.Errorf("engine not reachable at %s: %w", cfg.PinDir, err)
	}
	defer eng.Close()

	knobs, err := eng.ReadKnobs()
	if err != nil {
		return fmt.Errorf("failed to read tuning knobs: %w", err)
	}
	stats := eng.ReadStats()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "engine attached at %s\n", cfg.PinDir)
	fmt.Fprintf(out, "  slice            %d us\n", knobs.SliceNs/1000)
	fmt.Fprintf(out, "  preempt thresh   %d us\n", knobs.PreemptThreshNs/1000)
	fmt.Fprintf(out, "  lag scale        %d\n", knobs.LagScale)
	fmt.Fprintf(out, "  batch slice      %d us\n", knobs.BatchSliceNs/1000)
	fmt.Fprintf(out, "  cpu-bound thresh %d us\n", knobs.CPUBoundThreshNs/1000)
	fmt.Fprintf(out, "  dispatches       %d\n", stats.NrDispatches)
	fmt.Fprintf(out, "  idle hits        %d\n", stats.NrIdleHits)

	if info, err := eng.ExitInfo(); err == nil && info.Exited() {
		fmt.Fprintf(out, "  engine EXITED: kind=%d code=%d reason=%q\n",
			info.Kind, info.ExitCode, info.Reason)
	}
	return nil
}
