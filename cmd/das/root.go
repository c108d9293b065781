package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/broadcast"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/config"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/eventlog"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/hosts"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/perfectlink"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/signals"
)

// errUnsupportedMode marks a config mode this build recognizes but does
// not execute (lattice-agreement). Execute maps it to exit code 2,
// distinct from exit code 1's general startup failure.
var errUnsupportedMode = errors.New("das: config mode is recognized but not executed by this build")

type runFlags struct {
	id     uint32
	hosts  string
	output string
	config string
}

func newRootCmd(zlog *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "das",
		Short:         "Perfect-link and FIFO-broadcast reference processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var flags runFlags
	var idFlag int

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one process of a distributed-algorithms exercise",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.id = uint32(idFlag)
			return runProcess(cmd.Context(), flags, zlog)
		},
	}
	runCmd.Flags().IntVar(&idFlag, "id", 0, "this process's id in the hosts file")
	runCmd.Flags().StringVar(&flags.hosts, "hosts", "", "path to the hosts file")
	runCmd.Flags().StringVar(&flags.output, "output", "", "path to the event log file")
	runCmd.Flags().StringVar(&flags.config, "config", "", "path to the run-mode config file")
	for _, name := range []string{"id", "hosts", "output", "config"} {
		_ = runCmd.MarkFlagRequired(name)
	}

	root.AddCommand(runCmd)
	return root
}

func runProcess(ctx context.Context, f runFlags, zlog *zap.Logger) error {
	ht, err := hosts.Load(f.hosts)
	if err != nil {
		return err
	}

	cfg, err := config.Parse(f.config)
	if err != nil {
		return err
	}

	evlog, err := eventlog.Open(f.output)
	if err != nil {
		return err
	}
	defer evlog.Close()

	g, gctx := errgroup.WithContext(ctx)

	switch cfg.Mode {
	case config.PerfectLink:
		app := &perfectlink.App{
			ID:         f.id,
			Hosts:      ht,
			M:          cfg.PerfectLink.M,
			ReceiverID: cfg.PerfectLink.ReceiverID,
			Topology:   perfectlink.DualSocket,
			Log:        evlog,
			ZLog:       zlog,
		}
		g.Go(func() error { return app.Run(gctx) })

	case config.FIFOBroadcast:
		app := &broadcast.App{
			ID:    f.id,
			Hosts: ht,
			M:     cfg.FIFOBroadcast.M,
			Log:   evlog,
			ZLog:  zlog,
		}
		g.Go(func() error { return app.Run(gctx) })

	case config.LatticeAgreement:
		return fmt.Errorf("%s: mode %d: %w", f.config, cfg.Mode, errUnsupportedMode)

	default:
		return fmt.Errorf("das: unrecognized config mode %d", cfg.Mode)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Execute runs the CLI and returns the process exit code: 0 on clean
// shutdown, 1 on any startup or runtime failure, 2 when the config file
// is recognized but names an unsupported mode.
func Execute() int {
	ctx, stop := signals.Context()
	defer stop()

	zlog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "das: logger init:", err)
		return 1
	}
	defer zlog.Sync()

	cmd := newRootCmd(zlog)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errUnsupportedMode) {
			zlog.Error("unsupported config mode", zap.Error(err))
			return 2
		}
		zlog.Error("run failed", zap.Error(err))
		return 1
	}
	return 0
}
