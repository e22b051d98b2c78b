// Package main provides the standalone asmprobe worker binary.
//
// Hosts that cannot re-execute themselves point isolation.WithWorkerPath at
// this binary. It speaks the worker protocol on stdin/stdout and logs JSON to
// stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snowmerak/asmprobe/lib/isolation"
	"github.com/snowmerak/asmprobe/lib/logging"
)

func main() {
	var cfg isolation.WorkerConfig

	rootCmd := &cobra.Command{
		Use:           "asmprobe-worker",
		Short:         "Serve assembly metadata extraction for one isolation context",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Root == "" {
				return errors.New("--root is required")
			}

			logger := logging.NewWithComponent(logging.Config{
				Level:  cfg.LogLevel,
				Output: os.Stderr,
			}, "worker")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return isolation.Serve(ctx, os.Stdin, os.Stdout, cfg, logger)
		},
	}
	isolation.BindFlags(rootCmd.Flags(), &cfg)

	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				cmd.Println("asmprobe-worker (unknown version)")
				return
			}
			cmd.Printf("asmprobe-worker %s\n", info.Main.Version)
			cmd.Printf("Go version: %s\n", info.GoVersion)
		},
	}
}
