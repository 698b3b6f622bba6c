// Copyright 2025 The fibersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mutexstress exercises fiber.TimedMutex.
//
// Usage:
//
//	mutexstress run --fibers 32 --iterations 5000   # contended stress run
//	mutexstress scenario [handoff|timeout]          # scripted scenarios
//	mutexstress version                              # build information
//
// Every run setting can also be given as a FIBERSYNC_* environment variable,
// for example FIBERSYNC_FIBERS=32. Flags take precedence.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kolkov/fibersync/fiber"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mutexstress:", err)
		os.Exit(2)
	}
	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mutexstress:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flag defaults come from cfg.
func newRootCmd(cfg Config) *cobra.Command {
	var verbosity int
	root := &cobra.Command{
		Use:           "mutexstress",
		Short:         "Stress and scenario driver for fiber.TimedMutex",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if verbosity == 1 {
				level = zerolog.DebugLevel
			} else if verbosity >= 2 {
				level = zerolog.TraceLevel
			}
			log.Logger = log.Logger.Level(level)
		},
	}
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "verbose output (-vv for trace)")

	root.AddCommand(newRunCmd(cfg), newScenarioCmd(), newVersionCmd())
	return root
}

func newRunCmd(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Hammer mutexes from many fibers and validate every transition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := stress(cmd.Context(), cfg, log.Logger)
			if res != nil {
				res.Print(cmd.OutOrStdout())
			}
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.Fibers, "fibers", cfg.Fibers, "number of fibers")
	f.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "acquire attempts per fiber")
	f.IntVar(&cfg.Mutexes, "mutexes", cfg.Mutexes, "number of mutexes")
	f.IntVar(&cfg.Parallel, "parallel", cfg.Parallel, "fibers running at once (0 for all)")
	f.Int64Var(&cfg.Contenders, "contenders", cfg.Contenders, "fibers inside an acquire attempt at once (0 for no bound)")
	f.StringSliceVar(&cfg.Ops, "ops", cfg.Ops, "acquire ops to cycle through: lock, trylock, timed, context")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "timeout of timed and context acquisitions")
	f.DurationVar(&cfg.Hold, "hold", cfg.Hold, "time an owner spends in the critical section")
	f.BoolVar(&cfg.Check, "check", cfg.Check, "validate transitions with lockcheck")
	f.BoolVar(&cfg.AcquireSites, "acquire-sites", cfg.AcquireSites, "record acquisition stacks")
	return cmd
}

func newScenarioCmd() *cobra.Command {
	var names []string
	for _, s := range scenarios {
		names = append(names, s.name)
	}
	return &cobra.Command{
		Use:       "scenario [name...]",
		Short:     "Run scripted scenarios with known outcomes",
		ValidArgs: names,
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.OutOrStdout(), args, log.Logger)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,

		DisableFlagsInUseLine: true,
		Run: func(cmd *cobra.Command, args []string) {
			info := fiber.GetInfo()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "mutexstress version %s\n", info.Version)
			fmt.Fprintf(w, "  guard:              %s\n", info.Guard)
			fmt.Fprintf(w, "  deadlock detection: %t\n", info.DeadlockDetection)
			fmt.Fprintf(w, "  fiber id:           %s\n", info.FiberID)
			fmt.Fprintf(w, "  go:                 %s\n", runtime.Version())
		},
	}
}
