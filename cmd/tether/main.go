package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	StatusListen  string
	MetricsListen string
	ExitOnFailure bool
}

// ProbeFlags holds flags for the probe command.
type ProbeFlags struct {
	Timeout time.Duration
}

// ReclaimFlags holds flags for the reclaim command.
type ReclaimFlags struct {
	DryRun bool
}

// HistoryFlags holds flags for the history command.
type HistoryFlags struct {
	DSN   string
	Limit int
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	tc := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(tc, &RunFlags{}),
		createResolveCommand(tc),
		createProbeCommand(tc, &ProbeFlags{}),
		createReclaimCommand(tc, &ReclaimFlags{}),
		createHistoryCommand(tc, &HistoryFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tether",
		Short: "Backend process supervisor",
		Long: `Tether locates a backend server, clears stale instances, starts it,
checks that it becomes reachable and stops it on shutdown.

Examples:
  tether run                               # supervise until SIGINT/SIGTERM
  tether run --status-listen=127.0.0.1:9101
  tether resolve                           # show which backend would start
  tether probe                             # check ports 8000-8009 once
  tether reclaim --dry-run                 # list stale instances
  tether history --limit=20`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(tc command, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch the backend and supervise it until interrupted",
		Long: `Launch the backend and keep it running until SIGINT or SIGTERM, then stop it.
A backend that cannot be found or started is logged and tether keeps running,
unless --exit-on-failure is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tc.Run(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.StatusListen, "status-listen", "", "serve status endpoints on this address (overrides status.listen)")
	cmd.Flags().StringVar(&f.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	cmd.Flags().BoolVar(&f.ExitOnFailure, "exit-on-failure", false, "exit with an error when the launch fails")
	return cmd
}

func createResolveCommand(tc command) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Print the backend location that run would start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tc.Resolve()
		},
	}
}

func createProbeCommand(tc command, f *ProbeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether a backend answers on the configured port range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tc.Probe(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 10*time.Second, "overall probe timeout")
	return cmd
}

func createReclaimCommand(tc command, f *ReclaimFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Terminate stale backend instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tc.Reclaim(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.DryRun, "dry-run", false, "only list matching processes")
	return cmd
}

func createHistoryCommand(tc command, f *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent backend lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tc.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.DSN, "dsn", "", "history DSN (overrides history.dsn)")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	return cmd
}
