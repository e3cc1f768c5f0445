package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "listingwatch",
		Short:         "Score weekly listing performance and raise alerts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(ingestCmd())
	root.AddCommand(analyzeCmd())
	root.AddCommand(alertsCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(autoResolveCmd())
	root.AddCommand(rollupCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func ingestCmd() *cobra.Command {
	var (
		file    string
		analyze bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a weekly performance workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(file, analyze)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "xlsx report, one sheet per week")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "analyze every ingested week afterwards")
	cmd.MarkFlagRequired("file")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var (
		week       string
		notify     bool
		withAI     bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Score every listing for a week",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(week, notify, withAI, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&week, "week", "", "week start YYYY-MM-DD (default: latest week with data)")
	cmd.Flags().BoolVar(&notify, "notify", false, "send notifications to configured destinations")
	cmd.Flags().BoolVar(&withAI, "insight", false, "attach AI recommendations and summary")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func alertsCmd() *cobra.Command {
	var (
		minSeverity string
		listing     string
		limit       int
		all         bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show open alerts, most severe first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlerts(minSeverity, listing, limit, all, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&minSeverity, "min-severity", "LOW", "lowest severity to show")
	cmd.Flags().StringVar(&listing, "listing", "", "only this listing")
	cmd.Flags().IntVar(&limit, "limit", 20, "max alerts to show")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved alerts")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func resolveCmd() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "resolve <listing> <date>",
		Short: "Resolve an open alert",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(args[0], args[1], note)
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func autoResolveCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "auto-resolve",
		Short: "Resolve alerts open longer than N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAutoResolve(days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "age in days (default: from config)")
	return cmd
}

func rollupCmd() *cobra.Command {
	var month string

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Recompute monthly alert summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollup(month)
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month YYYY-MM (default: current month)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
