package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/reporter"
)

var (
	metricsLimit   int
	metricsVersion string
	metricsDays    int
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Query recorded boot-test results",
}

var metricsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent boot tests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store metrics.Store) error {
			var (
				runs []metrics.TestRun
				err  error
			)

			if metricsVersion != "" {
				runs, err = store.ResultsByVersion(
					ctx, metricsVersion, metricsLimit,
				)
			} else {
				runs, err = store.RecentResults(ctx, metricsLimit)
			}

			if err != nil {
				return err
			}

			printRuns(runs)

			return nil
		})
	},
}

var metricsFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List recent failed boot tests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store metrics.Store) error {
			runs, err := store.ResultsByStatus(
				ctx, metrics.StatusFailed, metricsLimit,
			)
			if err != nil {
				return err
			}

			printRuns(runs)

			return nil
		})
	},
}

var metricsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate pass-rate statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store metrics.Store) error {
			stats, err := store.Stats(ctx, metricsDays)
			if err != nil {
				return err
			}

			fmt.Printf("Last %d days: %d runs\n", stats.Days, stats.Total)

			for status, count := range stats.CountsByStatus {
				fmt.Printf("  %-8s %d\n", status, count)
			}

			fmt.Printf("Pass rate:        %.1f%%\n", stats.PassRate*100)
			fmt.Printf("Average duration: %.0fs\n", stats.AverageDuration)

			return nil
		})
	},
}

var metricsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one boot test in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid test id %q", args[0])
		}

		return withStore(func(ctx context.Context, store metrics.Store) error {
			run, err := store.GetTest(ctx, uint(id))
			if err != nil {
				return err
			}

			fmt.Println(reporter.FormatSummary(run))

			return nil
		})
	},
}

func init() {
	metricsCmd.PersistentFlags().IntVar(&metricsLimit, "limit", 20,
		"maximum number of results")
	metricsRecentCmd.Flags().StringVar(&metricsVersion, "version", "",
		"filter by image version")
	metricsStatsCmd.Flags().IntVar(&metricsDays, "days", 30,
		"statistics window in days")

	metricsCmd.AddCommand(metricsRecentCmd)
	metricsCmd.AddCommand(metricsFailuresCmd)
	metricsCmd.AddCommand(metricsStatsCmd)
	metricsCmd.AddCommand(metricsShowCmd)

	rootCmd.AddCommand(metricsCmd)
}

// withStore opens the metrics store from the config file, runs fn, and
// shuts the store down again.
func withStore(fn func(context.Context, metrics.Store) error) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()

	store := metrics.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting metrics store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Stopping metrics store")
		}
	}()

	return fn(ctx, store)
}

// printRuns renders runs as an aligned table.
func printRuns(runs []metrics.TestRun) {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tSTATUS\tVERSION\tSTARTED\tDURATION\tTRIGGER")

	for _, run := range runs {
		version := "-"
		if run.ImageVersion != nil {
			version = *run.ImageVersion
		}

		duration := "-"
		if run.DurationSeconds != nil {
			duration = fmt.Sprintf("%ds", *run.DurationSeconds)
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			run.ID,
			run.Status,
			version,
			run.StartedAt.Format("2006-01-02 15:04"),
			duration,
			run.TriggeredBy,
		)
	}

	w.Flush()
}
