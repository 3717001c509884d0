package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vjranagit/promrelay/pkg/relay"
	"github.com/vjranagit/promrelay/pkg/types"
)

func instantCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "instant <query>",
		Short: "Evaluate a query at a single point in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamp(at, time.Now())
			if err != nil {
				return fmt.Errorf("invalid --time: %w", err)
			}

			instants, err := client.FetchInstant(cmd.Context(), args[0], relay.InstantOptions{
				DataSource: dataSource,
				Time:       ts,
			})
			if err != nil {
				return err
			}
			return printInstants(cmd.OutOrStdout(), outputFormat, instants)
		},
	}

	cmd.Flags().StringVar(&at, "time", "", "evaluation time: unix seconds, RFC3339 or a duration relative to now (default now)")
	return cmd
}

func seriesCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "series <query>",
		Short: "Evaluate a query over a time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			end, err := parseTimestamp(to, now)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			start, err := parseTimestamp(from, now.Add(-1*time.Hour))
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			if start > end {
				return fmt.Errorf("--from must not be after --to")
			}

			series, err := client.FetchSeries(cmd.Context(), args[0], relay.SeriesOptions{
				DataSource: dataSource,
				TimeRange:  types.TimeRange{From: start, To: end},
			})
			if err != nil {
				return err
			}
			return printSeries(cmd.OutOrStdout(), outputFormat, series)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "range start (default 1h ago)")
	cmd.Flags().StringVar(&to, "to", "", "range end (default now)")
	return cmd
}

// parseTimestamp accepts unix seconds, RFC3339 or a signed duration
// relative to now such as "-15m"
func parseTimestamp(value string, fallback time.Time) (types.Timestamp, error) {
	if value == "" {
		return types.TimestampFromTime(fallback), nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return types.Timestamp(secs), nil
	}
	if strings.HasPrefix(value, "-") || strings.HasPrefix(value, "+") {
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, err
		}
		return types.TimestampFromTime(time.Now().Add(d)), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, err
	}
	return types.TimestampFromTime(t), nil
}
