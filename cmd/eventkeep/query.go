package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eventkeep/eventkeep/internal/engine"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// Query flags
var (
	queryFrom        string
	queryTo          string
	queryFilters     []string
	queryCount       int
	queryOffset      int
	queryLimit       int
	queryGranularity string
)

var eventCmd = &cobra.Command{
	Use:   "event <id>",
	Short: "Print one stored event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		ev, err := a.Engine().GetEvent(ctx, args[0])
		if err != nil {
			return err
		}
		if ev == nil {
			return fmt.Errorf("event %q not found", args[0])
		}
		return printJSON(cmd.OutOrStdout(), ev)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <channel>",
	Short: "Print a page of a channel's events, newest first",
	Long: `Print a page of a channel's events, newest first.

Examples:
  eventkeep events ingest --count 20
  eventkeep events ingest --filter labels.host=h1 --from 2024-03-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, filter, err := rangeFlags()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		events, err := a.Engine().GetEvents(ctx, engine.EventQuery{
			Channel: args[0],
			Filter:  filter,
			From:    from,
			To:      to,
			Count:   queryCount,
			Offset:  queryOffset,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), events)
	},
}

var countCmd = &cobra.Command{
	Use:   "count <channel>",
	Short: "Print the approximate number of events in a range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, filter, err := rangeFlags()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		n, err := a.Engine().Count(ctx, args[0], filter, from, to)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]int{"count": n})
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels with their message counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		channels, err := a.Engine().GetEventChannels(ctx, queryLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), channels)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <channel>",
	Short: "Print a gap-filled bucketed event count series",
	Long: `Print a gap-filled bucketed event count series.

Without --from the series starts at the oldest recorded event; without
--to it ends now. Explicit ranges longer than the granularity's lookback
are clipped.

Examples:
  eventkeep stats ingest --granularity hour --from 2024-03-01T00:00:00Z
  eventkeep stats ingest --granularity day --filter source=api`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, filter, err := rangeFlags()
		if err != nil {
			return err
		}
		g, err := types.ParseGranularity(queryGranularity)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		series, err := a.Engine().GetStatistics(ctx, engine.StatisticsQuery{
			Channel:     args[0],
			Filter:      filter,
			From:        from,
			To:          to,
			Granularity: g,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"granularity": g.String(),
			"start":       series.Start,
			"buckets":     series.Buckets,
			"clipped":     series.Clipped,
		})
	},
}

var valuesCmd = &cobra.Command{
	Use:   "values <channel> <field,...>",
	Short: "List observed value combinations of an index projection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		a, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		values, err := a.Engine().GetIndexValues(ctx, args[0], strings.Split(args[1], ","), queryLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), values)
	},
}

func init() {
	for _, c := range []*cobra.Command{eventsCmd, countCmd, statsCmd} {
		c.Flags().StringVar(&queryFrom, "from", "", "Range start (RFC3339 or epoch ms, inclusive)")
		c.Flags().StringVar(&queryTo, "to", "", "Range end (RFC3339 or epoch ms, exclusive)")
		c.Flags().StringArrayVar(&queryFilters, "filter", nil, "Index filter field=value (repeatable)")
	}
	eventsCmd.Flags().IntVar(&queryCount, "count", 100, "Maximum number of events")
	eventsCmd.Flags().IntVar(&queryOffset, "offset", 0, "Number of newest events to skip")
	statsCmd.Flags().StringVar(&queryGranularity, "granularity", "hour", "Bucket size: hour, day, month, year")
	channelsCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum number of channels (0 = all)")
	valuesCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum number of value combinations (0 = all)")

	rootCmd.AddCommand(eventCmd, eventsCmd, countCmd, channelsCmd, statsCmd, valuesCmd)
}

func rangeFlags() (int64, int64, map[string]string, error) {
	from, err := parseTime(queryFrom)
	if err != nil {
		return 0, 0, nil, err
	}
	to, err := parseTime(queryTo)
	if err != nil {
		return 0, 0, nil, err
	}
	filter, err := parseFilters(queryFilters)
	if err != nil {
		return 0, 0, nil, err
	}
	return from, to, filter, nil
}
