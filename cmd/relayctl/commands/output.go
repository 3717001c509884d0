package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"github.com/vjranagit/promrelay/pkg/types"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func printInstants(w io.Writer, format string, instants []types.Instant) error {
	if format == outputJSON {
		return writeJSON(w, instants)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIES\tTIMESTAMP\tVALUE")
	for _, in := range instants {
		fmt.Fprintf(tw, "%s\t%s\t%g\n", formatSeriesName(in.Name, in.Labels), formatTimestamp(in.Point.Timestamp), in.Point.Value)
	}
	return tw.Flush()
}

func printSeries(w io.Writer, format string, series []types.Series) error {
	if format == outputJSON {
		return writeJSON(w, series)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIES\tTIMESTAMP\tVALUE")
	for _, s := range series {
		name := formatSeriesName(s.Name, s.Labels)
		for _, p := range s.Points {
			fmt.Fprintf(tw, "%s\t%s\t%g\n", name, formatTimestamp(p.Timestamp), p.Value)
		}
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSeriesName(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := lo.Keys(labels)
	sort.Strings(keys)
	pairs := lo.Map(keys, func(k string, _ int) string {
		return fmt.Sprintf("%s=%q", k, labels[k])
	})
	return name + "{" + strings.Join(pairs, ", ") + "}"
}

func formatTimestamp(ts types.Timestamp) string {
	return ts.Time().Format(time.RFC3339Nano)
}
