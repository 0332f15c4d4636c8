package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hamed0406/canarywatch/internal/alarm"
	"github.com/hamed0406/canarywatch/internal/engine"
	"github.com/hamed0406/canarywatch/internal/repo"
)

// client talks to the read API of a running canarywatch.
type client struct {
	base   string
	key    string
	http   *http.Client
	asJSON bool
}

func (c *client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := strings.TrimRight(c.base, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact API: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("API returned %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("API returned %s", resp.Status)
	}
	return json.Unmarshal(body, out)
}

func newRootCommand() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 15 * time.Second}}

	cmd := &cobra.Command{
		Use:          "canarywatch",
		Short:        "Query a running canarywatch engine",
		SilenceUsage: true,
	}

	base := os.Getenv("API_BASE")
	if base == "" {
		base = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&c.base, "addr", base, "API base URL (env API_BASE)")
	cmd.PersistentFlags().StringVar(&c.key, "api-key", os.Getenv("CANARYWATCH_API_KEY"), "API key (env CANARYWATCH_API_KEY)")
	cmd.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print raw JSON")

	cmd.AddCommand(
		newAlarmsCommand(c),
		newHistoryCommand(c),
		newSuccessCommand(c),
		newProbesCommand(c),
		newEvaluateCommand(c),
	)
	return cmd
}

func newAlarmsCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "alarms",
		Short: "List alarms and their current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []alarm.Status
			if err := c.do(cmd.Context(), http.MethodGet, "/api/alarms", nil, &list); err != nil {
				return err
			}
			return printAlarms(cmd.OutOrStdout(), c.asJSON, list)
		},
	}
}

func newEvaluateCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate every alarm now (admin key)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []alarm.Status
			if err := c.do(cmd.Context(), http.MethodPost, "/api/alarms/evaluate", nil, &list); err != nil {
				return err
			}
			return printAlarms(cmd.OutOrStdout(), c.asJSON, list)
		},
	}
}

func printAlarms(out io.Writer, asJSON bool, list []alarm.Status) error {
	if asJSON {
		return writeJSON(out, list)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALARM\tSTATE\tVALUE\tRULE\tTOPIC")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %g (%d/%d x %gs)\t%s\n",
			a.ID, a.State, percent(a.LastMetricValue), a.Operator, a.Threshold,
			a.DatapointsToAlarm, a.EvaluationPeriods, a.PeriodSeconds, dash(a.Topic))
	}
	return tw.Flush()
}

func newHistoryCommand(c *client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <alarm-id>",
		Short: "Show recent state transitions of one alarm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var hist []repo.Transition
			if err := c.do(cmd.Context(), http.MethodGet, "/api/alarms/"+url.PathEscape(args[0])+"/history", q, &hist); err != nil {
				return err
			}
			if c.asJSON {
				return writeJSON(cmd.OutOrStdout(), hist)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tFROM\tTO\tVALUE\tDELIVERED\tFAILED")
			for _, h := range hist {
				delivered, failed := "-", "-"
				if h.Notified {
					delivered, failed = strconv.Itoa(h.Delivered), strconv.Itoa(h.Failed)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					h.OccurredAt.UTC().Format(time.RFC3339), h.PreviousState, h.NewState,
					percent(h.MetricValue), delivered, failed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

type datapoint struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Samples   int       `json:"samples"`
	Successes int       `json:"successes"`
	Value     *float64  `json:"value"`
	NoData    bool      `json:"no_data"`
}

func newSuccessCommand(c *client) *cobra.Command {
	var (
		period time.Duration
		count  int
	)
	cmd := &cobra.Command{
		Use:   "success <probe-id>",
		Short: "Show the success percentage of a probe per period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("period", period.String())
			q.Set("count", strconv.Itoa(count))
			var points []datapoint
			if err := c.do(cmd.Context(), http.MethodGet, "/api/probes/"+url.PathEscape(args[0])+"/success", q, &points); err != nil {
				return err
			}
			if c.asJSON {
				return writeJSON(cmd.OutOrStdout(), points)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PERIOD END\tSAMPLES\tSUCCESS")
			for _, p := range points {
				value := percent(p.Value)
				if p.NoData {
					value = "NO_DATA"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", p.End.UTC().Format(time.RFC3339), p.Samples, value)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&period, "period", time.Minute, "period length")
	cmd.Flags().IntVar(&count, "count", 5, "number of periods")
	return cmd
}

func newProbesCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "probes",
		Short: "List scheduled probes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []engine.ProbeStatus
			if err := c.do(cmd.Context(), http.MethodGet, "/api/probes", nil, &list); err != nil {
				return err
			}
			if c.asJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROBE\tKIND\tEVERY\tRUNS\tSKIPPED\tIN FLIGHT")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%v\n", p.ProbeID, dash(p.Kind), p.Interval, p.Runs, p.Skipped, p.InFlight)
			}
			return tw.Flush()
		},
	}
}

func percent(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64) + "%"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
