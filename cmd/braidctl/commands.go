package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/braidd/internal/httpapi"
	"github.com/fyrsmithlabs/braidd/internal/injection"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
)

var notifyCmd = &cobra.Command{
	Use:   "notify [file]",
	Short: "Record a strand from a JSON file or stdin",
	Long: `Record a level-0 strand. The input is the POST /v1/strands body.

Examples:
  # Record a strand from a file
  braidctl notify review.json

  # From stdin
  cat review.json | braidctl notify -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNotify,
}

var (
	contextFilters []string
	contextLimit   int
	contextJSON    bool
)

var contextCmd = &cobra.Command{
	Use:   "context <consumer> <kind>",
	Short: "Show the lessons a consumer receives for a kind",
	Long: `Show ranked lessons for a subscribed consumer.

Filters are name=value for equality, or name.min=N / name.max=N for numeric bounds.

Examples:
  braidctl context risk_assessor prediction_review
  braidctl context risk_assessor prediction_review -f asset=BTC -f confidence.min=0.6 --limit 3`,
	Args: cobra.ExactArgs(2),
	RunE: runContext,
}

var promotionsCmd = &cobra.Command{
	Use:   "promotions",
	Short: "List in-flight and deferred promotions",
	Args:  cobra.NoArgs,
	RunE:  runPromotions,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check braidd server health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	contextCmd.Flags().StringArrayVarP(&contextFilters, "filter", "f", nil, "attribute filter (repeatable)")
	contextCmd.Flags().IntVar(&contextLimit, "limit", 0, "maximum lessons (0 for server default)")
	contextCmd.Flags().BoolVar(&contextJSON, "json", false, "print the raw JSON response")
}

func runNotify(cmd *cobra.Command, args []string) error {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return fmt.Errorf("no strand to record")
	}

	var req httpapi.NotifyRequest
	if err := json.Unmarshal(content, &req); err != nil {
		return fmt.Errorf("invalid strand JSON: %w", err)
	}

	var resp httpapi.NotifyResponse
	c := newClient(serverURL, timeout)
	if err := c.do(cmd.Context(), http.MethodPost, "/v1/strands", &req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded %s (evaluated: %t)\n", resp.ID, resp.Evaluated)
	return nil
}

// contextQuery turns name=value flags into the query string.
func contextQuery(filters []string, limit int) (string, error) {
	q := url.Values{}
	for _, f := range filters {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return "", fmt.Errorf("filter %q must be name=value", f)
		}
		q.Add(name, value)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return "", nil
	}
	return "?" + q.Encode(), nil
}

func runContext(cmd *cobra.Command, args []string) error {
	query, err := contextQuery(contextFilters, contextLimit)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/context/%s/%s%s", url.PathEscape(args[0]), url.PathEscape(args[1]), query)

	var res injection.Result
	if err := newClient(serverURL, timeout).do(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if contextJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if len(res.Lessons) == 0 {
		fmt.Fprintf(out, "no lessons for %s/%s\n", res.Consumer, res.Kind)
		return nil
	}
	for i, l := range res.Lessons {
		tag := fmt.Sprintf("L%d", l.Level)
		if l.Placeholder {
			tag = "pending"
		}
		fmt.Fprintf(out, "%d. [%s %s S=%.3f n=%d] %s\n", i+1, tag, l.Bucket, l.Scores.S, l.Members, l.Text)
		for _, insight := range l.KeyInsights {
			fmt.Fprintf(out, "   - %s\n", insight)
		}
	}
	return nil
}

func runPromotions(cmd *cobra.Command, _ []string) error {
	var st promotion.Status
	if err := newClient(serverURL, timeout).do(cmd.Context(), http.MethodGet, "/v1/promotions", nil, &st); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tKEY\tMEMBERS\tATTEMPTS\tSINCE\tERROR")
	for _, f := range st.InFlight {
		fmt.Fprintf(w, "in-flight\t%s\t%d\t-\t%s\t\n", f.Key, len(f.MemberIDs), f.Since.Format("15:04:05"))
	}
	for _, d := range st.Deferred {
		fmt.Fprintf(w, "deferred\t%s\t%d\t%d\t%s\t%s\n", d.Key, len(d.MemberIDs), d.Attempts, d.Since.Format("15:04:05"), d.LastError)
	}
	return w.Flush()
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var resp httpapi.HealthResponse
	err := newClient(serverURL, timeout).do(cmd.Context(), http.MethodGet, "/health", nil, &resp)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
	fmt.Fprintf(out, "Server URL: %s\n", serverURL)
	for name, status := range resp.Checks {
		fmt.Fprintf(out, "  %s: %s\n", name, status)
	}
	return nil
}
