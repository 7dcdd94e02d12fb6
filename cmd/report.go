// Package cmd provides CLI commands for the lexireport tool.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/lexireport/client"
	"github.com/otherjamesbrown/lexireport/config"
	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/pipeline"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/stages"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/status"
	"github.com/otherjamesbrown/lexireport/pkg/insights"
)

// ReportCommandDeps holds the dependencies for commands that talk to the API.
type ReportCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)
	NewClient  func(*config.Config) (*client.Client, error)
}

// DefaultReportDeps returns the default dependencies for production use.
func DefaultReportDeps() *ReportCommandDeps {
	return &ReportCommandDeps{
		LoadConfig: func() (*config.Config, error) { return config.Load("") },
		NewClient:  newAPIClient,
	}
}

func reportDeps(deps *ReportCommandDeps) *ReportCommandDeps {
	if deps == nil {
		return DefaultReportDeps()
	}
	if deps.NewClient == nil {
		deps.NewClient = newAPIClient
	}
	return deps
}

// connect loads configuration and returns a client plus a context bounded by
// the client timeout.
func (d *ReportCommandDeps) connect(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	cfg, err := d.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	d.Config = cfg

	c, err := d.NewClient(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.Client.Timeout)
	return c, ctx, cancel, nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(deps *ReportCommandDeps) *cobra.Command {
	deps = reportDeps(deps)
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "status <report-id>",
		Short: "Show the processing status of a report",
		Long: `Show the derived state of a report and the phase of every stage.

States:
  received    Accepted, nothing has run yet
  extracting  The document stage is in flight
  analyzing   Analysis stages are in flight
  ready       Every required stage produced an insight
  failed      A required stage was dead-lettered
  cancelled   The report was cancelled

Stages blocked behind a dead-lettered dependency are listed separately.

Examples:
  lexireport status 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10
  lexireport status 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := deps.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			format, err := resolveFormat(deps.Config, outputFormat)
			if err != nil {
				return err
			}

			var st *status.Status
			err = c.WithRetry(ctx, func() error {
				var err error
				st, err = c.Status(ctx, args[0])
				return err
			})
			if err != nil {
				return fmt.Errorf("getting status: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), format, st, func(w io.Writer) error {
				printStatus(w, st)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func printStatus(w io.Writer, st *status.Status) {
	fmt.Fprintf(w, "Report:  %s\n", st.ReportID)
	fmt.Fprintf(w, "Kind:    %s\n", st.Kind)
	fmt.Fprintf(w, "State:   %s\n", st.State)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-12s %-9s %-13s %-8s %s\n", "STAGE", "REQUIRED", "PHASE", "ATTEMPT", "ERROR")
	for _, s := range st.Stages {
		required := "no"
		if s.Required {
			required = "yes"
		}
		errText := ""
		if s.ErrorCode != "" {
			errText = s.ErrorCode + ": " + truncate(s.LastError, 50)
		}
		fmt.Fprintf(w, "%-12s %-9s %-13s %-8d %s\n", s.Stage, required, s.Phase, s.Attempt, errText)
	}

	if len(st.Blocked) > 0 {
		names := make([]string, len(st.Blocked))
		for i, b := range st.Blocked {
			names[i] = string(b)
		}
		fmt.Fprintf(w, "\nBlocked: %s\n", strings.Join(names, ", "))
	}
}

// NewInsightsCommand creates the insights command.
func NewInsightsCommand(deps *ReportCommandDeps) *cobra.Command {
	deps = reportDeps(deps)
	var (
		outputFormat  string
		stage         string
		all           bool
		history       bool
		full          bool
		minConfidence float64
		limit         int
		offset        int
	)

	cmd := &cobra.Command{
		Use:   "insights <report-id>",
		Short: "Show the insights produced for a report",
		Long: `Show the insights produced for a report.

By default only the current version of each stage is shown. Insights are
append-only: a rerun adds a new version and older versions remain readable.

Flags:
  --stage            Only show one stage
  --all              Include superseded versions
  --history          Show every version of --stage, oldest first
  --min-confidence   Drop insights below this confidence
  --full             Print the full content of each insight

Examples:
  lexireport insights 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10
  lexireport insights 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10 --stage summarize --full
  lexireport insights 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10 --stage summarize --history
  lexireport insights 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10 --all --min-confidence 0.5 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if history && stage == "" {
				return fmt.Errorf("--history requires --stage")
			}

			c, ctx, cancel, err := deps.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			format, err := resolveFormat(deps.Config, outputFormat)
			if err != nil {
				return err
			}

			reportID := args[0]
			var list []*analysis.Insight
			err = c.WithRetry(ctx, func() error {
				var err error
				switch {
				case history:
					list, err = c.History(ctx, reportID, analysis.StageName(stage))
				case stage == "" && !all && !cmd.Flags().Changed("min-confidence") && limit == 0 && offset == 0:
					var current map[analysis.StageName]*analysis.Insight
					current, err = c.Insights(ctx, reportID)
					list = sortedInsights(current)
				default:
					filter := insights.Filter{
						Stage:       analysis.StageName(stage),
						CurrentOnly: !all,
						Limit:       limit,
						Offset:      offset,
					}
					if cmd.Flags().Changed("min-confidence") {
						filter.MinConfidence = &minConfidence
					}
					list, err = c.ListInsights(ctx, reportID, filter)
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("getting insights: %w", err)
			}

			return writeOutput(cmd.OutOrStdout(), format, list, func(w io.Writer) error {
				return printInsights(w, list, full)
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().StringVarP(&stage, "stage", "s", "", "Only show this stage")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include superseded versions")
	cmd.Flags().BoolVar(&history, "history", false, "Show every version of --stage")
	cmd.Flags().BoolVar(&full, "full", false, "Print full insight content")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Minimum confidence (0-1)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of insights")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of insights to skip")
	return cmd
}

func sortedInsights(m map[analysis.StageName]*analysis.Insight) []*analysis.Insight {
	out := make([]*analysis.Insight, 0, len(m))
	for _, ins := range m {
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

func printInsights(w io.Writer, list []*analysis.Insight, full bool) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "No insights yet.")
		return nil
	}

	if full {
		for _, ins := range list {
			fmt.Fprintf(w, "== %s v%d (%s, confidence %s)\n", ins.Stage, ins.Version, ins.ID, formatConfidence(ins.Confidence))
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, ins.Content, "", "  "); err != nil {
				pretty.Reset()
				pretty.Write(ins.Content)
			}
			fmt.Fprintln(w, pretty.String())
			fmt.Fprintln(w)
		}
		return nil
	}

	fmt.Fprintf(w, "%-12s %-8s %-11s %-9s %s\n", "STAGE", "VERSION", "CONFIDENCE", "CREATED", "CONTENT")
	for _, ins := range list {
		fmt.Fprintf(w, "%-12s %-8d %-11s %-9s %s\n",
			ins.Stage, ins.Version, formatConfidence(ins.Confidence), formatAge(ins.CreatedAt), truncate(string(ins.Content), 60))
	}
	return nil
}

func formatConfidence(c *float64) string {
	if c == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *c)
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(deps *ReportCommandDeps) *cobra.Command {
	deps = reportDeps(deps)
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "cancel <report-id>",
		Short: "Cancel a report",
		Long: `Cancel a report. Queued and running stages are abandoned and results
that arrive after cancellation are discarded. Insights already produced stay
readable. Cancelling an already cancelled report is a no-op.

Examples:
  lexireport cancel 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := deps.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			format, err := resolveFormat(deps.Config, outputFormat)
			if err != nil {
				return err
			}

			st, err := c.Cancel(ctx, args[0])
			if err != nil {
				return fmt.Errorf("cancelling report: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), format, st, func(w io.Writer) error {
				fmt.Fprintf(w, "Report %s is %s.\n", st.ReportID, st.State)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

// NewRerunCommand creates the rerun command.
func NewRerunCommand(deps *ReportCommandDeps) *cobra.Command {
	deps = reportDeps(deps)
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "rerun <report-id> <stage>",
		Short: "Run one stage of a report again",
		Long: `Schedule a fresh run of one stage. The new result is appended as the next
insight version; earlier versions are kept. Dependent stages are not rerun.

The stage's dependencies must already have insights, and the report must not
be cancelled.

Examples:
  lexireport rerun 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10 summarize
  lexireport rerun 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10 classify -o json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := deps.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			format, err := resolveFormat(deps.Config, outputFormat)
			if err != nil {
				return err
			}

			st, err := c.Rerun(ctx, args[0], analysis.StageName(args[1]))
			if err != nil {
				return fmt.Errorf("rerunning %s: %w", args[1], err)
			}
			return writeOutput(cmd.OutOrStdout(), format, st, func(w io.Writer) error {
				fmt.Fprintf(w, "Rerun of %s scheduled.\n\n", args[1])
				printStatus(w, st)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

// NewAskCommand creates the ask command.
func NewAskCommand(deps *ReportCommandDeps) *cobra.Command {
	deps = reportDeps(deps)
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "ask <report-id> <question>",
		Short: "Ask a question about a report",
		Long: `Ask an ad-hoc question about a report. The answer is computed
synchronously from the report's current insights and is not stored.

Examples:
  lexireport ask 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10 "Which region grew fastest?"
  lexireport ask 6f1c0a52-8d0e-4c35-9a77-3f7f6f2b1b10 what drove the margin drop -o json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := deps.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			format, err := resolveFormat(deps.Config, outputFormat)
			if err != nil {
				return err
			}

			question := strings.Join(args[1:], " ")
			ans, err := c.Ask(ctx, args[0], question)
			if err != nil {
				return fmt.Errorf("asking question: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), format, ans, func(w io.Writer) error {
				printAnswer(w, ans)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func printAnswer(w io.Writer, ans *pipeline.Answer) {
	var body struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(ans.Content, &body); err == nil && body.Answer != "" {
		fmt.Fprintln(w, body.Answer)
	} else {
		fmt.Fprintln(w, string(ans.Content))
	}
	if ans.Confidence != nil {
		fmt.Fprintf(w, "\n(confidence %s)\n", formatConfidence(ans.Confidence))
	}
}

// NewStagesCommand creates the stages command.
func NewStagesCommand(deps *ReportCommandDeps) *cobra.Command {
	deps = reportDeps(deps)
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "stages [kind]",
		Short: "Show the stage graph for a document kind",
		Long: `Show the analysis stages the server runs for a document kind, with their
capabilities and dependencies.

Kinds: pdf, excel, text, powerbi, tableau, google_data_studio (default: pdf)

Examples:
  lexireport stages
  lexireport stages excel -o yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := analysis.KindPDF
			if len(args) == 1 {
				kind = analysis.DocumentKind(args[0])
			}

			c, ctx, cancel, err := deps.connect(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			format, err := resolveFormat(deps.Config, outputFormat)
			if err != nil {
				return err
			}

			var defs []stages.Definition
			err = c.WithRetry(ctx, func() error {
				var err error
				defs, err = c.Stages(ctx, kind)
				return err
			})
			if err != nil {
				return fmt.Errorf("getting stages: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), format, defs, func(w io.Writer) error {
				printStages(w, kind, defs)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func printStages(w io.Writer, kind analysis.DocumentKind, defs []stages.Definition) {
	fmt.Fprintf(w, "Stages for %s:\n\n", kind)
	fmt.Fprintf(w, "%-12s %-18s %-9s %-8s %s\n", "STAGE", "CAPABILITY", "REQUIRED", "TIMEOUT", "DEPENDS ON")
	for _, d := range defs {
		required := "no"
		if d.Required {
			required = "yes"
		}
		timeout := "-"
		if d.Timeout > 0 {
			timeout = d.Timeout.String()
		}
		deps := make([]string, len(d.DependsOn))
		for i, dep := range d.DependsOn {
			deps[i] = string(dep)
		}
		fmt.Fprintf(w, "%-12s %-18s %-9s %-8s %s\n", d.Name, d.Capability, required, timeout, strings.Join(deps, ", "))
	}
}
