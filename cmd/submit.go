package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/lexireport/client"
	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/analysis/status"
)

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(deps *ReportCommandDeps) *cobra.Command {
	deps = reportDeps(deps)
	var (
		outputFormat string
		kind         string
		documentRef  string
		reportID     string
		wait         bool
		pollInterval time.Duration
		waitTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Upload a document and start its analysis",
		Long: `Upload a document and submit it for analysis.

The file is uploaded to the server's blob store and a report is created for
it. The report id is printed immediately; processing continues in the
background. Use --wait to poll until the report reaches a final state.

The document kind is inferred from the file extension unless --kind is given.
To analyze a document that is already stored, pass --ref instead of a file.

Flags:
  --kind       pdf, excel, text, powerbi, tableau, google_data_studio
  --ref        Existing document reference (skips upload)
  --id         Client-chosen report id; resubmitting the same id is rejected
  --wait       Poll until the report is ready, failed or cancelled

Examples:
  lexireport submit q3-board-pack.pdf
  lexireport submit sales.xlsx --wait
  lexireport submit --ref s3://reports/q3.pdf --kind pdf
  lexireport submit notes.txt --id 2a9f6c4e-1111-4e0b-8a54-3f8f0e61d5a2 -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && documentRef == "" {
				return fmt.Errorf("a file or --ref is required")
			}
			if len(args) == 1 && documentRef != "" {
				return fmt.Errorf("pass either a file or --ref, not both")
			}

			docKind := analysis.DocumentKind(kind)
			if docKind == "" {
				if len(args) == 0 {
					return fmt.Errorf("--kind is required with --ref")
				}
				var err error
				if docKind, err = detectKind(args[0]); err != nil {
					return err
				}
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

			ref := documentRef
			if ref == "" {
				ref, err = uploadFile(ctx, c, args[0])
				if err != nil {
					return err
				}
			}

			report, err := c.Submit(ctx, client.SubmitRequest{ReportID: reportID, DocumentRef: ref, Kind: docKind})
			if err != nil {
				return fmt.Errorf("submitting report: %w", err)
			}

			if !wait {
				return writeOutput(cmd.OutOrStdout(), format, report, func(w io.Writer) error {
					fmt.Fprintf(w, "Submitted report %s (%s)\n", report.ID, report.Kind)
					fmt.Fprintf(w, "  Document: %s\n", report.DocumentRef)
					fmt.Fprintf(w, "\nTrack it with: lexireport status %s\n", report.ID)
					return nil
				})
			}

			waitCtx, waitCancel := context.WithTimeout(commandContext(cmd), waitTimeout)
			defer waitCancel()

			st, err := waitForReport(waitCtx, c, report.ID, pollInterval)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), format, st, func(w io.Writer) error {
				printStatus(w, st)
				return nil
			}); err != nil {
				return err
			}
			if st.State == analysis.StateFailed {
				return fmt.Errorf("report %s failed", st.ReportID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Document kind (inferred from the extension if empty)")
	cmd.Flags().StringVar(&documentRef, "ref", "", "Existing document reference")
	cmd.Flags().StringVar(&reportID, "id", "", "Report id to use instead of a generated one")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the report to finish")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "Status poll interval with --wait")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 30*time.Minute, "Give up waiting after this long")
	return cmd
}

func uploadFile(ctx context.Context, c *client.Client, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	ref, err := c.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", path, err)
	}
	return ref, nil
}

// waitForReport polls until the report reaches a terminal state.
func waitForReport(ctx context.Context, c *client.Client, reportID string, interval time.Duration) (*status.Status, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var st *status.Status
		err := c.WithRetry(ctx, func() error {
			var err error
			st, err = c.Status(ctx, reportID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("getting status: %w", err)
		}
		if st.State.IsTerminal() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for report %s (last state %s): %w", reportID, st.State, ctx.Err())
		case <-ticker.C:
		}
	}
}
