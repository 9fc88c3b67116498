package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/config"
	"github.com/dativo-io/memguard/internal/extract"
	"github.com/dativo-io/memguard/internal/policy"
)

var scanJSON bool

var scanCmd = &cobra.Command{
	Use:   "scan [text]",
	Short: "Validate text and print the verdict without storing it",
	Long: `Runs the threat detector and trust policy over text given as an argument
or on stdin ("-" or no argument). Nothing is persisted and no pattern is
encrypted; the preview shows what a FLAGGED entry would serve.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(scanCmd)
}

// scanResult is what scan prints.
type scanResult struct {
	Verdict  *classifier.Verdict `json:"verdict"`
	Trust    string              `json:"trust_level"`
	Reason   string              `json:"reason"`
	Preview  string              `json:"preview"`
	Patterns int                 `json:"patterns"`
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "scan")
	defer span.End()

	text, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	sink := newMonitorSink()
	defer sink.Close()
	detector, err := newDetector(cfg, sink)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(ctx, cfg.MediumSeverityAction)
	if err != nil {
		return fmt.Errorf("initializing trust policy: %w", err)
	}

	verdict := detector.Validate(ctx, text)
	decision, err := engine.Decide(ctx, verdict)
	if err != nil {
		return fmt.Errorf("evaluating trust policy: %w", err)
	}
	ex := extract.Extract(text, verdict)

	res := scanResult{
		Verdict:  verdict,
		Trust:    string(decision.Level),
		Reason:   decision.Reason,
		Preview:  ex.Preview,
		Patterns: len(ex.Patterns),
	}
	if scanJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	renderScan(cmd.OutOrStdout(), res)
	return nil
}

// readInput returns args[0], or all of in when there is no argument or it
// is "-".
func readInput(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

// renderScan writes a human-readable scan result to w (testable).
func renderScan(w io.Writer, res scanResult) {
	fmt.Fprintf(w, "Trust level: %s (%s)\n", res.Trust, res.Reason)
	fmt.Fprintf(w, "Severity:    %s\n", res.Verdict.OverallSeverity)
	if res.Verdict.TimedOut {
		fmt.Fprintln(w, "Timed out:   yes")
	}
	if len(res.Verdict.Matches) > 0 {
		fmt.Fprintf(w, "Matches (%d):\n", len(res.Verdict.Matches))
		for _, m := range res.Verdict.Matches {
			loc := "whole entry"
			if m.Span != nil {
				loc = fmt.Sprintf("bytes %d-%d", m.Span.Start, m.Span.End)
			}
			fmt.Fprintf(w, "  - %s/%s [%s] %s\n", m.Family, m.Rule, m.Severity, loc)
		}
	}
	fmt.Fprintf(w, "Preview:     %s\n", res.Preview)
}
