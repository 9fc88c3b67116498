package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/memguard/internal/classifier"
	"github.com/dativo-io/memguard/internal/config"
	"github.com/dativo-io/memguard/internal/matcher"
)

var patternsFile string

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect the threat pattern set",
}

var patternsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compile the pattern set and probe every rule against worst-case input",
	Long: `Merges the operator pattern file over the built-in families, validates it
against the pattern file schema and the complexity rules, then runs every
rule against long adversarial probes under system_match_timeout. Any
rejected pattern makes the command fail.`,
	RunE: runPatternsCheck,
}

func init() {
	patternsCheckCmd.Flags().StringVar(&patternsFile, "file", "", "pattern file to check (default: pattern_file from config)")
	patternsCmd.AddCommand(patternsCheckCmd)
	rootCmd.AddCommand(patternsCmd)
}

// probeInputs are long inputs that stress backtracking-prone shapes.
func probeInputs() []string {
	return []string{
		strings.Repeat("a", 16<<10),
		strings.Repeat("ignore ", 4<<10),
		strings.Repeat("\u200b", 4<<10),
		strings.Repeat("<!--", 4<<10),
	}
}

// probeResult summarizes the probe runs for one rule.
type probeResult struct {
	Rule     string
	Family   classifier.Family
	Slowest  time.Duration
	TimedOut bool
}

func runPatternsCheck(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "patterns.check")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	path := patternsFile
	if path == "" {
		path = cfg.PatternFile
	}

	rules, err := classifier.LoadRules(path)
	if err != nil {
		var cfgErr *matcher.ConfigurationError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(cmd.OutOrStdout(), "\u2717 pattern %s rejected: %v\n  %s\n", cfgErr.PatternID, cfgErr.Err, cfgErr.Expr)
		}
		return fmt.Errorf("pattern set rejected: %w", err)
	}

	m := matcher.New()
	results := make([]probeResult, 0, len(rules))
	for _, r := range rules {
		pr := probeResult{Rule: r.ID(), Family: r.Family}
		for _, in := range probeInputs() {
			res := m.Match(ctx, in, r.Pattern, cfg.SystemMatchTimeout)
			if res.Elapsed > pr.Slowest {
				pr.Slowest = res.Elapsed
			}
			if res.Outcome == matcher.TimedOut {
				pr.TimedOut = true
			}
		}
		results = append(results, pr)
	}

	renderPatternCheck(cmd.OutOrStdout(), path, results)
	for _, pr := range results {
		if pr.TimedOut {
			return fmt.Errorf("rule %s exceeded system_match_timeout %s", pr.Rule, cfg.SystemMatchTimeout)
		}
	}
	return nil
}

// renderPatternCheck writes per-family counts and timed-out rules to w (testable).
func renderPatternCheck(w io.Writer, path string, results []probeResult) {
	source := "built-in patterns"
	if path != "" {
		source = path + " merged over built-in patterns"
	}
	fmt.Fprintf(w, "\u2713 %d rules compiled (%s)\n", len(results), source)

	counts := make(map[classifier.Family]int)
	var order []classifier.Family
	for _, pr := range results {
		if counts[pr.Family] == 0 {
			order = append(order, pr.Family)
		}
		counts[pr.Family]++
	}
	for _, fam := range order {
		fmt.Fprintf(w, "  %-22s %d\n", fam, counts[fam])
	}

	var slowest probeResult
	for _, pr := range results {
		if pr.Slowest > slowest.Slowest {
			slowest = pr
		}
		if pr.TimedOut {
			fmt.Fprintf(w, "\u2717 %s timed out on probe input\n", pr.Rule)
		}
	}
	if slowest.Rule != "" {
		fmt.Fprintf(w, "Slowest rule: %s (%s)\n", slowest.Rule, slowest.Slowest.Round(time.Microsecond))
	}
}
