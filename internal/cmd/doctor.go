package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/memguard/internal/doctor"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, keys, patterns, SQLite stores)",
	Long:  "Verifies the data directory is writable, key material is configured, the pattern set compiles, both SQLite stores open, the validation backlog is draining and the latest audit record verifies.",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "doctor")
	defer span.End()

	report := doctor.Run(ctx, doctor.Options{})
	if doctorJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		renderDoctor(cmd.OutOrStdout(), report)
	}
	if report.Status == doctor.StatusFail {
		return fmt.Errorf("preflight checks failed")
	}
	return nil
}

// renderDoctor writes one line per check to w (testable).
func renderDoctor(w io.Writer, report *doctor.Report) {
	for _, c := range report.Checks {
		mark := "\u2713"
		switch c.Status {
		case doctor.StatusWarn:
			mark = "\u26a0"
		case doctor.StatusFail:
			mark = "\u2717"
		}
		fmt.Fprintf(w, "%s %-20s %s\n", mark, c.Name, c.Message)
		if c.Fix != "" && c.Status != doctor.StatusPass {
			fmt.Fprintf(w, "  fix: %s\n", c.Fix)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n", report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
}
