package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/memguard/internal/config"
	"github.com/dativo-io/memguard/internal/evidence"
)

var (
	auditEntry   string
	auditOutcome string
	auditSince   time.Duration
	auditLimit   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the decryption audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List decryption audit records",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [record-id]",
	Short: "Verify HMAC signature of an audit record",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditEntry, "entry", "", "Filter by entry ID")
	auditListCmd.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome (granted, denied)")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "Only records newer than this (e.g. 24h)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum records to show")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (*evidence.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return evidence.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	f := evidence.Filter{
		EntryID: auditEntry,
		Outcome: evidence.Outcome(auditOutcome),
		Limit:   auditLimit,
	}
	if auditSince > 0 {
		f.From = time.Now().Add(-auditSince)
	}
	records, err := store.List(ctx, f)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit records found.")
		return nil
	}
	renderAuditList(cmd.OutOrStdout(), records)
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	recordID := args[0]

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, recordID)
	if err != nil {
		return fmt.Errorf("verifying audit record: %w", err)
	}
	renderVerifyResult(cmd.OutOrStdout(), recordID, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", recordID)
	}
	return nil
}

// renderAuditList writes audit record lines to w (testable).
func renderAuditList(w io.Writer, records []evidence.AuditRecord) {
	fmt.Fprintf(w, "Audit Records (showing %d):\n\n", len(records))
	for i := range records {
		rec := &records[i]
		status := "\u2713"
		if rec.Outcome != evidence.OutcomeGranted {
			status = "\u2717"
		}
		reason := ""
		if rec.Reason != "" {
			reason = " [" + rec.Reason + "]"
		}
		actor := rec.Actor
		if actor == "" {
			actor = "-"
		}
		fmt.Fprintf(w, "  %s %s | %s | %s/%s | %s | %s%s\n",
			status,
			rec.ID,
			rec.Timestamp.Format("2006-01-02 15:04:05"),
			rec.EntryID,
			rec.PatternRef,
			rec.Origin,
			actor,
			reason,
		)
	}
}

// renderVerifyResult writes verify outcome to w (testable).
func renderVerifyResult(w io.Writer, recordID string, valid bool) {
	if valid {
		fmt.Fprintf(w, "\u2713 Audit record %s: signature VALID (HMAC-SHA256 intact)\n", recordID)
	} else {
		fmt.Fprintf(w, "\u2717 Audit record %s: signature INVALID (possible tampering)\n", recordID)
	}
}
