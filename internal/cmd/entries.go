package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/memguard/internal/memory"
)

var (
	entriesMemory string
	entriesTrust  string
	entriesLimit  int
)

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Add and inspect memory entries",
}

var entriesAddCmd = &cobra.Command{
	Use:   "add <memory-id> [content]",
	Short: "Queue a new UNTRUSTED entry (content from stdin when omitted or \"-\")",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  entriesAdd,
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries by memory or trust level",
	RunE:  entriesList,
}

var entriesShowCmd = &cobra.Command{
	Use:   "show <entry-id>",
	Short: "Show one entry with its sealed pattern references",
	Args:  cobra.ExactArgs(1),
	RunE:  entriesShow,
}

func init() {
	entriesListCmd.Flags().StringVar(&entriesMemory, "memory", "", "list entries of one memory (oldest first)")
	entriesListCmd.Flags().StringVar(&entriesTrust, "trust-level", string(memory.TrustFlagged), "trust level to list when --memory is not set")
	entriesListCmd.Flags().IntVar(&entriesLimit, "limit", 20, "maximum entries to show")

	entriesCmd.AddCommand(entriesAddCmd)
	entriesCmd.AddCommand(entriesListCmd)
	entriesCmd.AddCommand(entriesShowCmd)
	rootCmd.AddCommand(entriesCmd)
}

func entriesAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "entries.add")
	defer span.End()

	content, err := readInput(cmd.InOrStdin(), args[1:])
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("entry content is empty")
	}

	c, err := openComponents(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	e := memory.NewEntry(args[0], content)
	if err := c.entries.Create(ctx, e); err != nil {
		return fmt.Errorf("creating entry: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s queued as %s\n", e.ID, e.TrustLevel())
	return nil
}

func entriesList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "entries.list")
	defer span.End()

	c, err := openComponents(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var list []*memory.Entry
	if entriesMemory != "" {
		list, err = c.entries.ListByMemory(ctx, entriesMemory, entriesLimit)
	} else {
		level, perr := memory.ParseTrustLevel(entriesTrust)
		if perr != nil {
			return perr
		}
		list, err = c.entries.ListEntriesByTrustLevel(ctx, level, entriesLimit)
	}
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}

	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No entries found.")
		return nil
	}
	renderEntryList(cmd.OutOrStdout(), list)
	return nil
}

func entriesShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "entries.show")
	defer span.End()

	c, err := openComponents(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	e, err := c.entries.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", args[0], err)
	}
	renderEntry(cmd.OutOrStdout(), e)
	return nil
}

// renderEntryList writes one line per entry to w (testable). Content is
// always the displayable form.
func renderEntryList(w io.Writer, list []*memory.Entry) {
	fmt.Fprintf(w, "Entries (showing %d):\n\n", len(list))
	for _, e := range list {
		fmt.Fprintf(w, "  %s | %s | %-11s | %s | %s\n",
			e.ID,
			e.MemoryID,
			e.TrustLevel(),
			e.QueuedAt.Format("2006-01-02 15:04:05"),
			truncate(memory.GetDisplayableContent(e), 60),
		)
	}
}

// renderEntry writes the detail view of e to w (testable). Pattern
// ciphertext is never printed.
func renderEntry(w io.Writer, e *memory.Entry) {
	fmt.Fprintf(w, "Entry:       %s\n", e.ID)
	fmt.Fprintf(w, "Memory:      %s\n", e.MemoryID)
	fmt.Fprintf(w, "Trust level: %s\n", e.TrustLevel())
	fmt.Fprintf(w, "Queued:      %s\n", e.QueuedAt.Format(time.RFC3339))
	if at, ok := e.LastValidatedAt(); ok {
		fmt.Fprintf(w, "Validated:   %s\n", at.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Content:     %s\n", memory.GetDisplayableContent(e))

	if patterns := e.EncryptedPatterns(); len(patterns) > 0 {
		fmt.Fprintf(w, "Patterns (%d):\n", len(patterns))
		for _, p := range patterns {
			fmt.Fprintf(w, "  - %s [%s] %s\n", p.Ref, p.Severity, p.Algorithm)
		}
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "Metadata:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, e.Metadata[k])
		}
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
