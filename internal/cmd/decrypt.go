package cmd

import (
	"context"
	"fmt"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/memguard/internal/memory"
	"github.com/dativo-io/memguard/internal/requestctx"
)

var decryptActor string

var decryptCmd = &cobra.Command{
	Use:   "decrypt <entry-id> <pattern-ref>",
	Short: "Decrypt one sealed pattern of a FLAGGED entry (audited)",
	Long: `Releases the plaintext of a sealed pattern for forensic review. The command
runs as background work, so the access gate allows it; every attempt is
written to the signed audit log with the operator as actor.`,
	Args: cobra.ExactArgs(2),
	RunE: runDecrypt,
}

func init() {
	decryptCmd.Flags().StringVar(&decryptActor, "actor", "", "operator recorded in the audit log (default: cli:<os user>)")
	rootCmd.AddCommand(decryptCmd)
}

func cliActor() string {
	if decryptActor != "" {
		return decryptActor
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "decrypt")
	defer span.End()

	entryID, ref := args[0], args[1]

	c, err := openComponents(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	e, err := c.entries.Get(ctx, entryID)
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", entryID, err)
	}

	return requestctx.RunInContext(requestctx.SetActor(ctx, cliActor()), requestctx.OriginBackground, func(ctx context.Context) error {
		d := memory.RequestPatternDecryption(ctx, c.gate, e, ref)
		if !d.Granted() {
			return fmt.Errorf("decryption of %s/%s denied: %s (audit %s)", entryID, ref, d.Reason, d.AuditID)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(d.Plaintext))
		return nil
	})
}
