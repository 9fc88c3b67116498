package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/memguard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage MemGuard configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		renderConfig(cmd.OutOrStdout(), cfg, viper.ConfigFileUsed())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// maskSecret keeps the last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}

// renderConfig writes cfg to w with every secret masked (testable).
func renderConfig(w io.Writer, cfg *config.Config, file string) {
	if file == "" {
		file = "(none, environment and defaults)"
	}
	signing := maskSecret(cfg.SigningKey)
	if cfg.UsingDefaultSigningKey() {
		signing += " (derived default)"
	}
	secret := maskSecret(cfg.PatternSecret)
	if cfg.SealingDisabled() {
		secret += " (pattern encryption disabled)"
	}

	rows := []struct{ key, value string }{
		{"config_file", file},
		{config.KeyDataDir, cfg.DataDir},
		{config.KeyPatternSecret, secret},
		{config.KeyPatternCipher, cfg.PatternCipher},
		{config.KeySigningKey, signing},
		{config.KeyValidationInterval, cfg.ValidationInterval.String()},
		{config.KeyBatchSize, fmt.Sprint(cfg.BatchSize)},
		{config.KeyMatchTimeout, cfg.MatchTimeout.String()},
		{config.KeySystemMatchTimeout, cfg.SystemMatchTimeout.String()},
		{config.KeyMediumSeverityAction, string(cfg.MediumSeverityAction)},
		{config.KeyPatternFile, cfg.PatternFile},
		{config.KeyLargeEntryBytes, fmt.Sprint(cfg.LargeEntryBytes)},
		{config.KeySuppressLargeWarning, fmt.Sprint(cfg.SuppressLargeWarning)},
		{config.KeySuppressDisabledWarning, fmt.Sprint(cfg.SuppressDisabledWarning)},
		{config.KeyQuarantineRetention, cfg.QuarantineRetention.String()},
		{config.KeyListenAddr, cfg.ListenAddr},
		{config.KeyAdminKey, maskSecret(cfg.AdminKey)},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-26s %s\n", r.key, r.value)
	}
}
