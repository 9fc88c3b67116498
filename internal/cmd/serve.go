package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/memguard/internal/config"
	"github.com/dativo-io/memguard/internal/server"
)

var (
	serveAddr        string
	serveCORSOrigins string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memory API and the background validation scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: listen_addr from config)")
	serveCmd.Flags().StringVar(&serveCORSOrigins, "cors-origins", os.Getenv(config.EnvPrefix+"_CORS_ORIGINS"), "comma-separated origins allowed on the serving API")
	rootCmd.AddCommand(serveCmd)
}

// parseOrigins splits a comma-separated origin list, dropping blanks.
func parseOrigins(env string) []string {
	var out []string
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openComponents(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	sched, err := c.newScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	sched.Start()
	// Stop waits for an in-flight batch before the stores close.
	defer sched.Stop()

	if c.cfg.AdminKey == "" {
		log.Warn().Msg("admin_key not set; admin API disabled")
	}

	srv := server.NewServer(c.entries, c.audit, c.gate, c.cfg.AdminKey,
		server.WithCORSOrigins(parseOrigins(serveCORSOrigins)),
		server.WithMaxEntryBytes(int64(c.cfg.LargeEntryBytes)*4),
		server.WithSealingAlgorithm(c.sealer.Algorithm()),
	)

	addr := serveAddr
	if addr == "" {
		addr = c.cfg.ListenAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", sched.Entries()).
		Dur("validation_interval", c.cfg.ValidationInterval).
		Int("batch_size", c.cfg.BatchSize).
		Str("cipher", c.sealer.Algorithm()).
		Bool("admin_api", c.cfg.AdminKey != "").
		Msg("memguard_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
