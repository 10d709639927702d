package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recognition API server",
	Long: `Start the recognition HTTP API.

The identity registry is warmed up before the server starts accepting requests,
so the first recognition does not pay for the initial load. A failed warm-up is
logged and retried lazily on the first request.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if port := mustGetInt(cmd, "port"); port != 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := buildRuntime(ctx, cfg, promRegistry)
	if err != nil {
		return err
	}
	defer rt.Close()

	warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
	if snap, err := rt.registry.Load(warmCtx); err != nil {
		logger.Warn("initial identity load failed", zap.Error(err))
	} else {
		logger.Info("identity registry loaded",
			zap.Int("identities", snap.Len()),
			zap.Int("embeddings", snap.EmbeddingCount()),
			zap.Bool("indexed", snap.Index() != nil))
	}
	warmCancel()

	server := web.NewServer(cfg, web.Deps{
		Recognizer: rt.service,
		Registry:   reloadTarget{Registry: rt.registry, filter: rt.filter},
		Gatherer:   promRegistry,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	}()

	fmt.Printf("Rollcall API listening on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
