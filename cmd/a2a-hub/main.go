// Command a2a-hub is the operable binary for the Agent-to-Agent
// Communication Hub: a cobra command tree ("serve", "version") in place
// of raw flag parsing, following the teacher's own loomctl CLI idiom.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/a2a-hub/hub/internal/config"
	"github.com/a2a-hub/hub/internal/historystore"
	"github.com/a2a-hub/hub/internal/hub"
	"github.com/a2a-hub/hub/internal/logging"
	"github.com/a2a-hub/hub/internal/metrics"
	"github.com/a2a-hub/hub/internal/receiptstore"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:     "a2a-hub",
		Short:   "A2A Communication Hub - pub/sub message broker for autonomous agents",
		Version: version,
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (defaults baked in if omitted)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("a2a-hub v%s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	logManager := logging.NewManager()
	logManager.InstallLogInterceptor()

	m := metrics.New()

	var history historystore.Store
	if cfg.EnablePersistence && cfg.NATS.URL != "" {
		js, err := historystore.NewJetStreamStore(historystore.JetStreamConfig{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.StreamName,
			Timeout:    cfg.NATS.Timeout,
		}, true)
		if err != nil {
			log.Printf("[a2a-hub] JetStream history unavailable, falling back to in-memory: %v", err)
			history = historystore.New(cfg.EnablePersistence)
		} else {
			history = js
			defer js.Close()
		}
	} else {
		history = historystore.New(cfg.EnablePersistence)
	}

	var receipts *receiptstore.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		backend := receiptstore.NewRedisBackend(client, cfg.Redis.KeyPrefix, cfg.Redis.MaxAge)
		receipts = receiptstore.NewFromRedis(backend, cfg.ReceiptStoreConfig())
		defer backend.Close()
	} else {
		receipts = receiptstore.New(cfg.ReceiptStoreConfig())
	}

	h := hub.New(cfg.HubConfig(), history, receipts, m)

	if cfg.RulesFile != "" {
		if err := config.LoadRulesFile(cfg.RulesFile, h.Router()); err != nil {
			log.Printf("[a2a-hub] rules file load failed: %v", err)
		}
	}
	if cfg.TopicsFile != "" {
		if err := config.LoadTopicsFile(cfg.TopicsFile, history); err != nil {
			log.Printf("[a2a-hub] topics file load failed: %v", err)
		}
	}

	watcher := config.NewWatcher(cfg, h.Router(), history)
	if err := watcher.Start(); err != nil {
		log.Printf("[a2a-hub] hot reload disabled: %v", err)
	}
	defer watcher.Stop()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Run(runCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[a2a-hub] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[a2a-hub] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	h.Shutdown()
	return nil
}
