package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gftlab/internal/api"
	"gftlab/internal/experiment"
	"gftlab/internal/store"
	"gftlab/web"
)

func main() {
	configPath := flag.String("config", "", "YAML experiment config (flags override)")
	serve := flag.Bool("serve", false, "start the dashboard server instead of a batch run")
	port := flag.String("port", "8088", "server port")
	dbPath := flag.String("db", "", "SQLite database path (batch runs skip persistence when empty)")
	corsOrigins := flag.String("cors", "", "comma-separated allowed CORS origins (empty = allow all for dev)")
	name := flag.String("name", "", "experiment name")
	horizon := flag.Int("t", 0, "rounds per replication")
	replications := flag.Int("replications", 0, "number of independent replications")
	seed := flag.Int64("seed", 0, "master seed")
	envMode := flag.String("env", "", "valuation environment (uniform, gaussian, drift)")
	constrained := flag.Bool("constrained", false, "restrict prices to the feasibility envelope")
	traceDir := flag.String("trace", "", "directory for per-round JSONL traces")
	flag.Parse()

	// Start from defaults, layer the config file, then the flags
	cfg := experiment.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = experiment.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *horizon > 0 {
		cfg.Horizon = *horizon
	}
	if *replications > 0 {
		cfg.Replications = *replications
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *envMode != "" {
		cfg.Environment.Mode = *envMode
	}
	if *traceDir != "" {
		cfg.TraceDir = *traceDir
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *constrained {
		cfg.Constrained = true
		if cfg.Environment.Envelope == nil {
			// Default band, tune it in the config file if needed
			cfg.Environment.Envelope = &experiment.EnvelopeConfig{Center: 0.5, HalfWidth: 0.15}
		}
	}

	if *serve {
		runServer(cfg, *port, *corsOrigins)
		return
	}
	runBatch(cfg)
}

// runBatch executes one experiment in the foreground and logs the
// per-replication results.
func runBatch(cfg experiment.Config) {
	runner, err := experiment.NewRunner(cfg)
	if err != nil {
		log.Fatalf("Invalid experiment: %v", err)
	}

	if cfg.DatabasePath != "" {
		st, err := store.New(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer st.Close()
		runner.SetStore(st)
	}

	// Interrupt aborts the remaining replications
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Interrupted, aborting replications...")
		cancel()
	}()

	log.Printf("Running %s: %d replications x %d rounds (%s environment, constrained=%v)",
		cfg.Name, cfg.Replications, cfg.Horizon, cfg.Environment.Mode, cfg.Constrained)

	report, err := runner.Run(ctx)
	if err != nil {
		log.Fatalf("Experiment failed: %v", err)
	}

	for _, r := range report.Results {
		flip := "never"
		if r.FlipRound >= 0 {
			flip = strconv.Itoa(r.FlipRound)
		}
		log.Printf("  rep %d: GFT %.3f (best fixed pair %.3f), budget %.3f, flip %s, traded %d/%d rounds, %dms",
			r.Replication, r.FinalGFT, r.BestGFT, r.FinalBudget, flip,
			r.RoundsTraded, cfg.Horizon, r.DurationMS)
	}
	s := report.Summary
	log.Printf("Summary: mean GFT %.3f (min %.3f, max %.3f), mean budget %.3f, trade rate %.1f%%, flipped %d/%d",
		s.MeanGFT, s.MinGFT, s.MaxGFT, s.MeanBudget, 100*s.TradeRate, s.Flipped, s.Replications)
}

// runServer starts the HTTP dashboard and blocks until interrupted.
func runServer(cfg experiment.Config, port, corsOrigins string) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "gftlab.db"
	}

	// Initialize SQLite store
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Get embedded dashboard files
	staticFS, err := web.GetDistFS()
	if err != nil {
		log.Fatalf("Failed to load embedded dashboard: %v", err)
	}

	server := api.NewServer(st, staticFS)

	// Configure CORS if specified
	if corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		server.SetCORSOrigins(origins)
		log.Printf("CORS restricted to: %v", origins)
	}

	addr := ":" + port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting gftlab server on http://localhost%s", addr)
		log.Printf("Database: %s", cfg.DatabasePath)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Cancel any running experiment and disconnect clients
	server.Shutdown()
	log.Println("Experiment runner stopped")

	// Graceful HTTP shutdown with 5 second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	// Close database
	if err := st.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Database closed")

	log.Println("Server shutdown complete")
}
