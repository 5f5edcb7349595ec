// main.go - Application entry point
//
// PURPOSE:
//   Initializes and starts the tuition billing server. Handles configuration,
//   dependency injection, the batch scheduler and graceful shutdown.
//
// STARTUP SEQUENCE:
//   1. Load configuration (.env, environment, then flags)
//   2. Initialize SQLite store
//   3. Build the billing engine (workers, overdue rates)
//   4. Start the reconciliation/overdue scheduler
//   5. Configure HTTP router
//   6. Start server with graceful shutdown
//
// COMMAND-LINE FLAGS (override the environment):
//   -port    HTTP server port (PORT, default: 8080)
//   -db      SQLite database path (DB_PATH, default: billing.db)
//            Use ":memory:" for in-memory database
//
// GRACEFUL SHUTDOWN:
//   On SIGINT/SIGTERM:
//   1. Stop accepting new connections
//   2. Wait for active requests to complete (30s timeout)
//   3. Stop the scheduler, letting a running job finish
//   4. Close database connection
//
// EXAMPLES:
//   ./server -db="./data/billing.db"
//   SCHEDULER_ENABLED=false ./server -db=":memory:"
//   RECONCILE_SCHEDULE="*/15 * * * *" ./server -port=3000
//
// SEE ALSO:
//   - config/config.go: Environment keys and defaults
//   - api/server.go: Router configuration
//   - api/scheduler.go: Batch jobs
//   - store/sqlite/sqlite.go: Database implementation
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/tuition-billing/api"
	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/config"
	"github.com/warp/tuition-billing/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	engine := billing.NewEngine(store,
		billing.WithWorkers(cfg.Workers),
		billing.WithRates(billing.OverdueRates{
			FinePercent:            cfg.FinePercent,
			MonthlyInterestPercent: cfg.MonthlyPercent,
		}),
	)

	scheduler := api.NewScheduler(engine, cfg.ReconcileSpec, cfg.OverdueSpec)
	scheduler.Enabled = cfg.SchedulerOn
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	handler := api.NewHandler(engine, store, scheduler)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	scheduler.Stop()

	log.Println("Server stopped")
}
