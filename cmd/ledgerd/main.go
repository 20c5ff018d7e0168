/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the local ledger client daemon: the SQLite
  store, the sync engine (queue, executor, orchestrator), and the local
  HTTP API the UI talks to. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store (entities + mutation queue)
  3. Wire queue -> executor -> orchestrator over the remote client
  4. Start the orchestrator (an immediate startup cycle runs)
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: ledger.db)
                  Use ":memory:" for an in-memory database
  -remote         Base URL of the remote ledger service
  -sync-interval  Periodic sync interval (default: 5m)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the orchestrator (a push in flight finishes its record)
  4. Close the database connection
  5. Exit

EXAMPLES:
  # Run against a remote service
  ./ledgerd -db="./data/ledger.db" -remote="https://api.tallybook.example/v1"

  # Run fully offline (mutations queue until a remote is reachable)
  ./ledgerd -db=":memory:" -remote="http://localhost:9090"

SEE ALSO:
  - api/server.go: Router configuration
  - sync/orchestrator.go: The cycle driver started here
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/tallybook/ledger-client/api"
	"github.com/tallybook/ledger-client/remote"
	"github.com/tallybook/ledger-client/store/sqlite"
	"github.com/tallybook/ledger-client/sync"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	remoteURL := flag.String("remote", "http://localhost:9090", "Remote ledger service base URL")
	syncInterval := flag.Duration("sync-interval", sync.DefaultSyncInterval, "Periodic sync interval")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the sync engine
	client := remote.NewClient(*remoteURL)
	queue := sync.NewQueue(store)
	executor := sync.NewExecutor(queue, client, nil)
	orchestrator := sync.NewOrchestrator(store, executor, client, nil)
	orchestrator.Interval = *syncInterval

	writer := sync.NewWriter(store)

	// Initialize handler and router
	handler := api.NewHandler(store, writer, queue, orchestrator)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start the sync cycle driver (runs a startup cycle immediately)
	orchestrator.Start()

	// Start server in goroutine
	go func() {
		log.Printf("Ledger client listening on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api, syncing to %s every %v",
			*port, *remoteURL, *syncInterval)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	orchestrator.Stop()

	log.Println("Stopped")
}
