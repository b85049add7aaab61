package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ParichayaHQ/issuer/cmd/issuerd/server"
	"github.com/ParichayaHQ/issuer/internal/issuer"
	"github.com/ParichayaHQ/issuer/internal/logging"
	"github.com/ParichayaHQ/issuer/internal/statuslist"
	"github.com/ParichayaHQ/issuer/internal/store"
)

var (
	port             = flag.String("port", "8080", "HTTP server port")
	host             = flag.String("host", "127.0.0.1", "HTTP server host")
	logLevel         = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	dbPath           = flag.String("db", "issuer.db", "SQLite database path")
	baseURL          = flag.String("base-url", "", "Public base URL status list credentials are minted under (defaults to http://host:port)")
	tenantFile       = flag.String("tenants", "", "JSON file of tenant configurations to load at startup")
	recoveryInterval = flag.Duration("recovery-interval", 5*time.Minute, "Interval between reservation recovery sweeps")
	snapshotPath     = flag.String("slc-archive", "", "RocksDB path for the SLC snapshot archive (requires the rocksdb build tag; empty keeps snapshots in memory)")
)

func main() {
	flag.Parse()

	logger := logging.NewLogger("issuerd", logging.ParseLevel(*logLevel))

	publicBase := *baseURL
	if publicBase == "" {
		publicBase = fmt.Sprintf("http://%s:%s", *host, *port)
	}

	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	var archive store.SnapshotArchive
	if *snapshotPath != "" {
		archive, err = store.NewRocksDBSnapshotArchive(*snapshotPath)
		if err != nil {
			log.Fatalf("Failed to open SLC archive: %v", err)
		}
	} else {
		archive = store.NewMemorySnapshotArchive()
	}
	defer archive.Close()

	registry := statuslist.NewRegistry(st, publicBase, logger)
	allocator := statuslist.NewBlockAllocator(registry, logger)
	manager := statuslist.NewListManager(registry, allocator, st, nil, logger)
	updater := statuslist.NewStatusUpdater(registry, st, archive, nil, logger)

	tenants := issuer.NewConfigRegistry()
	service := issuer.NewService(st, tenants, manager, updater, nil, nil, logger)

	if *tenantFile != "" {
		if err := loadTenants(service, tenants, *tenantFile); err != nil {
			log.Fatalf("Failed to load tenant configurations: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go service.RunRecoveryLoop(ctx, *recoveryInterval)

	srv := server.NewServer(service, nil, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", *host, *port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting issuerd HTTP server on %s:%s", *host, *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down issuerd server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// loadTenants reads tenant configurations from a JSON file and registers
// each, re-registering any stored context documents
func loadTenants(service *issuer.Service, tenants *issuer.ConfigRegistry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tenant file: %w", err)
	}

	var configs []issuer.TenantConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("failed to parse tenant file: %w", err)
	}

	ctx := context.Background()
	for i := range configs {
		tenant, err := tenants.Register(&configs[i])
		if err != nil {
			return fmt.Errorf("failed to register tenant %q: %w", configs[i].ID, err)
		}
		if err := service.LoadContexts(ctx, tenant); err != nil {
			return fmt.Errorf("failed to load contexts for tenant %q: %w", configs[i].ID, err)
		}
	}
	return nil
}
