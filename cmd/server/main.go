package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/clientsync/internal/api"
	"github.com/ignite/clientsync/internal/auth"
	"github.com/ignite/clientsync/internal/config"
	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/pkg/distlock"
	"github.com/ignite/clientsync/internal/provider"
	"github.com/ignite/clientsync/internal/provider/csvimport"
	"github.com/ignite/clientsync/internal/provider/ghl"
	"github.com/ignite/clientsync/internal/provider/manychat"
	"github.com/ignite/clientsync/internal/provider/paypal"
	"github.com/ignite/clientsync/internal/provider/stripe"
	"github.com/ignite/clientsync/internal/repository/postgres"
	"github.com/ignite/clientsync/internal/service/merge"
	"github.com/ignite/clientsync/internal/service/settings"
	"github.com/ignite/clientsync/internal/service/syncrun"
	"github.com/ignite/clientsync/internal/warehouse"
	"github.com/ignite/clientsync/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  ClientSync Server (cmd/server/main.go)                    ║")
	log.Println("║  Cross-source sync and identity unification pipeline       ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.Host
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	// PostgreSQL
	dbURL := cfg.Database.URL
	if dbURL == "" {
		log.Fatal("No database URL configured (set database.url or DATABASE_URL)")
	}
	sep := "?"
	if strings.Contains(dbURL, "?") {
		sep = "&"
	}
	if !strings.Contains(dbURL, "connect_timeout") {
		dbURL += sep + "connect_timeout=5"
	}
	log.Printf("DB URL host portion: ...@%s/...", extractHost(dbURL))
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("PostgreSQL connected")

	// Redis (optional: settings cache and sync locks degrade gracefully)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis unreachable (%v), falling back to Postgres locks", err)
			rdb = nil
		} else {
			log.Println("Redis connected")
		}
		pingCancel()
	} else {
		log.Println("Redis not configured, using Postgres advisory locks")
	}

	// Repositories
	runRepo := postgres.NewSyncRunRepo(db)
	clientRepo := postgres.NewClientRepo(db)
	stagingRepo := postgres.NewStagingRepo(db)
	txRepo := postgres.NewTransactionRepo(db)
	conflictRepo := postgres.NewConflictRepo(db)
	settingsRepo := postgres.NewSettingsRepo(db)

	// Services
	tracker := syncrun.NewTracker(runRepo, cfg.Sync.StaleRunThreshold())
	merger := merge.NewService(clientRepo)
	settingsSvc := settings.NewService(settingsRepo, rdb)

	// Provider adapters
	var adapters []provider.Adapter
	if cfg.Stripe.APIKey != "" {
		sc := stripe.NewClient(cfg.Stripe)
		adapters = append(adapters,
			stripe.NewChargesAdapter(sc),
			stripe.NewSubscriptionsAdapter(sc),
			stripe.NewInvoicesAdapter(sc),
		)
		log.Println("Stripe adapters registered (charges, subscriptions, invoices)")
	}
	if cfg.PayPal.ClientID != "" && cfg.PayPal.ClientSecret != "" {
		adapters = append(adapters, paypal.NewAdapter(paypal.NewClient(cfg.PayPal)))
		log.Println("PayPal adapter registered")
	}
	if cfg.GoHighLevel.APIKey != "" {
		adapters = append(adapters, ghl.NewAdapter(ghl.NewClient(cfg.GoHighLevel)))
		log.Println("GoHighLevel adapter registered")
	}
	if cfg.ManyChat.APIKey != "" {
		adapters = append(adapters, manychat.NewAdapter(manychat.NewClient(cfg.ManyChat), cfg.ManyChat))
		log.Println("ManyChat adapter registered")
	}
	if cfg.CSVImport.S3Bucket != "" {
		s3Client, err := csvimport.NewS3Client(context.Background(), cfg.CSVImport)
		if err != nil {
			log.Printf("Warning: CSV import disabled, AWS config failed: %v", err)
		} else {
			adapters = append(adapters, csvimport.NewAdapter(s3Client, cfg.CSVImport))
			log.Printf("CSV import adapter registered (bucket=%s)", cfg.CSVImport.S3Bucket)
		}
	}
	if len(adapters) == 0 {
		log.Println("Warning: no provider credentials configured; sync endpoints will 404")
	}

	// Per-source sync locks: Redis when available, PG advisory otherwise
	locks := distlock.NewFactory(rdb, db, 2*time.Minute)
	newLock := func(source domain.Source) distlock.DistLock {
		return locks.ForKey("sync:" + string(source))
	}

	orch := worker.NewOrchestrator(tracker, adapters, stagingRepo, txRepo, merger, settingsSvc, newLock)
	commandCenter := worker.NewCommandCenter(orch, tracker, settingsSvc, cfg.Sync.InvocationBudget())

	// Snowflake run-summary export (optional, downstream only)
	var warehousePing api.Pinger
	if cfg.Warehouse.Enabled {
		exporter, err := warehouse.NewExporter(warehouse.Config{
			Account:   cfg.Warehouse.Account,
			User:      cfg.Warehouse.User,
			Password:  cfg.Warehouse.Password,
			Database:  cfg.Warehouse.Database,
			Schema:    cfg.Warehouse.Schema,
			Warehouse: cfg.Warehouse.Warehouse,
		})
		if err != nil {
			log.Printf("Warning: warehouse export disabled: %v", err)
		} else {
			orch.SetExporter(exporter)
			warehousePing = exporter
			defer exporter.Close()
			log.Println("Snowflake run-summary export enabled")
		}
	}

	// Background housekeeping
	ctx, cancel := context.WithCancel(context.Background())
	housekeeper := worker.NewHousekeepingWorker(worker.HousekeepingStores{
		Staging:   stagingRepo,
		Conflicts: conflictRepo,
		Runs:      runRepo,
	}, worker.Retention{
		StagingDays:  cfg.Sync.StagingRetentionDays,
		ConflictDays: cfg.Sync.ConflictRetentionDays,
		RunDays:      cfg.Sync.RunRetentionDays,
	})
	go housekeeper.Start(ctx)

	// HTTP API
	var tokenAuth *auth.TokenAuth
	if cfg.Auth.Enabled {
		tokenAuth = auth.NewTokenAuth(cfg.Auth.AdminTokens)
		log.Printf("Admin token auth enabled (%d tokens)", len(cfg.Auth.AdminTokens))
	} else {
		log.Println("Authentication disabled")
	}

	handlers := &api.Handlers{
		Orchestrator:  orch,
		CommandCenter: commandCenter,
		Tracker:       tracker,
		Settings:      settingsSvc,
		Clients:       clientRepo,
		Conflicts:     conflictRepo,
		Transactions:  txRepo,
		Staging:       stagingRepo,
		SyncBudget:    cfg.Sync.InvocationBudget(),
	}
	healthChecker := api.NewHealthChecker(db, rdb, warehousePing)
	router := api.SetupRoutes(handlers, healthChecker, tokenAuth, nil)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Cancel background tasks
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	log.Println("Server stopped")
}
