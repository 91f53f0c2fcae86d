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

	"github.com/jordanhubbard/hubcore/internal/api"
	"github.com/jordanhubbard/hubcore/internal/database"
	"github.com/jordanhubbard/hubcore/internal/depgraph"
	"github.com/jordanhubbard/hubcore/internal/dispatch"
	"github.com/jordanhubbard/hubcore/internal/messagebus"
	"github.com/jordanhubbard/hubcore/internal/plan"
	"github.com/jordanhubbard/hubcore/internal/policy"
	"github.com/jordanhubbard/hubcore/internal/registry"
	"github.com/jordanhubbard/hubcore/internal/telemetry"
	"github.com/jordanhubbard/hubcore/pkg/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if *showVersion {
		fmt.Printf("hubd v%s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	db, err := database.Open(cfg.Database.Type, cfg.Database.Source())
	if err != nil {
		log.Fatalf("failed to open %s database: %v", cfg.Database.Type, err)
	}
	defer db.Close()
	log.Printf("[Database] Using %s", db.Type())

	checks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error { return db.DB().PingContext(ctx) },
	}

	reg, closeRegistry, err := openRegistry(runCtx, cfg, db, checks)
	if err != nil {
		log.Fatalf("failed to open session registry: %v", err)
	}
	defer closeRegistry()

	opts := []dispatch.Option{dispatch.WithSource(cfg.Dispatch.Source)}
	if cfg.MessageBus.Enabled {
		mb, err := messagebus.NewNatsMessageBus(messagebus.Config{
			URL:        cfg.MessageBus.URL,
			StreamName: cfg.MessageBus.StreamName,
			Timeout:    cfg.MessageBus.Timeout,
		})
		if err != nil {
			log.Printf("Warning: NATS unavailable, events will not be published: %v", err)
		} else {
			defer mb.Close()
			opts = append(opts, dispatch.WithPublisher(mb))
			checks["messagebus"] = func(context.Context) error { return mb.Health() }
		}
	}

	plans := plan.NewStore(db)
	graph := depgraph.New(db)
	dispatcher := dispatch.NewDispatcher(policy.NewEngine(), reg, plans, graph, opts...)

	apiServer := api.NewServer(dispatcher, plans, graph)
	for name, check := range checks {
		apiServer.AddHealthCheck(name, check)
	}

	// Wrap handler with OpenTelemetry instrumentation
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "hubd-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("hubd API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: http shutdown: %v", err)
	}
}

// openRegistry builds the configured session registry. The returned close
// func is always non-nil.
func openRegistry(ctx context.Context, cfg *config.Config, db *database.Database, checks map[string]api.HealthCheck) (registry.Registry, func(), error) {
	switch cfg.Registry.Backend {
	case "redis":
		rdb, err := registry.NewRedisClient(ctx, cfg.Registry.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Printf("[Registry] Using redis at %s", cfg.Registry.RedisURL)
		return registry.NewRedisRegistry(rdb, registry.RedisConfig{
			KeyPrefix:  cfg.Registry.KeyPrefix,
			SessionTTL: cfg.Registry.SessionTTL,
		}), func() { _ = rdb.Close() }, nil
	default:
		log.Printf("[Registry] Using %s database", db.Type())
		return registry.NewSQLRegistry(db), func() {}, nil
	}
}

func printHelp() {
	fmt.Println("Usage: hubd [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  HUBCORE_DATABASE_TYPE        sqlite or postgres")
	fmt.Println("  HUBCORE_DATABASE_DSN         Postgres connection string")
	fmt.Println("  REDIS_URL                    Redis URL for the redis registry backend")
	fmt.Println("  NATS_URL                     Enables event publishing to NATS JetStream")
	fmt.Println("  OTEL_EXPORTER_OTLP_ENDPOINT  Enables OpenTelemetry tracing")
}
