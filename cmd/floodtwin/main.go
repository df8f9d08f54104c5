package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"floodtwin/internal/broker"
	"floodtwin/internal/config"
	"floodtwin/internal/dem"
	server "floodtwin/internal/http"
	"floodtwin/internal/migrate"
	"floodtwin/internal/pipeline"
	"floodtwin/internal/publish"
	"floodtwin/internal/report"
	"floodtwin/internal/simulation"
	"floodtwin/internal/store"
	"floodtwin/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	// Basic pool settings; adjust as needed
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.NewPostgres(db)

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	var br broker.Broker
	if cfg.Redis.URL != "" {
		rb, err := broker.NewRedisBroker(cfg.Redis.URL, cfg.Broker.Queue, cfg.Broker.VisibilityTimeout())
		if err != nil {
			log.Fatalf("broker setup failed: %v", err)
		}
		br = rb
	} else {
		// Single-process deployments can run without Redis.
		br = broker.NewMemoryBroker(cfg.Broker.VisibilityTimeout())
	}

	rootCtx := context.Background()

	startWorker := func() {
		demClient := dem.NewClient(cfg.DEM.BaseURL, cfg.DEM.Timeout())
		engine := simulation.NewClient(cfg.Simulation.BaseURL, cfg.Simulation.PollInterval(), cfg.Simulation.GPUDevice)

		var renderer pipeline.Renderer
		if cfg.Renderer.Enabled {
			renderer = report.NewRenderer(cfg.Renderer.BrowserURL, cfg.Renderer.ViewerBaseURL, cfg.Renderer.FullPage, cfg.Renderer.OutputDir)
		}
		var publisher pipeline.LayerPublisher
		if cfg.GeoServer.BaseURL != "" {
			publisher = publish.NewPublisher(cfg.GeoServer.BaseURL, cfg.GeoServer.Workspace, cfg.GeoServer.Username, cfg.GeoServer.Password, cfg.GeoServer.Timeout())
		}

		pl := pipeline.New(cfg.Pipeline, demClient, engine, renderer, publisher)
		pool := worker.NewPool(cfg, st, br, pl, logger)
		go pool.Start(rootCtx)
	}

	switch *role {
	case "api":
		s := server.NewServer(cfg, st, br, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "worker":
		startWorker()
		select {}
	case "all":
		startWorker()
		s := server.NewServer(cfg, st, br, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}
