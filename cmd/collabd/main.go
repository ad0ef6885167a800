package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"quill/collab/internal/app"
	"quill/collab/internal/config"
	"quill/collab/internal/gitrepo"
	"quill/collab/internal/hub"
	"quill/collab/internal/search"
	"quill/collab/internal/session"
	"quill/collab/internal/store"
)

func main() {
	cfg := config.Load()

	flags := pflag.NewFlagSet("collabd", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	flags.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for refresh sessions and room fan-out")
	flags.StringVar(&cfg.ReposDir, "repos-dir", cfg.ReposDir, "directory holding one git repository per document")
	flags.StringVar(&cfg.MigrationsDir, "migrations-dir", cfg.MigrationsDir, "read migrations from this directory instead of the embedded set")
	flags.StringVar(&cfg.MeiliURL, "meili-url", cfg.MeiliURL, "Meilisearch URL; empty uses PostgreSQL full-text search only")
	flags.StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "Access-Control-Allow-Origin value")
	rollback := flags.Bool("rollback", false, "roll back all migrations and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	var migrations fs.FS = store.Migrations()
	if strings.TrimSpace(cfg.MigrationsDir) != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	if *rollback {
		if err := store.RollbackMigrations(ctx, db, migrations); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		log.Printf("migrations rolled back")
		return
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	defer searchService.Close()

	// one Redis client serves refresh sessions and the room broker
	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Git:      gitService,
		Sessions: sessions,
		Search:   searchService,
	})

	rooms := hub.New(hub.Options{
		Verify:       service.VerifySocketToken,
		Access:       service,
		Broker:       hub.NewRedisBroker(sessions.Client()),
		SendBuffer:   cfg.SendBuffer,
		PingInterval: cfg.PingInterval,
		ReadTimeout:  cfg.ReadTimeout,
	})
	service.SetRooms(rooms)

	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin).WithSocket(rooms)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no ReadTimeout/WriteTimeout: they would cut long-lived sockets
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("collabd listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := rooms.Close(); err != nil {
		log.Printf("hub close error: %v", err)
	}
	connections, open := rooms.Stats()
	log.Printf("collabd stopped (%d connections, %d rooms left)", connections, open)
}
