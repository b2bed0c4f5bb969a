package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/akimenko/webpress/cmd/migrate"
	"github.com/akimenko/webpress/internal/batch"
	"github.com/akimenko/webpress/internal/blob"
	"github.com/akimenko/webpress/internal/config"
	"github.com/akimenko/webpress/internal/corpus"
	"github.com/akimenko/webpress/internal/entities"
	"github.com/akimenko/webpress/internal/fetcher"
	"github.com/akimenko/webpress/internal/lease"
	"github.com/akimenko/webpress/internal/pipeline"
	"github.com/akimenko/webpress/internal/placement"
	"github.com/akimenko/webpress/internal/transcoder"
	"github.com/akimenko/webpress/internal/transport/handler"
	"github.com/akimenko/webpress/internal/transport/router"
)

type App struct {
	HttpServer *http.Server
}

// New builds the whole object graph explicitly. Every component receives its
// collaborators here; nothing is initialized at package scope.
func New(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations)
	if err != nil {
		return nil, err
	}

	store, err := corpus.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("corpus ping: %w", err)
	}

	blobStore, err := blob.New(ctx, &cfg.R2)
	if err != nil {
		return nil, err
	}

	images := fetcher.New(cfg.Pipeline.FetchTimeout*time.Second, nil, cfg.Pipeline.ReferrerHosts)
	videos := fetcher.New(cfg.Pipeline.VideoFetchTimeout*time.Second, cfg.Pipeline.BlockedVideoHosts, cfg.Pipeline.ReferrerHosts)

	decider := placement.NewDecider(blobStore)
	pipe := pipeline.New(images, videos, transcoder.New(), decider, blobStore, cfg.Pipeline.InlineBudgetBytes)
	exec := pipeline.NewExecutor(pipe)

	var locker batch.Locker
	if cfg.Lease.Enabled {
		holder, err := lease.Build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		locker = lease.New(holder, cfg.Lease.TTL*time.Second)
		log.Printf("[app] document lease enabled (ttl=%vs)", cfg.Lease.TTL)
	}

	tracker := batch.NewTracker(store, exec, pipe, entities.DefaultSchema(), cfg.Pipeline.InlineBudgetBytes, locker)

	h := handler.New(tracker)
	r := router.NewRouter(h)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout * time.Second,
	}

	return &App{
		HttpServer: s,
	}, nil
}

func (a *App) Run() error {
	log.Printf("starting server on %s", a.HttpServer.Addr)
	return a.HttpServer.ListenAndServe()
}
