package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"charcha/api/internal/app"
	"charcha/api/internal/config"
	"charcha/api/internal/directions"
	"charcha/api/internal/geometry"
	"charcha/api/internal/logger"
	"charcha/api/internal/media"
	"charcha/api/internal/metrics"
	"charcha/api/internal/position"
	"charcha/api/internal/search"
	"charcha/api/internal/store"

	"golang.org/x/sync/errgroup"
)

func main() {
	log := logger.Setup()
	cfg := config.Load()
	if len(os.Args) > 1 && os.Args[1] == "migrate-down" {
		if err := migrateDown(cfg, os.Args[2:]); err != nil {
			log.Error("migrate_down_failed", "error", err)
			os.Exit(1)
		}
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.OpenBackend(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.MigrationsDir)
	if err != nil {
		log.Error("store_open_failed", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	districts := geometry.FileProvider(cfg.GeometryPath)
	if _, err := districts.Get(ctx); err != nil {
		// sessions retry the load; the HTTP API reports it per request
		log.Warn("geometry_load_failed", "path", cfg.GeometryPath, "error", err)
	}

	var pgfts *search.PgFTS
	var fallback search.Searcher
	if backend.DB != nil {
		pgfts = search.NewPgFTS(backend.DB)
		fallback = pgfts
	} else {
		fallback = search.NewScan(backend.Store.ListPosts, func() []string {
			coll, err := districts.Get(context.Background())
			if err != nil {
				return nil
			}
			return coll.Names()
		})
	}
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback, pgfts)

	deps := app.Deps{Store: backend.Store, Geometry: districts, Search: searchService}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		mediaStore, err := media.NewMinioStore(media.Options{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.MediaPublicBaseURL,
		})
		if err != nil {
			log.Error("media_store_failed", "error", err)
			os.Exit(1)
		}
		if err := mediaStore.EnsureBucket(ctx); err != nil {
			log.Warn("media_bucket_unavailable", "bucket", cfg.MinioBucket, "error", err)
		}
		deps.Media = mediaStore
	} else {
		log.Info("media_disabled")
	}

	hubOpts := app.HubOptions{
		Store:        backend.Store,
		Geometry:     districts,
		Router:       directions.NewMapbox(cfg.MapboxToken, cfg.DirectionsProfile, cfg.DirectionsTimeout),
		SweepEvery:   cfg.PinSweepInterval,
		RouteTimeout: cfg.DirectionsTimeout,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		positions, err := position.NewRedisStore(cfg.RedisURL, cfg.PositionTTL)
		if err != nil {
			log.Warn("position_store_unavailable", "error", err)
		} else {
			defer positions.Close()
			hubOpts.Positions = positions
		}
	}
	if origin := strings.TrimSpace(cfg.CORSOrigin); origin != "" && origin != "*" {
		hubOpts.CheckOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == "" || r.Header.Get("Origin") == origin
		}
	}

	service := app.NewService(cfg, deps)
	hub := app.NewHub(hubOpts)
	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, cfg.TokenSecret)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", httpServer.Handler())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return backend.Listen(gctx)
	})
	g.Go(func() error {
		searchService.ReindexFromPG(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("charcha_api_listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server_stopped", "error", err)
		os.Exit(1)
	}
}

// migrateDown reverts the newest migrations: `api migrate-down [steps]`,
// one step by default, "all" for every applied migration.
func migrateDown(cfg config.Config, args []string) error {
	steps := 1
	if len(args) > 0 {
		if args[0] == "all" {
			steps = 0
		} else {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			steps = n
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return store.RevertMigrations(ctx, db, cfg.MigrationsDir, steps)
}
