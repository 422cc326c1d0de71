package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ydkmlt84/tracearr/internal/aggregator"
	"github.com/ydkmlt84/tracearr/internal/cache"
	"github.com/ydkmlt84/tracearr/internal/geoip"
	"github.com/ydkmlt84/tracearr/internal/lifecycle"
	"github.com/ydkmlt84/tracearr/internal/mediaserver"
	"github.com/ydkmlt84/tracearr/internal/mediaserver/plexpush"
	"github.com/ydkmlt84/tracearr/internal/models"
	"github.com/ydkmlt84/tracearr/internal/poller"
	"github.com/ydkmlt84/tracearr/internal/push"
	"github.com/ydkmlt84/tracearr/internal/rules"
	"github.com/ydkmlt84/tracearr/internal/store"
	"github.com/ydkmlt84/tracearr/internal/violations"
)

var Version = "dev"

// adapterRegistry holds the media-server adapter factories this build ships
// with. The concrete HTTP clients are external collaborators; deployments
// extend this at build time.
var adapterRegistry = mediaserver.NewRegistry()

func main() {
	dbPath := envOr("DB_PATH", "./data/tracearr.db")
	listenAddr := envOr("LISTEN_ADDR", ":7936")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisDB := envInt("REDIS_DB", 0)
	geoDBPath := os.Getenv("GEOIP_DB")
	pollInterval := envDuration("POLL_INTERVAL", poller.DefaultInterval)
	aggInterval := envDuration("AGGREGATOR_INTERVAL", aggregator.DefaultInterval)
	aggEnabled := envBool("AGGREGATOR_ENABLED", true)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatal(err)
	}

	s, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer s.Close()

	c, err := cache.New(redisAddr, redisPassword, redisDB)
	if err != nil {
		log.Fatalf("connecting to redis: %v", err)
	}
	defer c.Close()

	resolver := geoip.NewResolver(geoDBPath)
	defer resolver.Close()
	cachedGeo := geoip.NewCachedResolver(resolver, s)
	if geoDBPath != "" {
		updater := geoip.NewUpdater(s, resolver, geoDBPath)
		go updater.Start(context.Background())
	}

	engine := rules.NewEngine(resolver)
	recorder := violations.NewRecorder(s, c, nil)
	core := lifecycle.NewCore(s, c, engine, recorder)

	p := poller.New(s, c, core, cachedGeo, pollInterval)
	processor := push.New(s, c, core, cachedGeo)
	agg := aggregator.New(s, c, aggregator.WithInterval(aggInterval), aggregator.WithEnabled(aggEnabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers, err := s.ListServers(ctx)
	if err != nil {
		log.Fatalf("listing servers: %v", err)
	}
	for _, srv := range servers {
		adapter, err := adapterRegistry.Build(srv)
		if errors.Is(err, mediaserver.ErrNoAdapter) {
			log.Printf("server %s: %v, skipping", srv.Name, err)
			continue
		}
		if err != nil {
			log.Printf("server %s: building adapter: %v, skipping", srv.Name, err)
			continue
		}
		p.AddServer(srv, adapter)
		if srv.Variant == models.ServerVariantPlex {
			rt := plexpush.New(srv.ID, srv.Name, srv.BaseURL, srv.AccessToken)
			if err := processor.Attach(ctx, &srv, adapter, rt); err != nil {
				log.Printf("server %s: attaching push stream: %v", srv.Name, err)
			}
		}
	}

	p.Start(ctx)
	agg.Start(ctx)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := s.Ping(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	httpSrv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		log.Printf("tracearr %s listening on %s", Version, listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	agg.Stop()
	processor.Stop()
	p.Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("invalid %s=%q, using %d", key, os.Getenv(key), fallback)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		log.Printf("invalid %s=%q, using %s", key, os.Getenv(key), fallback)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("invalid %s=%q, using %v", key, os.Getenv(key), fallback)
	}
	return fallback
}
