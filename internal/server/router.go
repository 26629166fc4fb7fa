package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"streamrelay/internal/config"
	"streamrelay/internal/metrics"
	"streamrelay/internal/upstream"
	"streamrelay/internal/util"
)

// Opener opens an upstream stream; *upstream.Client implements it.
type Opener interface {
	Open(ctx context.Context, req *http.Request) (*http.Response, error)
}

type App struct {
	Config  config.Config
	Metrics *metrics.Metrics
	Router  http.Handler
}

// NewApp loads configuration from the environment and builds the router.
// An invalid configuration is logged and replaced by the defaults so the
// health endpoints still come up.
func NewApp() *App {
	cfg, err := config.Load()
	if err != nil {
		config.Logger.Error("invalid configuration, using defaults", "error", err)
		cfg = config.Default()
	}
	client := upstream.New(upstream.Options{
		Timeout:     cfg.Upstream.Timeout,
		Fingerprint: cfg.Upstream.Fingerprint,
	})
	return NewAppWith(cfg, client)
}

func NewAppWith(cfg config.Config, up Opener) *App {
	app := &App{Config: cfg, Metrics: metrics.New()}
	h := &Handler{Config: cfg, Upstream: up, Metrics: app.Metrics}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	health := func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
	for _, path := range []string{"/healthz", "/readyz"} {
		r.Get(path, health)
		r.Head(path, health)
	}
	r.Method(http.MethodGet, "/metrics", app.Metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		RegisterRoutes(v1, h)
	})
	app.Router = r
	return app
}
