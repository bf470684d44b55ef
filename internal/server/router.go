package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/api/handlers"
	"github.com/cloo-solutions/docrag/internal/api/middleware"
)

const defaultMaxBodyBytes int64 = 10 * 1024 * 1024

type RouterConfig struct {
	Logger          *zap.Logger
	DocumentHandler *handlers.DocumentHandler
	QueryHandler    *handlers.QueryHandler
	HealthHandler   *handlers.HealthHandler
	MaxBodyBytes    int64
	CORSOrigins     []string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HealthHandler == nil {
		cfg.HealthHandler = handlers.NewHealthHandler(nil)
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog(cfg.Logger))
	r.Use(middleware.MaxBodyBytes(cfg.MaxBodyBytes))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", cfg.HealthHandler.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", cfg.DocumentHandler.Submit)
			r.Post("/text", cfg.DocumentHandler.SubmitText)
			r.Get("/", cfg.DocumentHandler.List)
			r.Get("/{id}", cfg.DocumentHandler.Get)
			r.Delete("/{id}", cfg.DocumentHandler.Delete)
		})

		r.Post("/query", cfg.QueryHandler.Query)
		r.Post("/answer", cfg.QueryHandler.Answer)
	})

	return r
}
