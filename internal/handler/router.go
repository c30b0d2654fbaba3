// Package handler は運用・報告用のHTTPエンドポイントを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gymflag/internal/metrics"
	"github.com/hitoshi/gymflag/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	Flags         FlagLister
	RetentionDays int
	Experiments   ExperimentStatsProvider

	// RateLimiter がnilの場合、/api にレート制限をかけない。
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → (/api のみ) RateLimit
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	healthHandler := NewHealthHandler(deps.HealthChecker, logger)
	flagHandler := NewFlagHandler(deps.Flags, deps.RetentionDays, deps.Now, logger)
	experimentHandler := NewExperimentHandler(deps.Experiments, logger)

	r.Get("/health", healthHandler.Check)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/flags/active", flagHandler.ListActive)
		r.Get("/experiments/{id}/stats", experimentHandler.GetStats)
	})

	return r
}
