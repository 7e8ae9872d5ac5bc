package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hauslist/viewing-booking/internal/booking"
)

type RouterConfig struct {
	Service    *booking.Service
	PgPool     *pgxpool.Pool
	Redis      *redis.Client
	Logger     *zap.Logger
	AuthSecret []byte
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints stay unauthenticated for the orchestrator.
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthSecret))

		r.Post("/viewings", createViewingHandler(cfg.Service))
		r.Get("/viewings", listViewingsHandler(cfg.Service))
		r.Get("/viewings/{id}", getViewingHandler(cfg.Service))
		r.Post("/viewings/{id}/confirm", transitionHandler(cfg.Service, booking.ActionConfirm))
		r.Post("/viewings/{id}/complete", transitionHandler(cfg.Service, booking.ActionComplete))
		r.Post("/viewings/{id}/cancel", transitionHandler(cfg.Service, booking.ActionCancel))
		r.Post("/viewings/{id}/reschedule", rescheduleViewingHandler(cfg.Service))
		r.Patch("/viewings/{id}/notes", updateNotesHandler(cfg.Service))
		r.Delete("/viewings/{id}", deleteViewingHandler(cfg.Service))

		r.Get("/properties/{id}/slots", daySlotsHandler(cfg.Service))
		r.Get("/properties/{id}/queue", slotQueueHandler(cfg.Service))
	})

	return r
}
