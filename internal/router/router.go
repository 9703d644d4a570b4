package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mealmesh/api/internal/cache"
	"github.com/mealmesh/api/internal/config"
	"github.com/mealmesh/api/internal/handler"
	mw "github.com/mealmesh/api/internal/middleware"
	"github.com/mealmesh/api/internal/service"
	"github.com/mealmesh/api/internal/store"
	"github.com/mealmesh/api/internal/ws"
)

// New creates a Chi router with all application routes wired up.
func New(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, hub *ws.Hub, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173", // web dev server
			"https://app.mealmesh.io",
			"https://partner.mealmesh.io",
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	st := store.New(pool)
	locations := cache.NewLocationCache(rdb)
	relay := ws.NewRelay(hub, st, locations, logger)

	notifier := ws.NewNotifier(hub, logger)
	newOrderStore := func(db store.DBTX) service.OrderStore {
		return store.New(db)
	}
	orderService := service.NewOrderService(pool, st, newOrderStore, notifier, logger)
	orderHandler := handler.NewOrderHandler(orderService, locations, logger)

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// WebSocket route (handles auth internally via query param)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, relay, cfg.JWTSecret, w, r)
	})

	// Protected routes (require authentication)
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))
		r.Route("/orders", orderHandler.RegisterRoutes)
	})

	return r
}
