package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caelansar/chat/internal/auth"
	"github.com/caelansar/chat/internal/config"
	"github.com/caelansar/chat/internal/db"
	"github.com/caelansar/chat/internal/httputil"
	mw "github.com/caelansar/chat/internal/middleware"
	"github.com/caelansar/chat/internal/registry"
	"github.com/caelansar/chat/internal/sse"
	"github.com/caelansar/chat/internal/transport"
	"github.com/caelansar/chat/internal/ws"
)

// restartDelay is how long the supervisor waits before restarting a transport
// backend whose Run returned with an error.
const restartDelay = 3 * time.Second

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	var pool *pgxpool.Pool
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("WARNING: database connection failed: %v (continuing without DB)", err)
	} else {
		defer database.Close()
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			log.Printf("WARNING: migrations failed: %v", err)
		}
		pool = database.Pool
	}

	// Subscriber registry: the single shared structure both the transport
	// backend and every connection handler hold a reference to.
	reg := registry.New()

	// Transport backend, selected from config.
	backend, err := transport.New(cfg, pool, reg)
	if err != nil {
		log.Fatalf("Transport setup failed: %v", err)
	}
	defer backend.Close()
	go superviseBackend(ctx, backend)

	// JWT & Auth
	jwtService := auth.NewJWTService(cfg.JWTSecret)

	// Router
	r := mux.NewRouter()

	// Rate limiting: 100 req/s per IP with burst of 200
	r.Use(mw.RateLimitMiddleware(100, 200))

	// Health check (no auth)
	r.HandleFunc("/healthz", healthzHandler).Methods("GET")

	// Protected streaming routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(mw.AuthMiddleware(jwtService))
	sse.NewHandler(reg).RegisterRoutes(protected)
	ws.NewHandler(reg).RegisterRoutes(protected)

	// HTTP server. No WriteTimeout: /events and /ws hold long-lived
	// streaming responses.
	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        corsMiddleware(r),
		ReadTimeout:    15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Starting server on :%s (transport=%s)", cfg.Port, cfg.Transport)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

// superviseBackend keeps the transport backend running. The backends do not
// reconnect internally; supervision here is the recovery path for transport
// errors.
func superviseBackend(ctx context.Context, backend transport.Backend) {
	for {
		err := backend.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("WARNING: transport stopped: %v (restarting in %s)", err, restartDelay)

		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			return
		}
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000"
	}

	origins := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		origins[strings.TrimSpace(o)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(origins) == 1 {
			// Single origin mode: always set it (for dev convenience)
			for o := range origins {
				w.Header().Set("Access-Control-Allow-Origin", o)
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
