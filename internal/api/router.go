package api

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Sockets serves the websocket endpoints.
type Sockets interface {
	ServeDocument(w http.ResponseWriter, r *http.Request)
	ServeEvents(w http.ResponseWriter, r *http.Request)
}

// NewRouter mounts the HTTP API and the websocket endpoints.
func NewRouter(a *API, sockets Sockets, origin string, logger *zap.SugaredLogger) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(logger.Named("http")), corsMiddleware(origin))

	r.HandleFunc("/yjs/{name}", sockets.ServeDocument).Methods(http.MethodGet)
	r.HandleFunc("/events", sockets.ServeEvents).Methods(http.MethodGet)

	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/username", a.UsernameHandler).Methods(http.MethodPost, http.MethodOptions)
	apiRouter.HandleFunc("/rooms/create", a.CreateRoomHandler).Methods(http.MethodPost, http.MethodOptions)
	apiRouter.HandleFunc("/rooms/join", a.JoinRoomHandler).Methods(http.MethodPost, http.MethodOptions)
	apiRouter.HandleFunc("/documents/{name}", a.DocumentHandler).Methods(http.MethodGet)
	return r
}

func loggingMiddleware(logger *zap.SugaredLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Infow("handled", "method", r.Method, "path", r.URL.Path, "status", m.Code, "duration", m.Duration, "bytes", m.Written)
		})
	}
}

func corsMiddleware(origin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
