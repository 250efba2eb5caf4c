package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	v1 "github.com/tinoosan/workshopsync/api/v1"
	"github.com/tinoosan/workshopsync/internal/auth"
	"github.com/tinoosan/workshopsync/internal/service"
)

const readyTimeout = 2 * time.Second

// Pinger reports whether the native workshop client can take requests.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New sets up the application routes and required middleware.
func New(logger *slog.Logger, svc service.Download, events v1.Subscriber, native Pinger, token string) *mux.Router {
	r := mux.NewRouter()
	r.Use(v1.RequestID)
	r.Use(v1.AccessLog(logger))
	r.Use(auth.Middleware(token))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := native.Ping(ctx); err != nil {
			http.Error(w, "workshop client unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	batches := v1.NewBatchHandler(logger, svc)
	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/batches", batches.ListBatches).Methods("GET")
	api.HandleFunc("/batches", batches.SubmitBatch).Methods("POST")
	api.HandleFunc("/batches/{id}", batches.GetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}", batches.DeleteBatch).Methods("DELETE")
	api.HandleFunc("/batches/{id}/retry", batches.RetryBatch).Methods("POST")
	api.HandleFunc("/dependencies", batches.Dependencies).Methods("POST")
	api.Handle("/events", v1.NewEventsHandler(logger, events)).Methods("GET")

	return r
}
