package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/micro-ha/ryobi-gdo/addon/internal/http/handlers"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

// NewRouter builds the HTTP routing tree. When tokenSecret is set every
// /api route requires a bearer token.
func NewRouter(api *handlers.API, tokenSecret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON)
	r.Use(StripIngressPrefix)
	r.Use(RequestLogger(api))

	r.Get("/healthz", api.Health)
	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Use(RequireToken(tokenSecret))

		// The event stream outlives any request timeout.
		apiRouter.Get("/events", api.Events)

		apiRouter.Group(func(timed chi.Router) {
			timed.Use(middleware.Timeout(requestTimeout))

			timed.Get("/health", api.Health)
			timed.Get("/devices", api.ListDevices)
			timed.Get("/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
				api.GetDevice(w, r, chi.URLParam(r, "id"))
			})
			timed.Post("/devices/{id}/commands", func(w http.ResponseWriter, r *http.Request) {
				api.IssueCommand(w, r, chi.URLParam(r, "id"))
			})
			timed.Get("/devices/{id}/commands", func(w http.ResponseWriter, r *http.Request) {
				api.ListDeviceCommands(w, r, chi.URLParam(r, "id"))
			})
			timed.Post("/devices/{id}/refresh", func(w http.ResponseWriter, r *http.Request) {
				api.RefreshDevice(w, r, chi.URLParam(r, "id"))
			})
			timed.Get("/commands/{id}", func(w http.ResponseWriter, r *http.Request) {
				api.GetCommand(w, r, chi.URLParam(r, "id"))
			})
			timed.Post("/refresh", api.Refresh)
		})
	})

	r.Get("/*", api.Static)
	r.Get("/", api.Static)
	return r
}

// RunServer starts and gracefully stops HTTP server with context cancellation.
func RunServer(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
