package workers

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"goxbridge/logger"
	"goxbridge/workers/handlers"
)

type ServerOptions struct {
	Listen string
	UseSSL bool
}

// NewRouter mounts the API; metrics is served at /metrics when set
func NewRouter(h *handlers.Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Options("/*", CORSHeaders)

	r.Get("/health", h.HealthCheck)
	r.Get("/state", h.State)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Get("/routes", h.GetRoutes)
	r.Post("/estimate", h.Estimate)
	r.Get("/network", h.GetNetwork)
	r.Get("/stats", h.GetStats)

	r.Route("/transfers", func(r chi.Router) {
		r.Post("/", h.SubmitTransfer)
		r.Get("/", h.GetTransfers)
		r.Get("/{id}", h.GetTransfer)
		r.Post("/{id}/cancel", h.CancelTransfer)
		r.Get("/{id}/updates", h.Updates)
	})
	return r
}

// Worker_HTTP serves the API until ctx is done, then shuts the server down
func Worker_HTTP(ctx context.Context, handler http.Handler, opts ServerOptions) error {
	log := logger.Component("http")
	log.Info().Str("listen", opts.Listen).Bool("ssl", opts.UseSSL).Msg("starting HTTP service")

	server := &http.Server{
		Addr:              opts.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.UseSSL {
		cert, err := tls.LoadX509KeyPair("certchain.pem", "privatekey.pem")
		if err != nil {
			return err
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if opts.UseSSL {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	log.Info().Msg("HTTP service started")

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("HTTP service stopped")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		return err
	}
	log.Info().Msg("HTTP service shutdown normal")
	return nil
}

func CORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, Origin, X-Requested-With")
}
