package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/together/internal/telemetry"
	"github.com/petervdpas/together/internal/viewer/routes"
)

var log = logging.Logger("together/viewer")

const shutdownGrace = 3 * time.Second

// Handler builds the control surface: the JSON API, the event socket and
// the metrics endpoint.
func Handler(d routes.Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLog)
	r.Use(noCache)

	r.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler())
	routes.Register(r, d)
	return r
}

// Start serves Handler(d) on addr until ctx ends.
func Start(ctx context.Context, addr string, d routes.Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(d),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("viewer listening on http://%s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
		return nil
	}
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}
