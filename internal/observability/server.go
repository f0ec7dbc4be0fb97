package observability

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the metrics scrape endpoint and a liveness probe.
func Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve blocks on the metrics listener. Callers run it in a goroutine and
// treat listener errors as non-fatal.
func Serve(addr string) error {
	return http.ListenAndServe(addr, Handler())
}
