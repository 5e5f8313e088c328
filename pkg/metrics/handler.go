package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Handler serves the collectors of a Gatherer in the Prometheus exposition
// format.
//
// Scrapes beyond the configured rate are answered with 429 Too Many
// Requests and a Retry-After header.
type Handler struct {
	limiter *rate.Limiter
	next    http.Handler
}

// NewHandler returns a Handler for g allowing rps scrapes per second, with
// bursts of the same size. A non-positive rps disables limiting.
func NewHandler(g prometheus.Gatherer, rps int) *Handler {
	h := &Handler{
		next: promhttp.HandlerFor(g, promhttp.HandlerOpts{}),
	}
	if rps > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The exposition is plain text and never meant to be framed or sniffed.
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if h.limiter != nil {
		if res := h.limiter.Reserve(); res.Delay() > 0 {
			delay := res.Delay()
			res.Cancel()

			// Retry-After is in whole seconds.
			//
			// https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/Retry-After
			secs := int((delay + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
	}

	h.next.ServeHTTP(w, r)
}
