package tracking

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/invoiceflow/mailtrack/internal/engage"
	"github.com/invoiceflow/mailtrack/internal/metrics"
	"github.com/invoiceflow/mailtrack/internal/pkg/logger"
)

// 1x1 transparent PNG, matching the .png suffix the pixel URLs carry.
var pixelPNG = func() []byte {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	return buf.Bytes()
}()

// Handler serves the two public tracking endpoints plus the internal
// reporting API. The public endpoints are hit by unauthenticated mail
// clients: they must degrade gracefully. The pixel endpoint always returns
// a valid image and the click endpoint always redirects when it can.
type Handler struct {
	recorder    *engage.Recorder
	analytics   *engage.Analytics
	metrics     *metrics.Metrics
	fallbackURL string
}

// NewHandler creates a tracking HTTP handler. fallbackURL is where unknown
// click tokens are sent; empty means respond 404 instead.
func NewHandler(recorder *engage.Recorder, analytics *engage.Analytics, m *metrics.Metrics, fallbackURL string) *Handler {
	return &Handler{
		recorder:    recorder,
		analytics:   analytics,
		metrics:     m,
		fallbackURL: fallbackURL,
	}
}

// Routes builds the chi router for the tracking service.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(h.metrics.Middleware("open")).Get("/track-open/{token}.png", h.HandleOpen)
	r.With(h.metrics.Middleware("click")).Get("/track-click/{token}", h.HandleClick)
	r.Mount("/api", h.reportingRoutes())
	r.Get("/health", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	return r
}

// HandleOpen records a pixel fetch. The response is the transparent PNG no
// matter what happened internally; a mail client cannot act on an error.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	rcpt, dup, err := h.recorder.RecordOpen(r.Context(), token, r.UserAgent(), realIP(r))
	switch {
	case err != nil:
		h.metrics.RecordingErrorsTotal.WithLabelValues("open").Inc()
		logger.Error("record open failed", "error", err)
	case rcpt == nil:
		h.metrics.UnknownTokensTotal.WithLabelValues("open").Inc()
	case dup:
		h.metrics.OpensDedupedTotal.Inc()
	default:
		h.metrics.OpensRecordedTotal.Inc()
	}

	h.servePixel(w)
}

// HandleClick records a link hit and redirects the browser to the resolved
// destination, duplicate or not. Unknown tokens go to the fallback URL when
// one is configured.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	result, dup, err := h.recorder.RecordClick(r.Context(), token, r.UserAgent(), realIP(r))
	switch {
	case err != nil:
		h.metrics.RecordingErrorsTotal.WithLabelValues("click").Inc()
		logger.Error("record click failed", "error", err)
	case result == nil:
		h.metrics.UnknownTokensTotal.WithLabelValues("click").Inc()
	case dup:
		h.metrics.ClicksDedupedTotal.Inc()
	default:
		h.metrics.ClicksRecordedTotal.Inc()
	}

	if result != nil {
		http.Redirect(w, r, result.URL, http.StatusTemporaryRedirect)
		return
	}
	if h.fallbackURL != "" {
		http.Redirect(w, r, h.fallbackURL, http.StatusTemporaryRedirect)
		return
	}
	http.NotFound(w, r)
}

// HandleHealth reports service liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelPNG)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
