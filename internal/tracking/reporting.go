package tracking

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/invoiceflow/mailtrack/internal/pkg/logger"
)

// reportingRoutes exposes the analytics read service to the reporting UI.
// Unlike the pixel and redirect endpoints this surface is internal: it is
// meant to sit behind the sending application's ingress, not the public
// internet.
func (h *Handler) reportingRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Get("/messages", h.HandleSummaries)
	r.Get("/messages/{messageID}", h.HandleDetail)
	return r
}

// HandleSummaries serves the batch engagement summary.
// GET /api/messages?tenant=<uuid>&ids=<messageId>[,<messageId>...]
func (h *Handler) HandleSummaries(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant"))
	if err != nil {
		http.Error(w, "invalid tenant", http.StatusBadRequest)
		return
	}

	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}

	summaries, err := h.analytics.Summaries(r.Context(), tenantID, ids)
	if err != nil {
		logger.Error("summaries query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"summaries": summaries})
}

// HandleDetail serves the drill-down view for one message.
// GET /api/messages/{messageID}?tenant=<uuid>
func (h *Handler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant"))
	if err != nil {
		http.Error(w, "invalid tenant", http.StatusBadRequest)
		return
	}

	detail, err := h.analytics.Detail(r.Context(), tenantID, chi.URLParam(r, "messageID"))
	if err != nil {
		logger.Error("detail query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if detail == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detail)
}
