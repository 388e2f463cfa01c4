package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/service/analytics"
)

// AnalyticsService is the reporting and ingestion surface under /analytics.
type AnalyticsService interface {
	RecordClick(ctx context.Context, click domain.Click) error
	Summary(ctx context.Context, user string) ([]domain.LinkStats, error)
	LinkStats(ctx context.Context, user, code string) (*domain.LinkStats, error)
}

type analyticsHandler struct {
	moduleRouter
	svc AnalyticsService
}

// NewAnalyticsHandler serves the analytics module.
func NewAnalyticsHandler(svc AnalyticsService, rates RateReporter, logger *slog.Logger) http.Handler {
	h := &analyticsHandler{moduleRouter: newModuleRouter(domain.ModuleAnalytics, rates, logger), svc: svc}
	return h.instrument(analyticsRoute, h.serve)
}

func analyticsRoute(sub string) string {
	switch sub {
	case "", "health", "metrics", "clicks":
		return "/analytics/" + sub
	default:
		return "/analytics/:code"
	}
}

func (h *analyticsHandler) serve(w http.ResponseWriter, req *http.Request, sub string) {
	if sub == "clicks" {
		h.handleIngest(w, req)
		return
	}
	if req.Method != http.MethodGet {
		MethodNotAllowed(w, http.MethodGet)
		return
	}
	user := req.URL.Query().Get("user")
	if sub == "" {
		summary, err := h.svc.Summary(req.Context(), user)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
		return
	}
	stats, err := h.svc.LinkStats(req.Context(), user, sub)
	if err != nil {
		h.writeServiceError(w, err, analytics.ErrLinkNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (h *analyticsHandler) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		MethodNotAllowed(w, http.MethodPost)
		return
	}
	var click domain.Click
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&click); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.svc.RecordClick(req.Context(), click); err != nil {
		switch {
		case errors.Is(err, analytics.ErrShortCodeRequired):
			WriteError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.writeServiceError(w, err, analytics.ErrLinkNotFound)
		}
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
