package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/service/redirector"
)

// Resolver turns a short code into its long URL.
type Resolver interface {
	Resolve(ctx context.Context, code string, visit redirector.Visit) (string, error)
}

type redirectorHandler struct {
	moduleRouter
	svc Resolver
}

// NewRedirectorHandler serves the redirector module. Resolved codes answer 302.
func NewRedirectorHandler(svc Resolver, rates RateReporter, logger *slog.Logger) http.Handler {
	h := &redirectorHandler{moduleRouter: newModuleRouter(domain.ModuleRedirector, rates, logger), svc: svc}
	return h.instrument(redirectorRoute, h.serve)
}

func redirectorRoute(sub string) string {
	switch sub {
	case "", "health", "metrics":
		return "/r/" + sub
	default:
		return "/r/:code"
	}
}

func (h *redirectorHandler) serve(w http.ResponseWriter, req *http.Request, sub string) {
	if req.Method != http.MethodGet {
		MethodNotAllowed(w, http.MethodGet)
		return
	}
	if sub == "" {
		WriteError(w, http.StatusNotFound, "Link not found")
		return
	}
	longURL, err := h.svc.Resolve(req.Context(), sub, redirector.Visit{
		Referrer:  req.Referer(),
		UserAgent: req.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, err, redirector.ErrLinkNotFound)
		return
	}
	w.Header().Set("Location", longURL)
	w.WriteHeader(http.StatusFound)
}
