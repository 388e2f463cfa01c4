package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/service/links"
)

// LinkService is the link management surface served under /links.
type LinkService interface {
	Create(ctx context.Context, user, rawURL string) (*domain.Link, error)
	Get(ctx context.Context, user, code string) (*domain.Link, error)
	List(ctx context.Context, user string) ([]domain.Link, error)
	Update(ctx context.Context, user, code, rawURL string) (*domain.Link, error)
	Delete(ctx context.Context, user, code string) error
}

type linksHandler struct {
	moduleRouter
	svc LinkService
}

// NewLinksHandler serves the links module.
func NewLinksHandler(svc LinkService, rates RateReporter, logger *slog.Logger) http.Handler {
	h := &linksHandler{moduleRouter: newModuleRouter(domain.ModuleLinks, rates, logger), svc: svc}
	return h.instrument(linksRoute, h.serve)
}

func linksRoute(sub string) string {
	switch sub {
	case "", "health", "metrics":
		return "/links/" + sub
	default:
		return "/links/:code"
	}
}

func (h *linksHandler) serve(w http.ResponseWriter, req *http.Request, sub string) {
	in, err := readLinkInput(req)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if sub == "" {
		switch req.Method {
		case http.MethodGet:
			list, err := h.svc.List(req.Context(), in.User)
			if err != nil {
				h.writeError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, list)
		case http.MethodPost:
			link, err := h.svc.Create(req.Context(), in.User, in.URL)
			if err != nil {
				h.writeError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, link)
		default:
			MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
		return
	}

	code := sub
	switch req.Method {
	case http.MethodGet:
		link, err := h.svc.Get(req.Context(), in.User, code)
		if err != nil {
			h.writeError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, link)
	case http.MethodPut:
		link, err := h.svc.Update(req.Context(), in.User, code, in.URL)
		if err != nil {
			h.writeError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, link)
	case http.MethodDelete:
		if err := h.svc.Delete(req.Context(), in.User, code); err != nil {
			h.writeError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"deleted": code})
	default:
		MethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (h *linksHandler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, links.ErrInvalidURL) {
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeServiceError(w, err, links.ErrLinkNotFound)
}
