package dispatch

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/splax/morphlink/internal/domain"
)

var (
	// ErrRouteNotFound reports a path no module is mounted under.
	ErrRouteNotFound = errors.New("dispatch: route not found")
	// ErrMethodNotAllowed reports a method the dispatcher never routes.
	ErrMethodNotAllowed = errors.New("dispatch: method not allowed")
)

// RoutableMethods are the only methods forwarded to a module.
var RoutableMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// Route mounts a module under a path prefix.
type Route struct {
	Prefix string
	Module domain.ModuleID
}

// RouteTable maps request paths to modules.
type RouteTable struct {
	routes []Route
}

// NewRouteTable builds a table. Longer prefixes are matched first.
func NewRouteTable(routes ...Route) RouteTable {
	sorted := make([]Route, 0, len(routes))
	for _, r := range routes {
		r.Prefix = "/" + strings.Trim(r.Prefix, "/")
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Prefix) > len(sorted[j].Prefix) })
	return RouteTable{routes: sorted}
}

// DefaultRoutes mounts every known module under its public prefix.
func DefaultRoutes() RouteTable {
	routes := make([]Route, 0, len(domain.Modules()))
	for _, id := range domain.Modules() {
		routes = append(routes, Route{Prefix: id.Prefix(), Module: id})
	}
	return NewRouteTable(routes...)
}

// Match returns the module owning path. A prefix only matches on a segment
// boundary, so "/links" owns "/links" and "/links/x" but not "/linksx".
func (t RouteTable) Match(path string) (domain.ModuleID, bool) {
	for _, r := range t.routes {
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r.Module, true
		}
	}
	return "", false
}

// Classify resolves the module for a request, or reports why none applies.
func (t RouteTable) Classify(req *http.Request) (domain.ModuleID, error) {
	id, ok := t.Match(req.URL.Path)
	if !ok {
		return "", ErrRouteNotFound
	}
	for _, m := range RoutableMethods {
		if req.Method == m {
			return id, nil
		}
	}
	return id, ErrMethodNotAllowed
}
