package server

import (
	"net/http"
	"strings"
)

// ControlHTTP is the surface the router needs from the runtime manager.
type ControlHTTP interface {
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeStatus(http.ResponseWriter, *http.Request)
	ServePage(http.ResponseWriter, *http.Request)
	ServeClick(http.ResponseWriter, *http.Request)
	ServeReload(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewControlHandler routes the control surface. metrics may be nil.
func NewControlHandler(c ControlHTTP, metrics http.Handler) http.Handler {
	if c == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "runtime unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch route {
		case "healthz":
			if !allow(c, w, r, http.MethodGet, http.MethodHead) {
				return
			}
			c.ServeHealth(w, r)
		case "status":
			if !allow(c, w, r, http.MethodGet) {
				return
			}
			c.ServeStatus(w, r)
		case "page":
			if !allow(c, w, r, http.MethodGet) {
				return
			}
			c.ServePage(w, r)
		case "click":
			if !allow(c, w, r, http.MethodPost) {
				return
			}
			c.ServeClick(w, r)
		case "reload":
			if !allow(c, w, r, http.MethodPost) {
				return
			}
			c.ServeReload(w, r)
		case "metrics":
			if metrics == nil {
				http.NotFound(w, r)
				return
			}
			metrics.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func allow(c ControlHTTP, w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	c.WriteError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
	return false
}

func parseRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", false
	}
	route := strings.ToLower(trimmed)
	switch route {
	case "health", "healthz":
		return "healthz", true
	case "status", "page", "click", "reload", "metrics":
		return route, true
	}
	return "", false
}
