package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// ServeHealth reports 200 while the listing is observed and 503 otherwise.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := m.Status(r.Context())
	payload := map[string]any{
		"status":     "ok",
		"observing":  status.Observing,
		"observedAt": status.ObservedAt,
	}
	code := http.StatusOK
	if !status.Observing {
		payload["status"] = "waiting"
		code = http.StatusServiceUnavailable
	}
	m.writeJSON(w, code, payload)
}

// ServeStatus returns the full status document.
func (m *Manager) ServeStatus(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, m.Status(r.Context()))
}

// ServePage renders the current document.
func (m *Manager) ServePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := m.doc.Render(w); err != nil {
		m.logger.Error("page render failed", slog.Any("error", err))
	}
}

// ServeClick dispatches a click on the first element matching the selector
// query parameter. wait=true holds the response until the work the click
// started has finished.
func (m *Manager) ServeClick(w http.ResponseWriter, r *http.Request) {
	selector := strings.TrimSpace(r.URL.Query().Get("selector"))
	if selector == "" {
		m.WriteError(w, http.StatusBadRequest, "selector required")
		return
	}
	target := m.doc.Query(nil, selector)
	if target == nil {
		m.WriteError(w, http.StatusNotFound, "no element matches "+strconv.Quote(selector))
		return
	}
	listeners := m.doc.Dispatch(target, "click")
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		m.Wait()
	}
	m.logger.Debug("click dispatched", slog.String("selector", selector), slog.Int("listeners", listeners))
	m.writeJSON(w, http.StatusAccepted, map[string]any{"selector": selector, "listeners": listeners})
}

// ServeReload restarts observation and strips mounted elements.
func (m *Manager) ServeReload(w http.ResponseWriter, r *http.Request) {
	if err := m.Reload(true); err != nil {
		m.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m.writeJSON(w, http.StatusAccepted, map[string]any{"reloaded": true})
}

// WriteError renders an error payload.
func (m *Manager) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	m.writeJSON(w, status, map[string]any{"error": message})
}

func (m *Manager) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		m.logger.Error("response encode failed", slog.Any("error", err))
	}
}
