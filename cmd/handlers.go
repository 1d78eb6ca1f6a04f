package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mr-karan/amdispatch/internal/metrics"
	"github.com/mr-karan/amdispatch/internal/models"
)

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resp is used to send uniform response structure.
type resp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// alertmanagersResp lists the external Alertmanagers of an org.
type alertmanagersResp struct {
	Active       []string `json:"active"`
	Dropped      []string `json:"dropped"`
	SendAlertsTo string   `json:"send_alerts_to"`
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(resp{Status: "success", Data: data})

	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := resp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)

	w.Write(out)
}

// Index page.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)
	app.metrics.Increment(metrics.Label("http_requests_total", "handler", "index"))
	sendResponse(w, "welcome to amdispatch!")
}

// Health check.
func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)
	app.metrics.Increment(metrics.Label("http_requests_total", "handler", "ping"))
	sendResponse(w, "pong")
}

// Export prometheus metrics.
func handleMetrics(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)
	app.metrics.FlushMetrics(w)
}

// List the live and dropped external Alertmanagers of an org.
func handleGetAlertmanagers(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)
	app.metrics.Increment(metrics.Label("http_requests_total", "handler", "alertmanagers"))

	orgID, err := strconv.ParseInt(chi.URLParam(r, "orgID"), 10, 64)
	if err != nil {
		sendErrorResponse(w, "Invalid org id.", http.StatusBadRequest, nil)
		return
	}

	sendResponse(w, alertmanagersResp{
		Active:       urlStrings(app.dispatcher.AlertmanagersFor(orgID)),
		Dropped:      urlStrings(app.dispatcher.DroppedAlertmanagersFor(orgID)),
		SendAlertsTo: app.dispatcher.SendAlertsTo(orgID).String(),
	})
}

// Handle routing the current alert states of a rule.
func handleNotify(w http.ResponseWriter, r *http.Request) {
	handleStates(w, r, "notify")
}

// Handle routing the alerts of a rule that stopped as resolved.
func handleExpire(w http.ResponseWriter, r *http.Request) {
	handleStates(w, r, "expire")
}

func handleStates(w http.ResponseWriter, r *http.Request, handler string) {
	var (
		app    = r.Context().Value("app").(*App)
		states = []*models.AlertState{}
	)
	app.metrics.Increment(metrics.Label("http_requests_total", "handler", handler))

	orgID, err := strconv.ParseInt(chi.URLParam(r, "orgID"), 10, 64)
	if err != nil {
		app.metrics.Increment(metrics.Label("http_request_errors_total", "handler", handler))
		sendErrorResponse(w, "Invalid org id.", http.StatusBadRequest, nil)
		return
	}
	key := models.AlertRuleKey{OrgID: orgID, UID: chi.URLParam(r, "ruleUID")}

	// Unmarshall POST Body.
	if err := json.NewDecoder(r.Body).Decode(&states); err != nil {
		app.lo.Error("error decoding request body", "error", err)
		app.metrics.Increment(metrics.Label("http_request_errors_total", "handler", handler))
		sendErrorResponse(w, "Error decoding payload.", http.StatusBadRequest, nil)
		return
	}

	app.lo.Debug("routing alert states", "org", key.OrgID, "rule_uid", key.UID, "count", len(states), "handler", handler)

	// Delivery ends at the senders' queues, nothing here waits on the network.
	if handler == "expire" {
		err = app.dispatcher.Expire(key, states)
	} else {
		err = app.dispatcher.Notify(key, states)
	}
	if err != nil {
		app.lo.Error("error routing alerts", "error", err)
		app.metrics.Increment(metrics.Label("http_request_errors_total", "handler", handler))
		sendErrorResponse(w, "Error routing alerts.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, "dispatched")
}

func urlStrings(urls []*url.URL) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, u.Redacted())
	}
	return out
}
