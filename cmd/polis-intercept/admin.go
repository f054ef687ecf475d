package main

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type behaviorView struct {
	Key    string `json:"key"`
	Owner  string `json:"owner"`
	Member string `json:"member"`
	Params string `json:"params"`
	Engine string `json:"engine,omitempty"`
	Silent bool   `json:"silent,omitempty"`
}

// adminHandler serves the admin endpoints. Everything except /metrics is traced.
func (a *app) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /behaviors", a.handleBehaviors)
	mux.HandleFunc("POST /reload", a.handleReload)
	mux.HandleFunc("POST /simulate", a.handleSimulate)

	traced := otelhttp.NewHandler(mux, "polis.intercept.admin")
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}
		traced.ServeHTTP(w, r)
	})
	return a.metrics.MetricsMiddleware(root)
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"enabled":      a.loader.Enabled(),
		"entries":      a.coord.Registry().Len(),
		"last_refresh": a.coord.Registry().LastRefresh(),
	})
}

func (a *app) handleBehaviors(w http.ResponseWriter, _ *http.Request) {
	behaviors := a.coord.Registry().Behaviors()
	views := make([]behaviorView, 0, len(behaviors))
	for _, b := range behaviors {
		views = append(views, behaviorView{
			Key:    b.Key.String(),
			Owner:  b.Key.Owner,
			Member: b.Key.Member,
			Params: b.Key.ParamSpec(),
			Engine: b.Entry.Engine,
			Silent: !b.Entry.HasBody(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *app) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.reload(r.Context()); err != nil {
		a.logger.Warn("Forced reload failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": a.coord.Registry().Len()})
}

func (a *app) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	req.Instance = normalizeJSON(req.Instance)
	for i := range req.Params {
		req.Params[i].Value = normalizeJSON(req.Params[i].Value)
	}

	result, err := a.simulate(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
