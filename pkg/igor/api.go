package igor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/barrhawk/fleetbridge/pkg/metrics"
	"github.com/barrhawk/fleetbridge/pkg/types"
)

// routesHTTP assembles the worker face's control surface
func (ig *Igor) routesHTTP() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", metrics.HealthHandler())

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"id":          ig.cfg.ID,
			"connected":   ig.client.Connected(),
			"executing":   ig.engine.Executing(),
			"currentPlan": ig.engine.CurrentPlanID(),
			"mode":        string(ig.lightning.Mode()),
			"pending":     ig.pending.Len(),
			"franks":      len(ig.franks.List()),
			"queueDepth":  len(ig.franks.Queue()),
		})
	})

	r.Get("/tools", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"tools": ig.helpers.Catalog()})
	})

	r.Get("/toolbag", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"toolBag": ig.engine.CurrentToolBag()})
	})

	r.Post("/tools/{name}/execute", func(w http.ResponseWriter, req *http.Request) {
		var params map[string]any
		_ = json.NewDecoder(req.Body).Decode(&params)
		resp, err := ig.engine.request("tool.invoke", map[string]any{
			"tool":   chi.URLParam(req, "name"),
			"params": params,
		}, 30*time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, resp.Payload)
	})

	r.Route("/franks", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{"franks": ig.franks.List()})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Capabilities []string `json:"capabilities"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			f, err := ig.franks.Spawn(body.Capabilities)
			if err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, f)
		})
		r.Post("/{id}/kill", func(w http.ResponseWriter, req *http.Request) {
			if err := ig.franks.Kill(chi.URLParam(req, "id")); err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, map[string]any{"killing": chi.URLParam(req, "id")})
		})
		r.Post("/{id}/execute", func(w http.ResponseWriter, req *http.Request) {
			var payload map[string]any
			_ = json.NewDecoder(req.Body).Decode(&payload)
			if err := ig.franks.ExecuteOn(chi.URLParam(req, "id"), payload); err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, map[string]any{"dispatched": chi.URLParam(req, "id")})
		})
	})

	r.Route("/igors", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{"workers": ig.routes.List()})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				RouteID    string         `json:"routeId"`
				RouteName  string         `json:"routeName"`
				Conditions map[string]any `json:"conditions"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			worker, err := ig.routes.Spawn(body.RouteID, body.RouteName, body.Conditions)
			if err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, worker)
		})
		r.Post("/{id}/kill", func(w http.ResponseWriter, req *http.Request) {
			if err := ig.routes.Kill(chi.URLParam(req, "id")); err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, map[string]any{"killing": chi.URLParam(req, "id")})
		})
	})

	r.Post("/execute", func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		task := ig.franks.Enqueue(payload)
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, task)
	})

	r.Post("/plan", func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		// A locally injected plan runs exactly like one submitted over
		// the hub, with this process as its own supervisor
		msg := types.NewMessage(types.ComponentID(ig.cfg.ID), types.ComponentID(ig.cfg.ID), types.TypePlanSubmit, payload)
		msg.EnsureCorrelation()
		ig.engine.HandlePlanSubmit(msg)
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{"submitted": msg.PayloadString("id")})
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{"queue": ig.franks.Queue()})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var payload map[string]any
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
			task := ig.franks.Enqueue(payload)
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, task)
		})
	})

	r.Get("/circuit", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, ig.brk.Snapshot())
	})
	r.Post("/circuit/reset", func(w http.ResponseWriter, req *http.Request) {
		ig.brk.Reset()
		writeJSON(w, ig.brk.Snapshot())
	})

	r.Route("/lightning", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, ig.lightning.Status())
		})
		r.Post("/strike", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Reason string `json:"reason"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			if body.Reason == "" {
				body.Reason = "manual"
			}
			ig.lightning.Strike(body.Reason)
			writeJSON(w, ig.lightning.Status())
		})
		r.Post("/powerdown", func(w http.ResponseWriter, req *http.Request) {
			ig.lightning.PowerDown()
			writeJSON(w, ig.lightning.Status())
		})
		r.Post("/think", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Prompt string `json:"prompt"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Prompt == "" {
				http.Error(w, "prompt required", http.StatusBadRequest)
				return
			}
			ctx, cancel := context.WithTimeout(req.Context(), 60*time.Second)
			defer cancel()
			thought, err := ig.lightning.Think(ctx, body.Prompt)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, map[string]any{"thought": thought})
		})
		r.Get("/history", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{"history": ig.lightning.History()})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
