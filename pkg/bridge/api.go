package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/barrhawk/fleetbridge/pkg/metrics"
)

// routes assembles the hub's HTTP surface: the WebSocket ingress, the
// read-only JSON control endpoints, and the admin POSTs
func (b *Bridge) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", b.handleWS)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Get("/components", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"components":  b.registry.Snapshot(),
			"connections": b.conns.Snapshot(),
		})
	})

	r.Get("/messages", func(w http.ResponseWriter, req *http.Request) {
		k := queryInt(req, "limit", 100)
		writeJSON(w, map[string]any{"messages": b.msgLog.Recent(k)})
	})

	r.Get("/dlq", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"letters": b.dlq.Letters(),
			"stats":   b.dlq.Stats(),
		})
	})

	r.Get("/circuits", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"circuits": b.breakers.Snapshot()})
	})

	r.Get("/rate-limits", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"buckets": b.limiter.Snapshot()})
	})

	r.Get("/debug/state", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, b.debugState())
	})

	r.Post("/admin/kick/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if _, ok := b.conns.Get(id); !ok {
			http.Error(w, "connection not found", http.StatusNotFound)
			return
		}
		b.conns.Kick(id, "admin")
		writeJSON(w, map[string]any{"kicked": id})
	})

	r.Post("/admin/circuit/reset/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if !b.breakers.Reset(name) {
			http.Error(w, "circuit not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"reset": name})
	})

	r.Route("/doctors", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{"doctors": b.doctors.List()})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Specialization string `json:"specialization"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			d, err := b.doctors.Spawn(body.Specialization)
			if err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, d)
		})
		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			d, ok := b.doctors.Get(chi.URLParam(req, "id"))
			if !ok {
				http.Error(w, "doctor not found", http.StatusNotFound)
				return
			}
			writeJSON(w, d)
		})
		r.Post("/{id}/kill", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			if err := b.doctors.Kill(id, "admin"); err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, map[string]any{"killing": id})
		})
		r.Post("/kill-all", func(w http.ResponseWriter, req *http.Request) {
			remaining := b.doctors.KillAll("admin")
			writeJSON(w, map[string]any{"remaining": remaining})
		})
	})

	r.Route("/reports", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			k := queryInt(req, "limit", 100)
			writeJSON(w, map[string]any{"reports": b.reports.Recent(k)})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var report Report
			if err := json.NewDecoder(req.Body).Decode(&report); err != nil {
				http.Error(w, "invalid report body", http.StatusBadRequest)
				return
			}
			b.reports.Append(&report)
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, report)
		})
		r.Get("/plan/{id}", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{"reports": b.reports.ByPlan(chi.URLParam(req, "id"))})
		})
		r.Get("/summary/{id}", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, b.reports.Summary(chi.URLParam(req, "id")))
		})
	})

	r.Post("/screenshots", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			PlanID    string `json:"planId"`
			StepIndex int    `json:"stepIndex"`
			Data      string `json:"data"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid screenshot body", http.StatusBadRequest)
			return
		}
		report, err := b.reports.SubmitScreenshot(body.PlanID, body.StepIndex, body.Data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, report)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
