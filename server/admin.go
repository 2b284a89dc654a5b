package server

import (
	"encoding/json"
	"net/http"
)

// HandleSpaces 列出已激活空间
// GET /admin/spaces
func (r *Registry) HandleSpaces(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spaces": r.Spaces()})
}

// MetricsHandler 输出指定空间的运行指标；不带 space 参数时输出连接层指标与空间列表
// GET /metrics?space=space-1
func (r *Registry) MetricsHandler(conn *ConnMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		spaceID := req.URL.Query().Get("space")
		if spaceID == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"connections": conn.Snapshot(),
				"spaces":      r.Spaces(),
			})
			return
		}
		sp, ok := r.Get(spaceID)
		if !ok {
			http.Error(w, "space not active", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"space":    spaceID,
			"mapId":    sp.Geometry().MapID,
			"sessions": sp.SessionCount(),
			"metrics":  sp.Metrics().Snapshot(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Log.Warnw("writing json response", "error", err)
	}
}
