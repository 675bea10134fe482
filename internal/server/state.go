package server

import (
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/mcpgate/internal/registry"
	"github.com/gaspardpetit/mcpgate/internal/serverstate"
)

type stateView struct {
	serverstate.State
	Tools     int `json:"tools"`
	Resources int `json:"resources"`
	Prompts   int `json:"prompts"`
}

// healthHandler reports readiness; a draining gateway answers 503 so load
// balancers stop routing new sessions to it.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	st := serverstate.Snapshot()
	code := http.StatusOK
	if st.Draining || st.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// stateHandler summarizes the gateway: readiness plus catalogue sizes.
func stateHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stateView{
			State:     serverstate.Snapshot(),
			Tools:     len(reg.Tools()),
			Resources: len(reg.Resources()),
			Prompts:   len(reg.Prompts()),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
