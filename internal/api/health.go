package api

import (
	"net/http"
	"time"

	"github.com/triteia/triteia/internal/api/respond"
	"github.com/triteia/triteia/internal/health"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	status func() health.Status
}

func NewHealthHandler(status func() health.Status) *HealthHandler {
	return &HealthHandler{status: status}
}

// CheckHealth answers 200 when every component is up and 503 otherwise.
func (h *HealthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	st := h.status()
	code := http.StatusOK
	if st.Status != "UP" {
		code = http.StatusServiceUnavailable
	}
	respond.WriteJSON(w, code, map[string]interface{}{
		"status":     st.Status,
		"components": st.Components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
