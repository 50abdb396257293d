package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/handoff/pkg/httpx"
)

type healthChecks struct {
	Database string `json:"database,omitempty"`
}

type healthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Checks  *healthChecks `json:"checks,omitempty"`
}

// LivezHandler is the liveness probe. It returns 200 whenever the process
// is up, with uptime and version for operators.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := healthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).String(),
			Version: version,
		}
		httpx.WriteJSON(w, http.StatusOK, response)
	}
}
