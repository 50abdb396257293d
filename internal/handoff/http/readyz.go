package http

import (
	"net/http"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/store"
	"github.com/aussiebroadwan/handoff/pkg/httpx"
)

// ReadyzHandler is the readiness probe. It checks the session store and
// reports 503 when it cannot be reached.
func ReadyzHandler(startTime time.Time, version string, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := &healthChecks{
			Database: "ok",
		}
		overallStatus := "ok"
		statusCode := http.StatusOK

		if err := st.Ping(r.Context()); err != nil {
			checks.Database = "error: " + err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := healthResponse{
			Status:  overallStatus,
			Uptime:  time.Since(startTime).String(),
			Version: version,
			Checks:  checks,
		}
		httpx.WriteJSON(w, statusCode, response)
	}
}
