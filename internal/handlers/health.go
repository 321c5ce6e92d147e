package handlers

import (
	"net/http"
	"time"

	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/engine"
)

// Engine is set from main.go during init. Health reporting degrades
// gracefully when it is nil (e.g. in tests that only exercise the API).
var Engine *engine.Engine

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if Engine != nil {
		statusTick, resolveTick := Engine.CycleTimes()
		resp["last_status_cycle"] = tickString(statusTick)
		resp["last_resolve_cycle"] = tickString(resolveTick)
	}

	writeJSON(w, http.StatusOK, resp)
}

func tickString(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
