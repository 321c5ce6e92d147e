package handlers

import (
	"net/http"
	"strconv"

	"github.com/wgwarden/wgwarden/internal/logging"
)

// GetServerLogs returns the tail of the engine log file. The lines query
// parameter caps the tail length (default 200, max 2000).
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
	}
	if lines > 2000 {
		lines = 2000
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read log file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}
