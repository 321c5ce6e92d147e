package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/tracker"
)

// Collaborators set from main.go during init.
var (
	Tracker *tracker.Tracker
	Store   *database.Store
)

// peerSummary is one row of the peer list: configuration plus current verdict.
type peerSummary struct {
	database.Peer
	Verdict      string `json:"verdict"`
	VerdictSince string `json:"verdict_since,omitempty"`
}

// ListPeers returns every configured peer with its current verdict.
func ListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := database.ListPeers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list peers")
		return
	}

	summaries := make([]peerSummary, 0, len(peers))
	for _, p := range peers {
		s := peerSummary{Peer: p, Verdict: "unknown"}
		if state, ok := Tracker.Snapshot(p.ID); ok {
			s.Verdict = state.VerdictName
			s.VerdictSince = state.VerdictSince.Format(time.RFC3339)
		}
		summaries = append(summaries, s)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetPeerStatus returns one peer's runtime state and verdict transition
// history.
func GetPeerStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := peerID(w, r)
	if !ok {
		return
	}
	peer, err := database.GetPeer(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Peer not found")
		return
	}

	resp := map[string]interface{}{
		"peer":        peer,
		"transitions": Tracker.Transitions(id),
	}
	if state, ok := Tracker.Snapshot(id); ok {
		resp["state"] = state
	} else if snap, err := Store.GetSnapshot(r.Context(), id); err == nil && snap != nil {
		// Not yet observed since startup; fall back to the durable snapshot.
		resp["state"] = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPeerAlerts returns the alert history for one peer, newest first. The
// limit query parameter caps the result (default 50).
func ListPeerAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := peerID(w, r)
	if !ok {
		return
	}
	if _, err := database.GetPeer(id); err != nil {
		writeError(w, http.StatusNotFound, "Peer not found")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	alerts, err := Store.ListAlerts(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}
