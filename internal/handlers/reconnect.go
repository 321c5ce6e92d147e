package handlers

import (
	"errors"
	"net/http"

	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/reconnect"
)

// Reconnector is set from main.go during init.
var Reconnector *reconnect.Controller

// GetPeerReconnects returns the reconnect state and event history for a peer.
func GetPeerReconnects(w http.ResponseWriter, r *http.Request) {
	id, ok := peerID(w, r)
	if !ok {
		return
	}
	if _, err := database.GetPeer(id); err != nil {
		writeError(w, http.StatusNotFound, "Peer not found")
		return
	}

	rec, events, err := Reconnector.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read reconnect state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":  rec,
		"events": events,
	})
}

// ForceReconnect starts an operator-requested reconnect attempt. The cooldown
// gate is bypassed; the attempt budget is not.
func ForceReconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := peerID(w, r)
	if !ok {
		return
	}
	peer, err := database.GetPeer(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Peer not found")
		return
	}

	err = Reconnector.Trigger(r.Context(), *peer, "", "operator request", true)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnect started"})
	case errors.Is(err, reconnect.ErrExhausted):
		writeError(w, http.StatusConflict, "Reconnect attempts exhausted; clear the state first")
	case errors.Is(err, reconnect.ErrInProgress):
		writeError(w, http.StatusConflict, "Reconnect already in progress")
	default:
		writeError(w, http.StatusInternalServerError, "Failed to start reconnect")
	}
}

// ClearReconnectState resets a peer's reconnect state to idle, re-arming
// automatic attempts after exhaustion.
func ClearReconnectState(w http.ResponseWriter, r *http.Request) {
	id, ok := peerID(w, r)
	if !ok {
		return
	}
	if _, err := database.GetPeer(id); err != nil {
		writeError(w, http.StatusNotFound, "Peer not found")
		return
	}

	if err := Reconnector.Clear(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear reconnect state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
