package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/wgwarden/wgwarden/internal/engine"
)

// Hub is set from main.go during init.
var Hub *engine.Hub

// eventWriteTimeout bounds one websocket write so a stalled client cannot
// pin the handler.
const eventWriteTimeout = 5 * time.Second

// EventsWS streams engine events (verdict transitions, endpoint changes,
// reconnect activity) to the client as JSON text frames.
func EventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin enforcement happens at the proxy tier
	})
	if err != nil {
		log.Printf("Event stream accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := Hub.Subscribe()
	defer cancel()

	ctx := r.Context()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case env, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				log.Printf("Cannot encode event: %v", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
