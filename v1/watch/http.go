// Package watch streams lock events to HTTP clients.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-nklock/v1/syncbus"
)

func subscribe(w http.ResponseWriter, r *http.Request, bus syncbus.Bus) (string, context.CancelFunc, <-chan syncbus.Event, bool) {
	name := r.URL.Query().Get("lock")
	if name == "" {
		http.Error(w, "missing lock", http.StatusBadRequest)
		return "", nil, nil, false
	}
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := bus.Subscribe(ctx, name)
	if err != nil {
		cancel()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return "", nil, nil, false
	}
	return name, cancel, ch, true
}

// SSEHandler streams the events of one lock over Server-Sent Events.
// The lock name is taken from the "lock" query parameter.
func SSEHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		name, cancel, ch, ok := subscribe(w, r, bus)
		if !ok {
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), name, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for ev := range ch {
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams the events of one lock over WebSocket, one JSON
// message per event. The lock name is taken from the "lock" query parameter.
func WebSocketHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, cancel, ch, ok := subscribe(w, r, bus)
		if !ok {
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), name, ch)
		}()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// the client closing its side ends the stream
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()
		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
