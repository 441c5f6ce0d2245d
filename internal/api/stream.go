package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/tagtime/internal/prompt"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// The API only listens on localhost; any page the user opens may connect
// once it holds the token.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handlePromptStream pushes prompt events to a websocket client as JSON
// text frames. A client that connects while a prompt is outstanding is sent
// a prompt.opened event for it first.
func handlePromptStream(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Subscribe before the handshake completes so no event published
		// after the client sees the upgrade is lost.
		events, unsubscribe := deps.Prompts.Hub().Subscribe()
		defer unsubscribe()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		send := func(ev prompt.Event) error {
			frame, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			return conn.WriteMessage(websocket.TextMessage, frame)
		}

		if ev, ok := outstandingEvent(deps.Prompts); ok {
			if err := send(ev); err != nil {
				return
			}
		}

		// Clients only ever send control frames; reading keeps pongs and the
		// close handshake flowing.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(streamPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-gone:
				return
			case <-deps.Done:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(2*time.Second))
				writeMu.Unlock()
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := send(ev); err != nil {
					if !errors.Is(err, websocket.ErrCloseSent) {
						deps.Logger.Debug("prompt stream write failed", "error", err)
					}
					return
				}
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}
}

func outstandingEvent(prompts Prompts) (prompt.Event, bool) {
	p, err := prompts.Outstanding()
	if err != nil {
		return prompt.Event{}, false
	}
	payload, err := prompts.Payload(p)
	if err != nil {
		return prompt.Event{}, false
	}
	return prompt.Event{Type: prompt.EventOpened, Prompt: p, Payload: &payload}, true
}
