package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are pushed to /ws clients as {"event": ..., "payload": ...}.
var streamTopics = []events.Event{
	events.EventLiveness,
	events.EventSessionState,
	events.EventExecutionResult,
	events.EventRecovery,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.SubscribeMany(streamTopics, 100)
	defer unsub()

	// Current liveness first so a new client does not wait for the next write.
	if s.Live != nil {
		for _, rec := range s.Live.All() {
			if err := conn.WriteJSON(events.Envelope{Event: events.EventLiveness, Payload: rec}); err != nil {
				return
			}
		}
	}

	// Reader detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case env, ok := <-stream:
			if !ok {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
