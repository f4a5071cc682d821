package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接：推送会话事件，接收命令
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[bridge] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	log.Printf("[bridge] new websocket client=%s", clientID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	eventsCh, unsubscribe := h.subscribe(clientID)
	defer unsubscribe()

	out := make(chan outgoingMessage, 16)
	go h.writeLoop(ctx, cancel, conn, eventsCh, out)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	h.enqueue(ctx, out, "result", map[string]any{
		"type":     "connected",
		"clientId": clientID,
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[bridge] read error client=%s: %v", clientID, err)
			}
			log.Printf("[bridge] websocket closed client=%s", clientID)
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := h.dispatcher.Dispatch(msg.Type, msg.Data); err != nil {
			h.enqueue(ctx, out, "error", map[string]string{
				"command": msg.Type,
				"message": err.Error(),
			})
			continue
		}

		h.enqueue(ctx, out, "result", map[string]string{
			"command": msg.Type,
			"status":  "queued",
		})
	}
}

func (h *Handler) enqueue(ctx context.Context, out chan<- outgoingMessage, kind string, data any) {
	msg := outgoingMessage{
		Type:      kind,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

// writeLoop is the only writer on conn. It stops on the first failed write and
// closes the connection so the read loop returns too.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, eventsCh <-chan events.Event, out <-chan outgoingMessage) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer cancel()

	write := func(msg outgoingMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[bridge] write failed: %v", err)
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-eventsCh:
			if !write(outgoingMessage{Type: "event", Event: e.Name(), Data: e, Timestamp: time.Now().Unix()}) {
				return
			}
		case msg := <-out:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
