package bridge

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
)

const (
	defaultHeartbeat = 15 * time.Second
	clientBuffer     = 64
)

// CommandDispatcher applies a named command to the play session.
type CommandDispatcher interface {
	Dispatch(command string, data json.RawMessage) error
}

// Handler 将会话事件推送给浏览器（SSE / WebSocket），并接收命令
type Handler struct {
	events     *events.Emitter
	dispatcher CommandDispatcher
	upgrader   websocket.Upgrader
	heartbeat  time.Duration
}

// New 创建桥接处理器
func New(emitter *events.Emitter, dispatcher CommandDispatcher) *Handler {
	return &Handler{
		events:     emitter,
		dispatcher: dispatcher,
		heartbeat:  defaultHeartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册事件流与WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleEvents)
	r.Get("/ws", h.handleWebSocket)
}

// subscribe forwards published events into a buffered channel. A client that
// falls behind loses events instead of stalling the publisher.
func (h *Handler) subscribe(client string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, clientBuffer)
	unsubscribe := h.events.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("[bridge] [WARN] client %s is behind, dropping %s event", client, e.Name())
		}
	})
	return ch, unsubscribe
}
