// Package roomtest provides an in-process room server for tests.
package roomtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/playthrough/internal/model/playthrough"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/room"
)

// RejectedToken is refused by the matchmaker with a 401.
const RejectedToken = "rejected-token"

// Received is a frame the server read from a client.
type Received struct {
	Tag     string
	Payload []byte
	codec   room.Codec
}

// Decode unmarshals the received payload.
func (r Received) Decode(v any) error {
	return r.codec.Unmarshal(r.Payload, v)
}

// Server is a matchmaker plus room socket endpoint.
type Server struct {
	httpServer *httptest.Server
	codec      room.Codec
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	joins []playthrough.JoinOptions
	conns []*websocket.Conn
	kinds map[string]bool

	frames chan Received
	opened chan struct{}
	closed chan struct{}
}

// NewServer starts a server accepting the given room kinds.
func NewServer(codec room.Codec, kinds ...string) *Server {
	if len(kinds) == 0 {
		kinds = []string{"chat"}
	}
	s := &Server{
		codec:  codec,
		kinds:  make(map[string]bool, len(kinds)),
		frames: make(chan Received, 64),
		opened: make(chan struct{}, 16),
		closed: make(chan struct{}, 16),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, kind := range kinds {
		s.kinds[kind] = true
	}

	r := chi.NewRouter()
	r.Post("/matchmake/joinOrCreate/{kind}", s.handleMatchmake)
	r.Get("/{processID}/{roomID}", s.handleSocket)
	s.httpServer = httptest.NewServer(r)
	return s
}

// URL returns the ws:// endpoint of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

// Close shuts the server and every open socket down.
func (s *Server) Close() {
	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.httpServer.Close()
}

// Joins returns the join options received so far.
func (s *Server) Joins() []playthrough.JoinOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]playthrough.JoinOptions, len(s.joins))
	copy(out, s.joins)
	return out
}

// Frames delivers frames read from clients.
func (s *Server) Frames() <-chan Received { return s.frames }

// Opened receives a value each time a room socket is accepted.
func (s *Server) Opened() <-chan struct{} { return s.opened }

// Closed receives a value each time a room socket read loop ends.
func (s *Server) Closed() <-chan struct{} { return s.closed }

// Push sends a frame to every open socket.
func (s *Server) Push(tag string, payload any) error {
	data, err := s.codec.EncodeFrame(tag, payload)
	if err != nil {
		return err
	}
	return s.write(s.codec.MessageType(), data)
}

// PushRaw sends bytes as-is, bypassing the codec.
func (s *Server) PushRaw(messageType int, data []byte) error {
	return s.write(messageType, data)
}

// Kick closes every open socket with the given close code.
func (s *Server) Kick(code int) {
	msg := websocket.FormatCloseMessage(code, "kicked")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	s.conns = nil
}

func (s *Server) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if err := conn.WriteMessage(messageType, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleMatchmake(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	var opts playthrough.JoinOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respond(w, http.StatusBadRequest, map[string]any{"code": 4210, "error": "invalid options"})
		return
	}

	if !s.kinds[kind] {
		respond(w, http.StatusBadRequest, map[string]any{"code": 4210, "error": "no handler for room kind " + kind})
		return
	}
	if opts.Token == RejectedToken {
		respond(w, http.StatusUnauthorized, map[string]any{"code": 4215, "error": "invalid playthrough token"})
		return
	}

	s.mu.Lock()
	s.joins = append(s.joins, opts)
	s.mu.Unlock()

	respond(w, http.StatusOK, map[string]any{
		"room": map[string]string{
			"roomId":    uuid.NewString(),
			"processId": "proc",
			"name":      kind,
		},
		"sessionId": uuid.NewString(),
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("sessionId") == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.opened <- struct{}{}

	defer func() {
		s.mu.Lock()
		for i, c := range s.conns {
			if c == conn {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		conn.Close()
		s.closed <- struct{}{}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		tag, payload, err := s.codec.DecodeFrame(data)
		if err != nil {
			continue
		}
		s.frames <- Received{Tag: tag, Payload: payload, codec: s.codec}
	}
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
