package room

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRoomClosed is returned by Send after the room has been left.
var ErrRoomClosed = errors.New("room is closed")

// Handlers receive everything a room delivers. Nil handlers are skipped.
// All of them run on the room's read goroutine.
type Handlers struct {
	OnMessage func(Frame)
	OnLeave   func(code int)
	OnError   func(err error)
}

// Room is a live connection to one server-side room instance.
type Room struct {
	ID        string
	Kind      string
	SessionID string

	conn    *websocket.Conn
	codec   Codec
	options *ClientOptions
	logger  *log.Logger

	writeMu sync.Mutex

	handlersMu sync.Mutex
	handlers   Handlers

	listenOnce sync.Once
	listening  atomic.Bool
	leaving    atomic.Bool
	leaveOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

func newRoom(conn *websocket.Conn, kind string, reservation *Reservation, options *ClientOptions) *Room {
	return &Room{
		ID:        reservation.Room.RoomID,
		Kind:      kind,
		SessionID: reservation.SessionID,
		conn:      conn,
		codec:     options.Codec,
		options:   options,
		logger:    options.Logger,
		done:      make(chan struct{}),
	}
}

// Listen installs handlers and starts delivering frames. Only the first call
// has any effect; calling it on a room that was already left is a no-op.
func (r *Room) Listen(h Handlers) {
	r.listenOnce.Do(func() {
		r.handlersMu.Lock()
		r.handlers = h
		r.handlersMu.Unlock()

		select {
		case <-r.done:
			return
		default:
		}

		r.listening.Store(true)

		r.conn.SetReadDeadline(time.Now().Add(r.options.ReadTimeout))
		r.conn.SetPongHandler(func(string) error {
			r.conn.SetReadDeadline(time.Now().Add(r.options.ReadTimeout))
			return nil
		})

		go r.readLoop()
		go r.pingLoop()
	})
}

// Send encodes payload under tag and writes it to the socket.
func (r *Room) Send(tag string, payload any) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	if r.leaving.Load() {
		return ErrRoomClosed
	}

	data, err := r.codec.EncodeFrame(tag, payload)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.conn.SetWriteDeadline(time.Now().Add(r.options.WriteTimeout))
	if err := r.conn.WriteMessage(r.codec.MessageType(), data); err != nil {
		return fmt.Errorf("send %s: %w", tag, err)
	}
	return nil
}

// Leave closes the room gracefully. OnLeave fires once the socket is gone;
// if the room never started listening it fires immediately.
func (r *Room) Leave() {
	r.leaveOnce.Do(func() {
		r.leaving.Store(true)

		select {
		case <-r.done:
			return
		default:
		}

		r.writeMu.Lock()
		deadline := time.Now().Add(r.options.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
		if err := r.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			r.logger.Printf("[room] close frame failed room=%s: %v", r.ID, err)
		}
		r.writeMu.Unlock()

		r.conn.Close()

		if !r.listening.Load() {
			r.finish(websocket.CloseNormalClosure)
		}
	})
}

// Done is closed once the room has fully shut down.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) currentHandlers() Handlers {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	return r.handlers
}

func (r *Room) readLoop() {
	code := websocket.CloseNormalClosure
	defer func() {
		r.conn.Close()
		r.finish(code)
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			} else if !r.leaving.Load() {
				code = websocket.CloseAbnormalClosure
			}

			if !r.leaving.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("[room] read error room=%s: %v", r.ID, err)
				if h := r.currentHandlers(); h.OnError != nil {
					h.OnError(err)
				}
			}
			return
		}

		r.conn.SetReadDeadline(time.Now().Add(r.options.ReadTimeout))

		frame, err := parseFrame(r.codec, data)
		if err != nil {
			r.logger.Printf("[room] dropping undecodable frame room=%s: %v", r.ID, err)
			continue
		}

		if h := r.currentHandlers(); h.OnMessage != nil {
			h.OnMessage(frame)
		}
	}
}

// pingLoop 定期发送ping消息
func (r *Room) pingLoop() {
	ticker := time.NewTicker(r.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.options.WriteTimeout))
			r.writeMu.Unlock()
			if err != nil {
				// the read loop sees the broken socket and finishes the room
				return
			}
		}
	}
}

func (r *Room) finish(code int) {
	r.finishOnce.Do(func() {
		close(r.done)
		r.logger.Printf("[room] left room=%s code=%d", r.ID, code)
		if h := r.currentHandlers(); h.OnLeave != nil {
			h.OnLeave(code)
		}
	})
}
