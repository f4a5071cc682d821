package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/playthrough/internal/model/playthrough"
	"github.com/zhouzirui/z-tavern/playthrough/internal/model/speech"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/room"
)

const (
	DefaultRoomKind    = "chat"
	DefaultJoinTimeout = 15 * time.Second
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	RoomKind    string
	JoinTimeout time.Duration
	Emitter     *events.Emitter
	Logger      *log.Logger
}

// StartOptions are the optional parts of a start command.
// Zero values are left out of the wire payload.
type StartOptions struct {
	SceneIndex            int
	StartGraphID          int
	StartGraphReferenceID string
	UseSpeech             bool
}

// Manager owns at most one room and drives the play-session state machine.
//
// Commands never block on the room beyond writing one frame and never
// return errors: failures are logged, and where observers care, published.
// Events are queued while the state lock is held and delivered after it is
// released, so their order always matches the order of state transitions and
// listeners may call back into the Manager.
type Manager struct {
	joiner      Joiner
	emitter     *events.Emitter
	logger      *log.Logger
	roomKind    string
	joinTimeout time.Duration

	mu            sync.Mutex
	state         State
	speechEnabled bool
	room          Room
	joinSeq       uint64
	cancelJoin    context.CancelFunc

	outbox   []events.Event
	draining bool
}

// NewManager creates an idle manager that joins rooms through joiner.
func NewManager(joiner Joiner, opts Options) *Manager {
	m := &Manager{
		joiner:      joiner,
		emitter:     opts.Emitter,
		logger:      opts.Logger,
		roomKind:    strings.TrimSpace(opts.RoomKind),
		joinTimeout: opts.JoinTimeout,
	}
	if m.emitter == nil {
		m.emitter = events.NewEmitter()
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	if m.roomKind == "" {
		m.roomKind = DefaultRoomKind
	}
	if m.joinTimeout <= 0 {
		m.joinTimeout = DefaultJoinTimeout
	}
	return m
}

// Events returns the emitter the manager publishes to.
func (m *Manager) Events() *events.Emitter {
	return m.emitter
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SpeechEnabled reports whether commands currently ask for speech.
func (m *Manager) SpeechEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speechEnabled
}

// Connected reports whether a room is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room != nil
}

// SetSpeech switches speech synthesis on or off for subsequent commands.
func (m *Manager) SetSpeech(enabled bool) {
	m.mu.Lock()
	m.speechEnabled = enabled
	m.mu.Unlock()
}

// Connect starts joining the room for a playthrough. It returns immediately;
// the outcome is published as ConnectionChanged+Ready or ErrorReceived.
// Calling it while a join is pending or a room is live does nothing.
func (m *Manager) Connect(token string, playthroughID int) {
	if strings.TrimSpace(token) == "" {
		m.logger.Printf("[session] [WARN] connect ignored: token is required")
		return
	}

	m.mu.Lock()
	if m.state != StateIdle || m.room != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.joinSeq++
	seq := m.joinSeq
	ctx, cancel := context.WithTimeout(context.Background(), m.joinTimeout)
	m.cancelJoin = cancel
	kind := m.roomKind
	m.mu.Unlock()

	m.logger.Printf("[session] connecting to %s room playthrough=%d", kind, playthroughID)
	go m.join(ctx, cancel, seq, kind, playthrough.JoinOptions{Token: token, PlaythroughID: playthroughID})
}

func (m *Manager) join(ctx context.Context, cancel context.CancelFunc, seq uint64, kind string, opts playthrough.JoinOptions) {
	defer cancel()

	r, err := m.joiner.JoinOrCreate(ctx, kind, opts)

	m.mu.Lock()
	if seq != m.joinSeq || m.state != StateConnecting {
		m.mu.Unlock()
		if r != nil {
			m.logger.Printf("[session] leaving room joined after disconnect")
			r.Leave()
		}
		return
	}
	m.cancelJoin = nil

	if err != nil {
		m.state = StateIdle
		m.enqueue(events.ErrorReceived{Event: playthrough.ErrorEvent{Error: err.Error()}})
		m.mu.Unlock()

		m.logger.Printf("[session] [ERROR] connect failed: %v", err)
		m.drain()
		return
	}

	m.room = r
	m.state = StateConnected
	m.enqueue(events.ConnectionChanged{Connected: true}, events.Ready{})
	m.mu.Unlock()

	// handlers go in before Ready is observed; frames that race the drain
	// queue behind the connection events in the outbox
	r.Listen(room.Handlers{
		OnMessage: func(f room.Frame) { m.handleFrame(r, f) },
		OnLeave:   func(code int) { m.handleLeave(r, code) },
		OnError:   func(err error) { m.handleRoomError(r, err) },
	})

	m.logger.Printf("[session] connected")
	m.drain()
}

// Disconnect leaves the live room, if any, and returns to Idle. A pending
// join is cancelled. Safe to call from any state, any number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	r := m.room
	m.room = nil
	if m.cancelJoin != nil {
		m.cancelJoin()
		m.cancelJoin = nil
	}
	m.joinSeq++
	m.state = StateIdle
	if r != nil {
		m.enqueue(events.ConnectionChanged{Connected: false})
	}
	m.mu.Unlock()

	if r != nil {
		r.Leave()
		m.logger.Printf("[session] disconnected")
	}
	m.drain()
}

// Start begins a conversation and moves the session to Playing.
func (m *Manager) Start(conversationID int, opts StartOptions) {
	m.mu.Lock()
	r := m.room
	if r == nil {
		m.mu.Unlock()
		m.reject(playthrough.CommandStart)
		return
	}

	m.speechEnabled = opts.UseSpeech
	m.state = StatePlaying

	payload := playthrough.StartPayload{
		ConversationID: conversationID,
		SpeechConfig:   m.speechConfigLocked(),
	}
	if opts.SceneIndex != 0 {
		sceneIndex := opts.SceneIndex
		payload.SceneIndex = &sceneIndex
	}
	if opts.StartGraphID != 0 {
		graphID := opts.StartGraphID
		payload.StartGraphID = &graphID
	}
	if opts.StartGraphReferenceID != "" {
		referenceID := opts.StartGraphReferenceID
		payload.StartGraphReferenceID = &referenceID
	}
	m.mu.Unlock()

	m.send(r, playthrough.CommandStart, payload)
}

// Action triggers a named action in the current scene.
func (m *Manager) Action(conversationID int, action string) {
	m.command(playthrough.CommandAction, func(cfg *speech.Config) any {
		return playthrough.ActionPayload{ConversationID: conversationID, Action: action, SpeechConfig: cfg}
	})
}

// Reply sends text typed by the player.
func (m *Manager) Reply(conversationID int, text string) {
	m.command(playthrough.CommandReply, func(cfg *speech.Config) any {
		return playthrough.ReplyPayload{ConversationID: conversationID, Text: text, SpeechConfig: cfg}
	})
}

// Resume continues a conversation, typically after reconnecting.
func (m *Manager) Resume(conversationID int) {
	m.command(playthrough.CommandResume, func(cfg *speech.Config) any {
		return playthrough.ResumePayload{ConversationID: conversationID, SpeechConfig: cfg}
	})
}

// Tap advances past a tap-to-continue message.
func (m *Manager) Tap(conversationID int) {
	m.command(playthrough.CommandTap, func(cfg *speech.Config) any {
		return playthrough.TapPayload{ConversationID: conversationID, SpeechConfig: cfg}
	})
}

func (m *Manager) command(tag string, build func(cfg *speech.Config) any) {
	m.mu.Lock()
	r := m.room
	if r == nil {
		m.mu.Unlock()
		m.reject(tag)
		return
	}
	payload := build(m.speechConfigLocked())
	m.mu.Unlock()

	m.send(r, tag, payload)
}

func (m *Manager) send(r Room, tag string, payload any) {
	if err := r.Send(tag, payload); err != nil {
		m.logger.Printf("[session] [ERROR] send %s failed: %v", tag, err)
	}
}

func (m *Manager) reject(tag string) {
	m.logger.Printf("[session] [WARN] %s dropped: %v", tag, ErrNotConnected)
}

func (m *Manager) speechConfigLocked() *speech.Config {
	if !m.speechEnabled {
		return nil
	}
	cfg := speech.DefaultConfig()
	return &cfg
}

func (m *Manager) handleFrame(r Room, f room.Frame) {
	msg, err := decodeInbound(f)
	if err != nil {
		m.logger.Printf("[session] [ERROR] dropping inbound frame: %v", err)
		return
	}

	m.mu.Lock()
	if m.room != r {
		m.mu.Unlock()
		return
	}

	switch msg := msg.(type) {
	case statusSignal:
		m.mu.Unlock()
		m.logger.Printf("[session] ready to begin playing")
		return

	case messageSignal:
		if msg.event.EndStory && m.state == StatePlaying {
			m.state = StateIdle
		}
		m.enqueue(events.MessageReceived{Event: msg.event})
		m.mu.Unlock()
		m.logger.Printf("[session] %s: %s", msg.event.Message.CharacterName(), msg.event.Message.Text)

	case typingSignal:
		m.enqueue(events.TypingChanged{Typing: msg.typing})
		m.mu.Unlock()

	case problemSignal:
		m.enqueue(events.ErrorReceived{Event: msg.event})
		m.mu.Unlock()
		m.logger.Printf("[session] [ERROR] %s", msg.event.Error)

	default:
		m.mu.Unlock()
	}

	m.drain()
}

func (m *Manager) handleLeave(r Room, code int) {
	m.mu.Lock()
	if m.room != r {
		m.mu.Unlock()
		return
	}
	m.room = nil
	m.state = StateIdle
	m.enqueue(events.ConnectionChanged{Connected: false})
	m.mu.Unlock()

	m.logger.Printf("[session] disconnected by server code=%d", code)
	m.drain()
}

func (m *Manager) handleRoomError(r Room, err error) {
	m.mu.Lock()
	if m.room != r {
		m.mu.Unlock()
		return
	}
	m.enqueue(events.ErrorReceived{Event: playthrough.ErrorEvent{Error: err.Error()}})
	m.mu.Unlock()

	m.logger.Printf("[session] [ERROR] room error: %v", err)
	m.drain()
}

// enqueue must be called with m.mu held.
func (m *Manager) enqueue(evs ...events.Event) {
	m.outbox = append(m.outbox, evs...)
}

// drain publishes queued events. Only one goroutine drains at a time; events
// queued meanwhile, including by listeners, are picked up by that goroutine.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.outbox) > 0 {
		event := m.outbox[0]
		m.outbox = m.outbox[1:]
		m.mu.Unlock()
		m.emitter.Publish(event)
		m.mu.Lock()
	}
	m.outbox = nil
	m.draining = false
	m.mu.Unlock()
}
