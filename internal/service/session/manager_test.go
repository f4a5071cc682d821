package session

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhouzirui/z-tavern/playthrough/internal/model/playthrough"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/room"
)

const waitTimeout = 2 * time.Second

type sentFrame struct {
	tag     string
	payload any
}

type fakeRoom struct {
	mu       sync.Mutex
	sent     []sentFrame
	handlers room.Handlers
	leaves   int
	listened chan struct{}
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{listened: make(chan struct{})}
}

func (r *fakeRoom) Listen(h room.Handlers) {
	r.mu.Lock()
	r.handlers = h
	r.mu.Unlock()
	close(r.listened)
}

func (r *fakeRoom) Send(tag string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentFrame{tag: tag, payload: payload})
	return nil
}

func (r *fakeRoom) Leave() {
	r.mu.Lock()
	r.leaves++
	r.mu.Unlock()
}

func (r *fakeRoom) Sent() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentFrame, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *fakeRoom) Leaves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaves
}

func (r *fakeRoom) current() room.Handlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers
}

func (r *fakeRoom) deliver(t *testing.T, tag string, payload any) {
	t.Helper()
	frame, err := room.NewFrame(room.JSONCodec{}, tag, payload)
	if err != nil {
		t.Fatalf("NewFrame err: %v", err)
	}
	r.current().OnMessage(frame)
}

type recorder struct {
	ch chan events.Event
}

func record(m *Manager) *recorder {
	rec := &recorder{ch: make(chan events.Event, 32)}
	m.Events().Subscribe(func(e events.Event) { rec.ch <- e })
	return rec
}

func (r *recorder) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("unexpected event %s: %+v", e.Name(), e)
	case <-time.After(50 * time.Millisecond):
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func staticJoiner(r Room, calls *atomic.Int32) Joiner {
	return JoinerFunc(func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
		calls.Add(1)
		return r, nil
	})
}

func newTestManager(joiner Joiner) (*Manager, *syncBuffer) {
	logs := &syncBuffer{}
	m := NewManager(joiner, Options{Logger: log.New(logs, "", 0)})
	return m, logs
}

// connect joins fr and waits until the manager listens on it.
func connect(t *testing.T, m *Manager, rec *recorder, fr *fakeRoom) {
	t.Helper()
	m.Connect("tok", 1)
	if e, ok := rec.next(t).(events.ConnectionChanged); !ok || !e.Connected {
		t.Fatalf("first event = %+v, want ConnectionChanged(true)", e)
	}
	if _, ok := rec.next(t).(events.Ready); !ok {
		t.Fatal("second event is not Ready")
	}
	select {
	case <-fr.listened:
	case <-time.After(waitTimeout):
		t.Fatal("manager never listened on the room")
	}
}

func TestConnectJoinsRoom(t *testing.T) {
	fr := newFakeRoom()
	var gotKind string
	var gotOpts playthrough.JoinOptions
	m, _ := newTestManager(JoinerFunc(func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
		gotKind, gotOpts = kind, opts
		return fr, nil
	}))
	rec := record(m)

	if m.State() != StateIdle {
		t.Fatalf("initial state = %s", m.State())
	}

	connect(t, m, rec, fr)

	if gotKind != DefaultRoomKind || gotOpts.Token != "tok" || gotOpts.PlaythroughID != 1 {
		t.Fatalf("join called with %s %+v", gotKind, gotOpts)
	}
	if m.State() != StateConnected || !m.Connected() {
		t.Fatalf("state = %s connected=%v", m.State(), m.Connected())
	}
}

func TestConnectIgnoredWhileConnecting(t *testing.T) {
	fr := newFakeRoom()
	release := make(chan struct{})
	var calls atomic.Int32
	m, _ := newTestManager(JoinerFunc(func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
		calls.Add(1)
		<-release
		return fr, nil
	}))
	rec := record(m)

	m.Connect("tok", 1)
	if m.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", m.State())
	}
	m.Connect("tok", 1)
	close(release)

	rec.next(t)
	rec.next(t)
	<-fr.listened

	m.Connect("tok", 1)
	rec.none(t)
	if n := calls.Load(); n != 1 {
		t.Fatalf("join calls = %d, want 1", n)
	}
}

func TestConnectRequiresToken(t *testing.T) {
	var calls atomic.Int32
	m, logs := newTestManager(staticJoiner(newFakeRoom(), &calls))

	m.Connect("  ", 1)

	if calls.Load() != 0 || m.State() != StateIdle {
		t.Fatalf("calls=%d state=%s", calls.Load(), m.State())
	}
	if !strings.Contains(logs.String(), "[WARN]") {
		t.Fatalf("expected a warning, logs: %s", logs.String())
	}
}

func TestConnectFailurePublishesError(t *testing.T) {
	m, logs := newTestManager(JoinerFunc(func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
		return nil, &room.JoinError{Kind: kind, Cause: "invalid playthrough token"}
	}))
	rec := record(m)

	m.Connect("tok", 1)

	e, ok := rec.next(t).(events.ErrorReceived)
	if !ok || !strings.Contains(e.Event.Error, "invalid playthrough token") {
		t.Fatalf("event = %+v, want ErrorReceived", e)
	}
	if m.State() != StateIdle || m.Connected() {
		t.Fatalf("state = %s connected=%v", m.State(), m.Connected())
	}
	if !strings.Contains(logs.String(), "[ERROR]") {
		t.Fatalf("expected an error log, logs: %s", logs.String())
	}
}

func TestConnectTimesOut(t *testing.T) {
	m := NewManager(JoinerFunc(func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), Options{JoinTimeout: 20 * time.Millisecond, Logger: log.New(&syncBuffer{}, "", 0)})
	rec := record(m)

	m.Connect("tok", 1)

	if _, ok := rec.next(t).(events.ErrorReceived); !ok {
		t.Fatal("expected ErrorReceived after the join timed out")
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
}

func TestCommandsRequireRoom(t *testing.T) {
	m, logs := newTestManager(staticJoiner(newFakeRoom(), &atomic.Int32{}))
	rec := record(m)

	m.Start(1, StartOptions{})
	m.Action(1, "wave")
	m.Reply(1, "hi")
	m.Resume(1)
	m.Tap(1)

	rec.none(t)
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
	if got := strings.Count(logs.String(), ErrNotConnected.Error()); got != 5 {
		t.Fatalf("warnings = %d, want 5; logs: %s", got, logs.String())
	}
}

func TestStartPayload(t *testing.T) {
	fr := newFakeRoom()
	m, _ := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	connect(t, m, rec, fr)

	m.Start(7, StartOptions{})
	m.Start(8, StartOptions{SceneIndex: 2, StartGraphID: 5, StartGraphReferenceID: "intro", UseSpeech: true})

	sent := fr.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}

	minimal, ok := sent[0].payload.(playthrough.StartPayload)
	if !ok || sent[0].tag != playthrough.CommandStart {
		t.Fatalf("first frame = %s %T", sent[0].tag, sent[0].payload)
	}
	if minimal.ConversationID != 7 || minimal.SceneIndex != nil || minimal.StartGraphID != nil ||
		minimal.StartGraphReferenceID != nil || minimal.SpeechConfig != nil {
		t.Fatalf("minimal start = %+v", minimal)
	}

	full := sent[1].payload.(playthrough.StartPayload)
	if full.SceneIndex == nil || *full.SceneIndex != 2 {
		t.Errorf("sceneIndex = %v", full.SceneIndex)
	}
	if full.StartGraphID == nil || *full.StartGraphID != 5 {
		t.Errorf("startGraphId = %v", full.StartGraphID)
	}
	if full.StartGraphReferenceID == nil || *full.StartGraphReferenceID != "intro" {
		t.Errorf("startGraphReferenceId = %v", full.StartGraphReferenceID)
	}
	if full.SpeechConfig == nil || full.SpeechConfig.Encoding != "ogg" || full.SpeechConfig.Output != "buffer" {
		t.Errorf("speechConfig = %+v", full.SpeechConfig)
	}

	if m.State() != StatePlaying || !m.SpeechEnabled() {
		t.Fatalf("state = %s speech=%v", m.State(), m.SpeechEnabled())
	}
}

func TestCommandPayloads(t *testing.T) {
	fr := newFakeRoom()
	m, _ := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	connect(t, m, rec, fr)

	m.Action(3, "wave")
	m.Reply(3, "hello")
	m.Resume(3)
	m.Tap(3)

	sent := fr.Sent()
	if len(sent) != 4 {
		t.Fatalf("sent %d frames, want 4", len(sent))
	}
	want := []struct {
		tag     string
		payload any
	}{
		{playthrough.CommandAction, playthrough.ActionPayload{ConversationID: 3, Action: "wave"}},
		{playthrough.CommandReply, playthrough.ReplyPayload{ConversationID: 3, Text: "hello"}},
		{playthrough.CommandResume, playthrough.ResumePayload{ConversationID: 3}},
		{playthrough.CommandTap, playthrough.TapPayload{ConversationID: 3}},
	}
	for i, w := range want {
		if sent[i].tag != w.tag || sent[i].payload != w.payload {
			t.Errorf("frame %d = %s %+v, want %s %+v", i, sent[i].tag, sent[i].payload, w.tag, w.payload)
		}
	}
}

func TestSpeechToggle(t *testing.T) {
	fr := newFakeRoom()
	m, _ := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	connect(t, m, rec, fr)

	m.SetSpeech(true)
	m.Reply(1, "with speech")
	m.SetSpeech(false)
	m.Reply(1, "without speech")

	sent := fr.Sent()
	if cfg := sent[0].payload.(playthrough.ReplyPayload).SpeechConfig; cfg == nil || cfg.Encoding != "ogg" {
		t.Fatalf("first reply speechConfig = %+v", cfg)
	}
	if cfg := sent[1].payload.(playthrough.ReplyPayload).SpeechConfig; cfg != nil {
		t.Fatalf("second reply speechConfig = %+v, want nil", cfg)
	}
}

func TestMessageEndStoryReturnsToIdle(t *testing.T) {
	fr := newFakeRoom()
	var calls atomic.Int32
	m, logs := newTestManager(staticJoiner(fr, &calls))
	rec := record(m)
	connect(t, m, rec, fr)

	m.Start(1, StartOptions{})
	fr.deliver(t, playthrough.EventMessage, playthrough.MessageEvent{
		ConversationID: 1,
		Type:           "character",
		EndStory:       true,
		Message: playthrough.Message{
			Text:      "The end.",
			Character: &playthrough.Character{ID: 9, Name: "Narrator"},
		},
	})

	e, ok := rec.next(t).(events.MessageReceived)
	if !ok || e.Event.Message.Text != "The end." || e.Event.Message.CharacterName() != "Narrator" {
		t.Fatalf("event = %+v, want MessageReceived", e)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
	if fr.Leaves() != 0 || !m.Connected() {
		t.Fatalf("room must stay open after the story ends: leaves=%d", fr.Leaves())
	}
	if !strings.Contains(logs.String(), "[session] Narrator: The end.") {
		t.Fatalf("missing transcript line, logs: %s", logs.String())
	}

	m.Connect("tok", 1)
	rec.none(t)
	if calls.Load() != 1 {
		t.Fatalf("join calls = %d, want 1", calls.Load())
	}

	m.Reply(1, "still here")
	if len(fr.Sent()) != 2 {
		t.Fatalf("commands must still reach a live room, sent=%d", len(fr.Sent()))
	}

	// the room left open by endStory is still torn down
	m.Disconnect()
	m.Disconnect()
	if e, ok := rec.next(t).(events.ConnectionChanged); !ok || e.Connected {
		t.Fatalf("event = %+v, want ConnectionChanged(false)", e)
	}
	rec.none(t)
	if fr.Leaves() != 1 || m.Connected() || m.State() != StateIdle {
		t.Fatalf("leaves=%d connected=%v state=%s", fr.Leaves(), m.Connected(), m.State())
	}
}

func TestMessageOutsidePlayingKeepsState(t *testing.T) {
	fr := newFakeRoom()
	m, logs := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	connect(t, m, rec, fr)

	fr.deliver(t, playthrough.EventMessage, playthrough.MessageEvent{EndStory: true, Message: playthrough.Message{Text: "hi"}})

	if _, ok := rec.next(t).(events.MessageReceived); !ok {
		t.Fatal("expected MessageReceived")
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}
	// narration has no speaking character
	if !strings.Contains(logs.String(), "[session] : hi") {
		t.Fatalf("missing narration line, logs: %s", logs.String())
	}
}

func TestTypingAndProblemEvents(t *testing.T) {
	fr := newFakeRoom()
	m, logs := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	connect(t, m, rec, fr)

	fr.deliver(t, playthrough.EventStartTyping, nil)
	fr.deliver(t, playthrough.EventStopTyping, nil)
	fr.deliver(t, playthrough.EventProblem, playthrough.ErrorEvent{Error: "something broke"})
	fr.deliver(t, playthrough.EventStatus, "ok")
	fr.deliver(t, playthrough.EventStatus, nil)

	if e, ok := rec.next(t).(events.TypingChanged); !ok || !e.Typing {
		t.Fatalf("event = %+v, want TypingChanged(true)", e)
	}
	if e, ok := rec.next(t).(events.TypingChanged); !ok || e.Typing {
		t.Fatalf("event = %+v, want TypingChanged(false)", e)
	}
	if e, ok := rec.next(t).(events.ErrorReceived); !ok || e.Event.Error != "something broke" {
		t.Fatalf("event = %+v, want ErrorReceived", e)
	}
	rec.none(t)
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}
	if got := strings.Count(logs.String(), "ready to begin playing"); got != 2 {
		t.Fatalf("status lines = %d, logs: %s", got, logs.String())
	}
	if strings.Contains(logs.String(), "dropping inbound frame") {
		t.Fatalf("status frame was dropped, logs: %s", logs.String())
	}
}

func TestUndecodableFramesAreDropped(t *testing.T) {
	fr := newFakeRoom()
	m, logs := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	connect(t, m, rec, fr)

	fr.deliver(t, playthrough.EventMessage, "not an object")
	fr.deliver(t, "mystery", map[string]int{"x": 1})
	rec.none(t)

	var decodeErr *DecodeError
	frame, _ := room.NewFrame(room.JSONCodec{}, "mystery", nil)
	if _, err := decodeInbound(frame); !errors.As(err, &decodeErr) || !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("decodeInbound err = %v", err)
	}
	if strings.Count(logs.String(), "dropping inbound frame") != 2 {
		t.Fatalf("logs: %s", logs.String())
	}

	fr.deliver(t, playthrough.EventStartTyping, nil)
	if _, ok := rec.next(t).(events.TypingChanged); !ok {
		t.Fatal("room stopped delivering after a bad frame")
	}
}

func TestDisconnect(t *testing.T) {
	fr := newFakeRoom()
	m, _ := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	connect(t, m, rec, fr)

	m.Disconnect()
	if e, ok := rec.next(t).(events.ConnectionChanged); !ok || e.Connected {
		t.Fatalf("event = %+v, want ConnectionChanged(false)", e)
	}

	m.Disconnect()
	fr.current().OnLeave(1000)
	rec.none(t)

	if fr.Leaves() != 1 {
		t.Fatalf("leaves = %d, want 1", fr.Leaves())
	}
	if m.State() != StateIdle || m.Connected() {
		t.Fatalf("state = %s connected=%v", m.State(), m.Connected())
	}

	m.Tap(1)
	if len(fr.Sent()) != 0 {
		t.Fatal("command reached a room after disconnect")
	}
}

func TestDisconnectWhenIdle(t *testing.T) {
	m, _ := newTestManager(staticJoiner(newFakeRoom(), &atomic.Int32{}))
	rec := record(m)

	m.Disconnect()
	rec.none(t)
}

func TestRemoteLeave(t *testing.T) {
	fr := newFakeRoom()
	var calls atomic.Int32
	m, _ := newTestManager(staticJoiner(fr, &calls))
	rec := record(m)
	connect(t, m, rec, fr)
	m.Start(1, StartOptions{})

	fr.current().OnLeave(4000)

	if e, ok := rec.next(t).(events.ConnectionChanged); !ok || e.Connected {
		t.Fatalf("event = %+v, want ConnectionChanged(false)", e)
	}
	if m.State() != StateIdle || m.Connected() {
		t.Fatalf("state = %s connected=%v", m.State(), m.Connected())
	}

	m.Reply(1, "anyone?")
	if len(fr.Sent()) != 1 {
		t.Fatal("command reached a room that left")
	}

	m.Disconnect()
	rec.none(t)
	if fr.Leaves() != 0 {
		t.Fatal("Leave called on a room the server closed")
	}
}

func TestRoomErrorPublishesError(t *testing.T) {
	fr := newFakeRoom()
	m, _ := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	connect(t, m, rec, fr)

	fr.current().OnError(errors.New("websocket: close 4000"))

	if e, ok := rec.next(t).(events.ErrorReceived); !ok || e.Event.Error != "websocket: close 4000" {
		t.Fatalf("event = %+v, want ErrorReceived", e)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}
}

func TestDisconnectCancelsPendingJoin(t *testing.T) {
	joined := make(chan struct{})
	finished := make(chan struct{})
	m, _ := newTestManager(JoinerFunc(func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
		defer close(finished)
		close(joined)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	rec := record(m)

	m.Connect("tok", 1)
	<-joined
	m.Disconnect()

	select {
	case <-finished:
	case <-time.After(waitTimeout):
		t.Fatal("join context was not cancelled")
	}
	rec.none(t)
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
}

func TestStaleJoinLeavesRoom(t *testing.T) {
	fr := newFakeRoom()
	joined := make(chan struct{})
	release := make(chan struct{})
	m, _ := newTestManager(JoinerFunc(func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
		close(joined)
		<-release
		return fr, nil
	}))
	rec := record(m)

	m.Connect("tok", 1)
	<-joined
	m.Disconnect()
	close(release)

	deadline := time.Now().Add(waitTimeout)
	for fr.Leaves() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fr.Leaves() != 1 {
		t.Fatalf("leaves = %d, want 1", fr.Leaves())
	}
	rec.none(t)
	if m.Connected() {
		t.Fatal("stale room became the live room")
	}
}

func TestHandlersInstalledBeforeReady(t *testing.T) {
	fr := newFakeRoom()
	m, _ := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)

	var listening atomic.Bool
	m.Events().Subscribe(func(e events.Event) {
		if _, ok := e.(events.Ready); ok {
			select {
			case <-fr.listened:
				listening.Store(true)
			default:
			}
		}
	})

	connect(t, m, rec, fr)
	if !listening.Load() {
		t.Fatal("Ready published before the room handlers were installed")
	}
}

func TestListenerMayCallBack(t *testing.T) {
	fr := newFakeRoom()
	m, _ := newTestManager(staticJoiner(fr, &atomic.Int32{}))
	rec := record(m)
	m.Events().Subscribe(func(e events.Event) {
		if _, ok := e.(events.Ready); ok {
			m.Disconnect()
		}
	})

	m.Connect("tok", 1)

	if e, ok := rec.next(t).(events.ConnectionChanged); !ok || !e.Connected {
		t.Fatalf("event = %+v, want ConnectionChanged(true)", e)
	}
	if _, ok := rec.next(t).(events.Ready); !ok {
		t.Fatal("expected Ready")
	}
	if e, ok := rec.next(t).(events.ConnectionChanged); !ok || e.Connected {
		t.Fatalf("event = %+v, want ConnectionChanged(false)", e)
	}
	rec.none(t)
	if fr.Leaves() != 1 || m.State() != StateIdle {
		t.Fatalf("leaves=%d state=%s", fr.Leaves(), m.State())
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(nil, Options{})
	if m.roomKind != DefaultRoomKind || m.joinTimeout != DefaultJoinTimeout {
		t.Fatalf("defaults = %s %s", m.roomKind, m.joinTimeout)
	}
	if m.Events() == nil || m.logger == nil {
		t.Fatal("emitter and logger must default")
	}
}
