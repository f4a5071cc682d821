package playthrough

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/z-tavern/playthrough/internal/service/session"
)

// Bridge command names, shared by the REST routes and the websocket bridge.
const (
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
	CommandStart      = "start"
	CommandAction     = "action"
	CommandReply      = "reply"
	CommandResume     = "resume"
	CommandTap        = "tap"
	CommandSpeech     = "speech"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidPayload = errors.New("invalid request body")
)

// ConnectRequest 连接请求
type ConnectRequest struct {
	Token         string `json:"token"`
	PlaythroughID int    `json:"playthroughId"`
}

// StartRequest 开始对话请求
type StartRequest struct {
	ConversationID        int    `json:"conversationId"`
	SceneIndex            int    `json:"sceneIndex,omitempty"`
	StartGraphID          int    `json:"startGraphId,omitempty"`
	StartGraphReferenceID string `json:"startGraphReferenceId,omitempty"`
	UseSpeech             bool   `json:"useSpeech,omitempty"`
}

// ActionRequest 触发动作请求
type ActionRequest struct {
	ConversationID int    `json:"conversationId"`
	Action         string `json:"action"`
}

// ReplyRequest 玩家回复请求
type ReplyRequest struct {
	ConversationID int    `json:"conversationId"`
	Text           string `json:"text"`
}

// ConversationRequest is the body of resume and tap.
type ConversationRequest struct {
	ConversationID int `json:"conversationId"`
}

// SpeechRequest 语音开关请求
type SpeechRequest struct {
	Enabled bool `json:"enabled"`
}

// Dispatcher applies bridge commands to a session manager.
type Dispatcher struct {
	sessions *session.Manager
}

// NewDispatcher creates a dispatcher for sessions.
func NewDispatcher(sessions *session.Manager) *Dispatcher {
	return &Dispatcher{sessions: sessions}
}

// Dispatch decodes data for command and hands it to the manager. It only
// reports malformed input; the outcome of the command arrives as events.
func (d *Dispatcher) Dispatch(command string, data json.RawMessage) error {
	switch command {
	case CommandConnect:
		var req ConnectRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		if strings.TrimSpace(req.Token) == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidPayload)
		}
		d.sessions.Connect(req.Token, req.PlaythroughID)

	case CommandDisconnect:
		d.sessions.Disconnect()

	case CommandStart:
		var req StartRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		d.sessions.Start(req.ConversationID, session.StartOptions{
			SceneIndex:            req.SceneIndex,
			StartGraphID:          req.StartGraphID,
			StartGraphReferenceID: req.StartGraphReferenceID,
			UseSpeech:             req.UseSpeech,
		})

	case CommandAction:
		var req ActionRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		if strings.TrimSpace(req.Action) == "" {
			return fmt.Errorf("%w: action is required", ErrInvalidPayload)
		}
		d.sessions.Action(req.ConversationID, req.Action)

	case CommandReply:
		var req ReplyRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		d.sessions.Reply(req.ConversationID, req.Text)

	case CommandResume:
		var req ConversationRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		d.sessions.Resume(req.ConversationID)

	case CommandTap:
		var req ConversationRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		d.sessions.Tap(req.ConversationID)

	case CommandSpeech:
		var req SpeechRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		d.sessions.SetSpeech(req.Enabled)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	return nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
