package playthrough

import "github.com/zhouzirui/z-tavern/playthrough/internal/model/speech"

// Outbound command tags understood by the room.
const (
	CommandAction = "action"
	CommandStart  = "start"
	CommandReply  = "reply"
	CommandResume = "resume"
	CommandTap    = "tap"
)

// JoinOptions is sent once with the matchmaking request.
type JoinOptions struct {
	Token         string `json:"token"`
	PlaythroughID int    `json:"playthroughId"`
}

// ActionPayload triggers a named action in the running scene.
type ActionPayload struct {
	ConversationID int            `json:"conversationId"`
	Action         string         `json:"action"`
	SpeechConfig   *speech.Config `json:"speechConfig,omitempty"`
}

// StartPayload starts a conversation. Zero optionals stay off the wire.
type StartPayload struct {
	ConversationID        int            `json:"conversationId"`
	SceneIndex            *int           `json:"sceneIndex,omitempty"`
	StartGraphID          *int           `json:"startGraphId,omitempty"`
	StartGraphReferenceID *string        `json:"startGraphReferenceId,omitempty"`
	SpeechConfig          *speech.Config `json:"speechConfig,omitempty"`
}

// ReplyPayload carries free text typed by the player.
type ReplyPayload struct {
	ConversationID int            `json:"conversationId"`
	Text           string         `json:"text"`
	SpeechConfig   *speech.Config `json:"speechConfig,omitempty"`
}

// ResumePayload resumes a conversation after reconnecting.
type ResumePayload struct {
	ConversationID int            `json:"conversationId"`
	SpeechConfig   *speech.Config `json:"speechConfig,omitempty"`
}

// TapPayload advances past a tap-to-continue node.
type TapPayload struct {
	ConversationID int            `json:"conversationId"`
	SpeechConfig   *speech.Config `json:"speechConfig,omitempty"`
}
