package playthrough

// Inbound message tags pushed by the room.
const (
	EventStatus      = "status"
	EventMessage     = "message"
	EventStartTyping = "start-typing"
	EventStopTyping  = "stop-typing"
	EventProblem     = "problem"
)

// Character is the story character speaking a message.
type Character struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Speech holds synthesized audio returned when a command asked for it.
type Speech struct {
	Audio    []byte  `json:"audio"`
	Duration float64 `json:"duration"`
}

// Message is the content part of a MessageEvent.
// Character and Speech are nil when the server did not send them.
// Media (animations, audio tracks, image layers) is passed through untyped.
type Message struct {
	Text      string            `json:"text"`
	Character *Character        `json:"character,omitempty"`
	Speech    *Speech           `json:"speech,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Media     map[string]any    `json:"media,omitempty"`
}

// CharacterName returns the speaking character's name, or "" for narration.
func (m Message) CharacterName() string {
	if m.Character == nil {
		return ""
	}
	return m.Character.Name
}

// Emotion describes a character's current mood towards the player.
type Emotion struct {
	ID                 int     `json:"id"`
	Name               string  `json:"name"`
	Avatar             string  `json:"avatar,omitempty"`
	MoodPositivity     float64 `json:"moodPositivity"`
	MoodEnergy         float64 `json:"moodEnergy"`
	PlayerRelationship float64 `json:"playerRelationship"`
}

// Memory is a playthrough memory slot. SaveValue is nil until something was saved.
type Memory struct {
	ID          int     `json:"id"`
	RecallValue string  `json:"recallValue"`
	SaveValue   *string `json:"saveValue,omitempty"`
}

// MessageEvent is the payload of the "message" tag.
type MessageEvent struct {
	ConversationID int       `json:"conversationId"`
	Type           string    `json:"type"`
	Timestamp      int64     `json:"timestamp"`
	EventID        string    `json:"eventId,omitempty"`
	EndStory       bool      `json:"endStory"`
	TapToContinue  bool      `json:"tapToContinue"`
	Path           []string  `json:"path,omitempty"`
	Message        Message   `json:"message"`
	Emotions       []Emotion `json:"emotions,omitempty"`
	Memories       []Memory  `json:"memories,omitempty"`
}

// ErrorEvent is the payload of the "problem" tag.
type ErrorEvent struct {
	Error string `json:"error"`
}
