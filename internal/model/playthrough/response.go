package playthrough

// TokenResponse is returned when a playthrough token is created.
type TokenResponse struct {
	Token         string `json:"token"`
	PlaythroughID int    `json:"playthroughId"`
}

// ConversationResponse is returned when a conversation is created.
type ConversationResponse struct {
	ConversationID int `json:"conversationId"`
}

// HistoryMessage is one stored turn of a conversation.
type HistoryMessage struct {
	EventID   string  `json:"eventId"`
	Timestamp int64   `json:"timestamp"`
	Type      string  `json:"type"`
	Message   Message `json:"message"`
}

// MessageHistory lists stored turns, oldest first.
type MessageHistory struct {
	Messages []HistoryMessage `json:"messages"`
}

// PlaythroughInfo is a snapshot of the playthrough's emotions and memories.
type PlaythroughInfo struct {
	Emotions []Emotion `json:"emotions"`
	Memories []Memory  `json:"memories"`
}
