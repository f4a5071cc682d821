package events

import "github.com/zhouzirui/z-tavern/playthrough/internal/model/playthrough"

// Event is anything the session or gateway publishes to observers.
type Event interface {
	// Name is the stable event name used on the bridge streams.
	Name() string
}

// ConnectionChanged reports the room connection going up or down.
type ConnectionChanged struct {
	Connected bool `json:"connected"`
}

// Ready follows ConnectionChanged{true} once the room can accept commands.
type Ready struct{}

// TypingChanged reports the server starting or stopping a reply.
type TypingChanged struct {
	Typing bool `json:"typing"`
}

// MessageReceived carries a decoded "message" event.
type MessageReceived struct {
	Event playthrough.MessageEvent `json:"event"`
}

// ErrorReceived carries a "problem" event or a local connection failure.
type ErrorReceived struct {
	Event playthrough.ErrorEvent `json:"event"`
}

// TokenCreated is published after a playthrough token was issued.
type TokenCreated struct {
	Token         string `json:"token"`
	PlaythroughID int    `json:"playthroughId"`
}

// ConversationCreated is published after a conversation was created.
type ConversationCreated struct {
	ConversationID int `json:"conversationId"`
}

// MessageHistoryLoaded is published after the message history was fetched.
type MessageHistoryLoaded struct {
	History playthrough.MessageHistory `json:"history"`
}

// PlaythroughInfoLoaded is published after the playthrough info was fetched.
type PlaythroughInfoLoaded struct {
	Info playthrough.PlaythroughInfo `json:"info"`
}

func (ConnectionChanged) Name() string     { return "connection" }
func (Ready) Name() string                 { return "ready" }
func (TypingChanged) Name() string         { return "typing" }
func (MessageReceived) Name() string       { return "message" }
func (ErrorReceived) Name() string         { return "error" }
func (TokenCreated) Name() string          { return "token" }
func (ConversationCreated) Name() string   { return "conversation" }
func (MessageHistoryLoaded) Name() string  { return "message-history" }
func (PlaythroughInfoLoaded) Name() string { return "playthrough-info" }
