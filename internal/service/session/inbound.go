package session

import (
	"github.com/zhouzirui/z-tavern/playthrough/internal/model/playthrough"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/room"
)

// inbound is the closed set of messages a room can deliver.
type inbound interface {
	inbound()
}

type statusSignal struct{}

type messageSignal struct {
	event playthrough.MessageEvent
}

type typingSignal struct {
	typing bool
}

type problemSignal struct {
	event playthrough.ErrorEvent
}

func (statusSignal) inbound()  {}
func (messageSignal) inbound() {}
func (typingSignal) inbound()  {}
func (problemSignal) inbound() {}

// decodeInbound turns a frame into its typed message in one step.
func decodeInbound(f room.Frame) (inbound, error) {
	switch f.Type {
	case playthrough.EventStatus:
		// status bodies are informational only
		return statusSignal{}, nil

	case playthrough.EventMessage:
		var event playthrough.MessageEvent
		if err := f.Decode(&event); err != nil {
			return nil, &DecodeError{Tag: f.Type, Err: err}
		}
		return messageSignal{event: event}, nil

	case playthrough.EventStartTyping:
		return typingSignal{typing: true}, nil

	case playthrough.EventStopTyping:
		return typingSignal{typing: false}, nil

	case playthrough.EventProblem:
		var event playthrough.ErrorEvent
		if err := f.Decode(&event); err != nil {
			return nil, &DecodeError{Tag: f.Type, Err: err}
		}
		return problemSignal{event: event}, nil

	default:
		return nil, &DecodeError{Tag: f.Type, Err: ErrUnknownTag}
	}
}
