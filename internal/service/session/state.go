package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/z-tavern/playthrough/internal/model/playthrough"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/room"
)

var (
	ErrNotConnected = errors.New("must be connected before sending events")
	ErrUnknownTag   = errors.New("unknown message tag")
)

// DecodeError reports an inbound frame whose payload could not be decoded.
type DecodeError struct {
	Tag string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// State is the play-session state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name on the bridge endpoints.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Room is the live channel the manager owns while connected.
type Room interface {
	Listen(h room.Handlers)
	Send(tag string, payload any) error
	Leave()
}

// Joiner performs the matchmaking join-or-create exchange.
type Joiner interface {
	JoinOrCreate(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error)
}

// JoinerFunc adapts a function to Joiner.
type JoinerFunc func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error)

func (f JoinerFunc) JoinOrCreate(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
	return f(ctx, kind, opts)
}

// ClientJoiner joins rooms through a room.Client.
func ClientJoiner(client *room.Client) Joiner {
	return JoinerFunc(func(ctx context.Context, kind string, opts playthrough.JoinOptions) (Room, error) {
		r, err := client.JoinOrCreate(ctx, kind, opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
}
