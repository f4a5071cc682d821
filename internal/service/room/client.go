package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/playthrough/internal/model/playthrough"
)

// JoinError is the single error kind produced by JoinOrCreate.
type JoinError struct {
	Kind  string // room kind requested
	Cause string
	Err   error
}

func (e *JoinError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("join %q failed: %s: %v", e.Kind, e.Cause, e.Err)
	}
	return fmt.Sprintf("join %q failed: %s", e.Kind, e.Cause)
}

func (e *JoinError) Unwrap() error { return e.Err }

// ClientOptions 房间连接配置选项
type ClientOptions struct {
	HTTPClient       *http.Client
	Codec            Codec
	HandshakeTimeout time.Duration // websocket 握手超时
	ReadTimeout      time.Duration // 读取超时时间，收到 pong 后顺延
	WriteTimeout     time.Duration // 写入超时时间
	PingInterval     time.Duration // Ping间隔
	Logger           *log.Logger
}

// DefaultClientOptions 默认连接选项
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		HTTPClient:       &http.Client{Timeout: 30 * time.Second},
		Codec:            JSONCodec{},
		HandshakeTimeout: 30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		Logger:           log.Default(),
	}
}

// Client performs matchmaking against a room server and opens room sockets.
type Client struct {
	endpoint *url.URL
	options  *ClientOptions
	dialer   *websocket.Dialer
}

// NewClient creates a client for the websocket endpoint (ws:// or wss://).
// Missing fields in options fall back to DefaultClientOptions.
func NewClient(endpoint string, options *ClientOptions) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid socket url %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid socket url %q: scheme must be ws or wss", endpoint)
	}

	opts := withDefaults(options)
	return &Client{
		endpoint: u,
		options:  opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}, nil
}

func withDefaults(options *ClientOptions) *ClientOptions {
	defaults := DefaultClientOptions()
	if options == nil {
		return defaults
	}
	opts := *options
	if opts.HTTPClient == nil {
		opts.HTTPClient = defaults.HTTPClient
	}
	if opts.Codec == nil {
		opts.Codec = defaults.Codec
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	return &opts
}

// Codec returns the frame codec used by rooms opened through this client.
func (c *Client) Codec() Codec {
	return c.options.Codec
}

// Reservation is the matchmaker's answer to a join request.
type Reservation struct {
	Room struct {
		RoomID    string `json:"roomId"`
		ProcessID string `json:"processId"`
		Name      string `json:"name"`
	} `json:"room"`
	SessionID string `json:"sessionId"`
}

type matchmakeError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// JoinOrCreate attaches to an existing room of kind, or provisions one, and
// opens its socket. The returned Room is not listening yet.
func (c *Client) JoinOrCreate(ctx context.Context, kind string, opts playthrough.JoinOptions) (*Room, error) {
	if strings.TrimSpace(kind) == "" {
		return nil, &JoinError{Kind: kind, Cause: "room kind is required"}
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, &JoinError{Kind: kind, Cause: "token is required"}
	}

	reservation, err := c.reserve(ctx, kind, opts)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, kind, reservation)
	if err != nil {
		return nil, err
	}

	c.options.Logger.Printf("[room] joined %s room=%s session=%s", kind, reservation.Room.RoomID, reservation.SessionID)
	return newRoom(conn, kind, reservation, c.options), nil
}

func (c *Client) reserve(ctx context.Context, kind string, opts playthrough.JoinOptions) (*Reservation, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, &JoinError{Kind: kind, Cause: "encode join options", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.matchmakeURL(kind), bytes.NewReader(body))
	if err != nil {
		return nil, &JoinError{Kind: kind, Cause: "build matchmake request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return nil, &JoinError{Kind: kind, Cause: "matchmake request failed", Err: err}
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &JoinError{Kind: kind, Cause: "read matchmake response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var mmErr matchmakeError
		if json.Unmarshal(content, &mmErr) == nil && mmErr.Error != "" {
			return nil, &JoinError{Kind: kind, Cause: fmt.Sprintf("matchmake rejected (%d): %s", resp.StatusCode, mmErr.Error)}
		}
		return nil, &JoinError{Kind: kind, Cause: fmt.Sprintf("matchmake rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(content)))}
	}

	var reservation Reservation
	if err := json.Unmarshal(content, &reservation); err != nil {
		return nil, &JoinError{Kind: kind, Cause: "decode matchmake response", Err: err}
	}
	if reservation.Room.RoomID == "" || reservation.SessionID == "" {
		var mmErr matchmakeError
		if json.Unmarshal(content, &mmErr) == nil && mmErr.Error != "" {
			return nil, &JoinError{Kind: kind, Cause: "matchmake rejected: " + mmErr.Error}
		}
		return nil, &JoinError{Kind: kind, Cause: "matchmake response missing room or session id"}
	}

	return &reservation, nil
}

func (c *Client) dial(ctx context.Context, kind string, reservation *Reservation) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Connect-Id", uuid.NewString())

	conn, resp, err := c.dialer.DialContext(ctx, c.roomURL(reservation), header)
	if err != nil {
		if resp != nil {
			return nil, &JoinError{Kind: kind, Cause: fmt.Sprintf("websocket dial rejected (%d)", resp.StatusCode), Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &JoinError{Kind: kind, Cause: "websocket dial aborted", Err: err}
		}
		return nil, &JoinError{Kind: kind, Cause: "websocket dial failed", Err: err}
	}
	return conn, nil
}

// matchmakeURL maps the socket endpoint onto its HTTP matchmaking route.
func (c *Client) matchmakeURL(kind string) string {
	u := *c.endpoint
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/matchmake/joinOrCreate/" + kind
	u.RawQuery = ""
	return u.String()
}

func (c *Client) roomURL(reservation *Reservation) string {
	u := *c.endpoint
	path := strings.TrimRight(u.Path, "/")
	if reservation.Room.ProcessID != "" {
		path += "/" + reservation.Room.ProcessID
	}
	u.Path = path + "/" + reservation.Room.RoomID
	u.RawQuery = url.Values{"sessionId": []string{reservation.SessionID}}.Encode()
	return u.String()
}
