package api

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
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/playthrough/internal/model/playthrough"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/events"
)

const DefaultBaseURL = "https://play.charisma.ai"

var ErrTokenRequired = errors.New("playthrough token is required")

// StatusError is returned when the play API answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d, %s", e.Code, e.Body)
}

// GatewayOptions 网关配置选项
type GatewayOptions struct {
	HTTPClient *http.Client
	Emitter    *events.Emitter // 成功结果发布到这里
	Logger     *log.Logger
}

// Gateway wraps the play HTTP API used to bootstrap and inspect a playthrough.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	emitter    *events.Emitter
	logger     *log.Logger
}

// NewGateway creates a gateway for baseURL. An empty baseURL selects DefaultBaseURL.
func NewGateway(baseURL string, options *GatewayOptions) (*Gateway, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}

	g := &Gateway{baseURL: baseURL}
	if options != nil {
		g.httpClient = options.HTTPClient
		g.emitter = options.Emitter
		g.logger = options.Logger
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if g.emitter == nil {
		g.emitter = events.NewEmitter()
	}
	if g.logger == nil {
		g.logger = log.Default()
	}
	return g, nil
}

// Events returns the emitter results are published to.
func (g *Gateway) Events() *events.Emitter {
	return g.emitter
}

// CreatePlaythroughToken issues a token for storyID. apiKey is only needed for
// unpublished versions.
func (g *Gateway) CreatePlaythroughToken(ctx context.Context, storyID, version int, apiKey string) (*playthrough.TokenResponse, error) {
	header := http.Header{}
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		header.Set("Authorization", "API-Key "+apiKey)
	}

	var resp playthrough.TokenResponse
	body := playthrough.TokenRequest{StoryID: storyID, Version: version}
	if _, err := g.do(ctx, http.MethodPost, "/play/token", header, body, &resp); err != nil {
		g.logger.Printf("[api] [ERROR] create token story=%d: %v", storyID, err)
		return nil, err
	}

	g.emitter.Publish(events.TokenCreated{Token: resp.Token, PlaythroughID: resp.PlaythroughID})
	return &resp, nil
}

// CreateConversation opens a new conversation in the playthrough.
func (g *Gateway) CreateConversation(ctx context.Context, token string) (*playthrough.ConversationResponse, error) {
	header, err := bearer(token)
	if err != nil {
		return nil, err
	}

	var resp playthrough.ConversationResponse
	if _, err := g.do(ctx, http.MethodPost, "/play/conversation", header, nil, &resp); err != nil {
		g.logger.Printf("[api] [ERROR] create conversation: %v", err)
		return nil, err
	}

	g.emitter.Publish(events.ConversationCreated{ConversationID: resp.ConversationID})
	return &resp, nil
}

// SetMemory overwrites the memory identified by recallValue.
func (g *Gateway) SetMemory(ctx context.Context, token, recallValue, saveValue string) error {
	header, err := bearer(token)
	if err != nil {
		return err
	}

	body := playthrough.SetMemoryRequest{RecallValue: recallValue, SaveValue: saveValue}
	content, err := g.do(ctx, http.MethodPost, "/play/set-memory", header, body, nil)
	if err != nil {
		g.logger.Printf("[api] [ERROR] set memory %s: %v", recallValue, err)
		return err
	}

	g.logger.Printf("[api] set memory %s: %s", recallValue, bytes.TrimSpace(content))
	return nil
}

// RestartFromEventID rewinds the playthrough to eventID.
func (g *Gateway) RestartFromEventID(ctx context.Context, token string, eventID int64) error {
	header, err := bearer(token)
	if err != nil {
		return err
	}

	body := playthrough.RestartRequest{EventID: strconv.FormatInt(eventID, 10)}
	if _, err := g.do(ctx, http.MethodPost, "/play/restart-from-event", header, body, nil); err != nil {
		g.logger.Printf("[api] [ERROR] restart from event %d: %v", eventID, err)
		return err
	}

	g.logger.Printf("[api] restarted from event %d", eventID)
	return nil
}

// GetMessageHistory lists stored messages. Zero conversationID or minEventID
// leaves that filter out.
func (g *Gateway) GetMessageHistory(ctx context.Context, token string, conversationID int, minEventID int64) (*playthrough.MessageHistory, error) {
	header, err := bearer(token)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if conversationID != 0 {
		query.Set("conversationId", strconv.Itoa(conversationID))
	}
	if minEventID != 0 {
		query.Set("minEventId", strconv.FormatInt(minEventID, 10))
	}
	path := "/play/message-history"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var history playthrough.MessageHistory
	if _, err := g.do(ctx, http.MethodGet, path, header, nil, &history); err != nil {
		g.logger.Printf("[api] [ERROR] message history: %v", err)
		return nil, err
	}

	g.emitter.Publish(events.MessageHistoryLoaded{History: history})
	return &history, nil
}

// GetPlaythroughInfo fetches the current emotions and memories.
func (g *Gateway) GetPlaythroughInfo(ctx context.Context, token string) (*playthrough.PlaythroughInfo, error) {
	header, err := bearer(token)
	if err != nil {
		return nil, err
	}

	var info playthrough.PlaythroughInfo
	if _, err := g.do(ctx, http.MethodGet, "/play/playthrough-info", header, nil, &info); err != nil {
		g.logger.Printf("[api] [ERROR] playthrough info: %v", err)
		return nil, err
	}

	g.emitter.Publish(events.PlaythroughInfoLoaded{Info: info})
	return &info, nil
}

func bearer(token string) (http.Header, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}

// do sends one request and returns the raw 200 body. body is JSON-encoded when
// non-nil; out is decoded from the response when non-nil.
func (g *Gateway) do(ctx context.Context, method, path string, header http.Header, body, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(content))}
	}

	if out == nil {
		return content, nil
	}
	if err := json.Unmarshal(content, out); err != nil {
		return nil, fmt.Errorf("failed to deserialize response data: %w", err)
	}
	return content, nil
}
