package playthrough

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/playthrough/internal/service/api"
	"github.com/zhouzirui/z-tavern/playthrough/internal/service/session"
	"github.com/zhouzirui/z-tavern/playthrough/pkg/utils"
)

// Handler 剧情会话的HTTP处理器
type Handler struct {
	sessions   *session.Manager
	gateway    *api.Gateway
	dispatcher *Dispatcher
	apiKey     string
}

// New 创建剧情处理器。apiKey 为创建草稿 token 时的默认密钥
func New(sessions *session.Manager, gateway *api.Gateway, apiKey string) *Handler {
	return &Handler{
		sessions:   sessions,
		gateway:    gateway,
		dispatcher: NewDispatcher(sessions),
		apiKey:     apiKey,
	}
}

// Dispatcher returns the command dispatcher shared with the websocket bridge.
func (h *Handler) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// RegisterRoutes 注册剧情相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	// HTTP 接口
	r.Post("/token", h.handleCreateToken)
	r.Post("/conversation", h.handleCreateConversation)
	r.Post("/memory", h.handleSetMemory)
	r.Post("/restart", h.handleRestart)
	r.Get("/history", h.handleHistory)
	r.Get("/info", h.handleInfo)

	// 实时会话命令
	for _, command := range []string{
		CommandConnect,
		CommandDisconnect,
		CommandStart,
		CommandAction,
		CommandReply,
		CommandResume,
		CommandTap,
		CommandSpeech,
	} {
		r.Post("/"+command, h.handleCommand(command))
	}
	r.Get("/state", h.handleState)
}

// handleCommand 将请求体交给会话管理器，结果通过事件流返回
func (h *Handler) handleCommand(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if command == CommandConnect {
			body = withBearerToken(body, bearerToken(r))
		}

		if err := h.dispatcher.Dispatch(command, body); err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}

		utils.RespondQueued(w)
	}
}

// handleState 返回当前会话状态
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"state":         h.sessions.State(),
		"connected":     h.sessions.Connected(),
		"speechEnabled": h.sessions.SpeechEnabled(),
	})
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		StoryID int    `json:"storyId"`
		Version int    `json:"version"`
		APIKey  string `json:"apiKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.StoryID <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "storyId is required")
		return
	}

	apiKey := payload.APIKey
	if apiKey == "" {
		apiKey = h.apiKey
	}

	resp, err := h.gateway.CreatePlaythroughToken(r.Context(), payload.StoryID, payload.Version, apiKey)
	if err != nil {
		respondGatewayError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	resp, err := h.gateway.CreateConversation(r.Context(), bearerToken(r))
	if err != nil {
		respondGatewayError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSetMemory(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RecallValue string `json:"recallValue"`
		SaveValue   string `json:"saveValue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.RecallValue == "" {
		utils.RespondError(w, http.StatusBadRequest, "recallValue is required")
		return
	}

	if err := h.gateway.SetMemory(r.Context(), bearerToken(r), payload.RecallValue, payload.SaveValue); err != nil {
		respondGatewayError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		EventID json.Number `json:"eventId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	eventID, err := payload.EventID.Int64()
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "eventId must be an integer")
		return
	}

	if err := h.gateway.RestartFromEventID(r.Context(), bearerToken(r), eventID); err != nil {
		respondGatewayError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var conversationID int
	if raw := query.Get("conversationId"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "conversationId must be an integer")
			return
		}
		conversationID = v
	}

	var minEventID int64
	if raw := query.Get("minEventId"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "minEventId must be an integer")
			return
		}
		minEventID = v
	}

	history, err := h.gateway.GetMessageHistory(r.Context(), bearerToken(r), conversationID, minEventID)
	if err != nil {
		respondGatewayError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, history)
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.gateway.GetPlaythroughInfo(r.Context(), bearerToken(r))
	if err != nil {
		respondGatewayError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, info)
}

// respondGatewayError 将网关错误映射为HTTP状态码
func respondGatewayError(w http.ResponseWriter, err error) {
	var statusErr *api.StatusError
	switch {
	case errors.Is(err, api.ErrTokenRequired):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &statusErr):
		utils.RespondJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "play api rejected the request",
			"status": statusErr.Code,
			"body":   statusErr.Body,
		})
	default:
		utils.RespondError(w, http.StatusBadGateway, err.Error())
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// withBearerToken fills a missing token in a connect body from the
// Authorization header.
func withBearerToken(body []byte, token string) []byte {
	if token == "" {
		return body
	}
	var req ConnectRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return body
		}
	}
	if req.Token != "" {
		return body
	}
	req.Token = token
	out, err := json.Marshal(req)
	if err != nil {
		return body
	}
	return out
}
