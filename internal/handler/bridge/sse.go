package bridge

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-tavern/playthrough/pkg/utils"
)

// handleEvents 以 Server-Sent Events 推送会话事件
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	client := middleware.GetReqID(r.Context())
	if client == "" {
		client = r.RemoteAddr
	}

	ch, unsubscribe := h.subscribe(client)
	defer unsubscribe()

	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	log.Printf("[bridge] opening event stream client=%s", client)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	if err := utils.SendSSEEvent(w, flusher, "status", map[string]any{
		"message": "stream established",
	}); err != nil {
		log.Printf("[bridge] event stream failed client=%s: %v", client, err)
		return
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			log.Printf("[bridge] closing event stream client=%s", client)
			return
		case t := <-ticker.C:
			err = utils.SendSSEEvent(w, flusher, "heartbeat", map[string]any{
				"time": t.UTC().Format(time.RFC3339),
			})
		case e := <-ch:
			err = utils.SendSSEEvent(w, flusher, e.Name(), e)
		}
		if err != nil {
			log.Printf("[bridge] event stream failed client=%s: %v", client, err)
			return
		}
	}
}
