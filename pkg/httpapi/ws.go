package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-webtap/webtap/pkg/accounts"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSubmit is the first (and only) message a websocket client sends.
type wsSubmit struct {
	Provider         string `json:"provider"`
	Account          string `json:"account"`
	Message          string `json:"message"`
	Conversation     string `json:"conversation"`
	IncludeReasoning bool   `json:"include_reasoning"`
	Headless         *bool  `json:"headless"`
}

// handleExchangeWS runs one exchange over a websocket: the client submits a
// message, the server streams the raw event objects back and closes.
func (h *Handlers) handleExchangeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	var req wsSubmit
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(map[string]any{"error": "invalid submit message"})
		return
	}
	if req.Account == "" {
		req.Account = "default"
	}
	ex, err := h.service.Start(r.Context(), ExchangeRequest{
		Identity:         accounts.Identity{Provider: req.Provider, AccountID: req.Account},
		Handle:           req.Conversation,
		Message:          req.Message,
		WantReasoning:    req.IncludeReasoning,
		HeadlessOverride: req.Headless,
	})
	if err != nil {
		_ = conn.WriteJSON(map[string]any{"error": err.Error()})
		return
	}
	defer ex.Close()

	// Detect a client that went away so the poll loop stops instead of
	// streaming into the void.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case ev, open := <-ex.Events:
			if !open {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
