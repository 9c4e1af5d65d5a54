package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-webtap/webtap/pkg/accounts"
	"github.com/go-webtap/webtap/pkg/browser"
	"github.com/go-webtap/webtap/pkg/login"
	"github.com/go-webtap/webtap/pkg/stream"
)

// chatCompletionRequest is the accepted subset of the OpenAI chat API, plus
// webtap extensions for conversation resumption and reasoning delivery.
type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Stream bool `json:"stream"`
	// User selects the account of the identity; falls back to the
	// X-Webtap-Account header, then "default".
	User string `json:"user"`
	// Conversation resumes a previous exchange's conversation handle.
	Conversation string `json:"conversation"`
	// IncludeReasoning forwards the reasoning channel as
	// delta.reasoning_content frames.
	IncludeReasoning bool `json:"include_reasoning"`
	// Headless overrides the identity's headless preference for this call.
	Headless *bool `json:"headless"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	var body apiError
	body.Error.Message = msg
	body.Error.Type = "webtap_error"
	body.Error.Code = code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, browser.ErrLoginRequired):
		writeError(w, http.StatusUnauthorized, "login_required", err.Error())
	case browser.IsSessionUnavailable(err), errors.Is(err, browser.ErrEngineNotReady):
		writeError(w, http.StatusServiceUnavailable, "session_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (h *Handlers) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	providerName, reasoningSuffix := splitModel(req.Model)
	if providerName == "" {
		writeError(w, http.StatusBadRequest, "invalid_model", "model must name a provider")
		return
	}
	message := lastUserMessage(req)
	if message == "" {
		writeError(w, http.StatusBadRequest, "invalid_messages", "no user message content")
		return
	}
	account := strings.TrimSpace(req.User)
	if account == "" {
		account = strings.TrimSpace(r.Header.Get("X-Webtap-Account"))
	}
	if account == "" {
		account = "default"
	}

	ex, err := h.service.Start(r.Context(), ExchangeRequest{
		Identity:         accounts.Identity{Provider: providerName, AccountID: account},
		Handle:           req.Conversation,
		Message:          message,
		WantReasoning:    req.IncludeReasoning || reasoningSuffix,
		HeadlessOverride: req.Headless,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer ex.Close()

	if req.Stream {
		h.streamCompletion(w, r, req.Model, ex)
		return
	}
	h.aggregateCompletion(w, req.Model, ex)
}

// streamCompletion maps exchange events onto SSE chunk frames: one frame per
// chunk, a full-content correction frame for a replace, then [DONE].
func (h *Handlers) streamCompletion(w http.ResponseWriter, r *http.Request, model string, ex *Exchange) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "no_flush", "streaming unsupported by connection")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	created := time.Now().Unix()
	id := "chatcmpl-" + ex.ID
	send := func(v any) {
		b, _ := json.Marshal(v)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			// Client gone: stop the poll loop, emit nothing further.
			return
		case ev, open := <-ex.Events:
			if !open {
				_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			switch ev.Type {
			case stream.EventChunk:
				delta := map[string]any{}
				if ev.Channel == stream.ChannelReasoning {
					delta["reasoning_content"] = ev.Text
				} else {
					delta["content"] = ev.Text
				}
				send(chunkFrame(id, model, created, delta, nil, nil))
			case stream.EventReplace:
				send(chunkFrame(id, model, created,
					map[string]any{"content": ev.Text},
					nil,
					map[string]any{"replace": true}))
			case stream.EventMarker:
				send(chunkFrame(id, model, created, map[string]any{}, nil,
					map[string]any{"conversation": ev.Handle}))
			case stream.EventDone:
				stop := "stop"
				send(chunkFrame(id, model, created, map[string]any{}, &stop, nil))
				_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

func chunkFrame(id, model string, created int64, delta map[string]any, finish *string, ext map[string]any) map[string]any {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != nil {
		choice["finish_reason"] = *finish
	}
	frame := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []any{choice},
	}
	if ext != nil {
		frame["webtap"] = ext
	}
	return frame
}

// aggregateCompletion collects the whole exchange and answers with one
// completion object.
func (h *Handlers) aggregateCompletion(w http.ResponseWriter, model string, ex *Exchange) {
	var (
		response  string
		reasoning string
		handle    string
	)
	for ev := range ex.Events {
		switch ev.Type {
		case stream.EventChunk:
			if ev.Channel == stream.ChannelReasoning {
				reasoning += ev.Text
			} else {
				response += ev.Text
			}
		case stream.EventReplace:
			response = ev.Text
		case stream.EventMarker:
			handle = ev.Handle
		}
	}
	message := map[string]any{"role": "assistant", "content": response}
	if reasoning != "" {
		message["reasoning_content"] = reasoning
	}
	body := map[string]any{
		"id":      "chatcmpl-" + ex.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": "stop",
		}},
		"webtap": map[string]any{"conversation": handle},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// splitModel parses "provider" or "provider-thinking".
func splitModel(model string) (string, bool) {
	model = strings.TrimSpace(model)
	if name, ok := strings.CutSuffix(model, "-thinking"); ok {
		return name, true
	}
	return model, false
}

func lastUserMessage(req chatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		raw := req.Messages[i].Content
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
		// Content parts form: [{"type":"text","text":"..."}].
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &parts); err == nil {
			var b strings.Builder
			for _, p := range parts {
				if p.Type == "" || p.Type == "text" {
					b.WriteString(p.Text)
				}
			}
			return strings.TrimSpace(b.String())
		}
	}
	return ""
}

type loginRequest struct {
	Provider     string `json:"provider"`
	Account      string `json:"account"`
	Conversation string `json:"conversation"`
	Method       string `json:"method"`
	Secret       string `json:"secret"`
}

func (r loginRequest) identity() (accounts.Identity, error) {
	id := accounts.Identity{Provider: r.Provider, AccountID: r.Account}
	return id, id.Validate()
}

func (h *Handlers) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	id, err := req.identity()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return
	}
	rec, err := h.login.Start(r.Context(), id, req.Conversation)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Method != "" {
		rec, err = h.login.SelectMethod(r.Context(), id, req.Conversation, accounts.LoginMethod(req.Method))
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeLoginRecord(w, rec)
}

func (h *Handlers) handleLoginAccount(w http.ResponseWriter, r *http.Request) {
	h.loginStep(w, r, func(req loginRequest, id accounts.Identity) (*accounts.LoginRecord, error) {
		return h.login.SubmitAccount(r.Context(), id, req.Conversation, req.Account)
	})
}

func (h *Handlers) handleLoginSecret(w http.ResponseWriter, r *http.Request) {
	h.loginStep(w, r, func(req loginRequest, id accounts.Identity) (*accounts.LoginRecord, error) {
		return h.login.SubmitSecret(r.Context(), id, req.Conversation, req.Secret)
	})
}

func (h *Handlers) loginStep(w http.ResponseWriter, r *http.Request, step func(loginRequest, accounts.Identity) (*accounts.LoginRecord, error)) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	id, err := req.identity()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return
	}
	rec, err := step(req, id)
	if err != nil {
		if rec != nil && rec.State == accounts.LoginFailed {
			writeLoginRecord(w, rec)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeLoginRecord(w, rec)
}

func (h *Handlers) handleLoginQR(w http.ResponseWriter, r *http.Request) {
	id := accounts.Identity{
		Provider:  r.URL.Query().Get("provider"),
		AccountID: r.URL.Query().Get("account"),
	}
	if err := id.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return
	}
	scanned, err := h.login.QRState(r.Context(), id, r.URL.Query().Get("conversation"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"scanned": scanned})
}

func (h *Handlers) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	id, err := req.identity()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return
	}
	label, err := h.login.Verify(r.Context(), id, req.Conversation)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"verified":      true,
		"account_label": label,
	})
}

func writeLoginRecord(w http.ResponseWriter, rec *accounts.LoginRecord) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"provider":     rec.Identity.Provider,
		"account":      rec.Identity.AccountID,
		"conversation": rec.Conversation,
		"state":        rec.State,
		"method":       rec.Method,
	})
}

func (h *Handlers) handleAccounts(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListRecords(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		entry := map[string]any{
			"provider":       rec.Identity.Provider,
			"account":        rec.Identity.AccountID,
			"login_verified": rec.LoginVerified,
			"account_label":  rec.AccountLabel,
		}
		if rec.HeadlessPreference != nil {
			entry["headless"] = *rec.HeadlessPreference
		}
		out = append(out, entry)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"accounts": out})
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handlers binds the HTTP surface to its collaborators.
type Handlers struct {
	service *Service
	login   *login.Flow
	store   accounts.Store
}

func NewHandlers(service *Service, flow *login.Flow, store accounts.Store) (*Handlers, error) {
	if service == nil {
		return nil, errors.New("handlers: service is nil")
	}
	if flow == nil {
		return nil, errors.New("handlers: login flow is nil")
	}
	if store == nil {
		return nil, errors.New("handlers: store is nil")
	}
	return &Handlers{service: service, login: flow, store: store}, nil
}

// Register mounts all routes on the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	mux.HandleFunc("POST /v1/login/start", h.handleLoginStart)
	mux.HandleFunc("POST /v1/login/account", h.handleLoginAccount)
	mux.HandleFunc("POST /v1/login/secret", h.handleLoginSecret)
	mux.HandleFunc("GET /v1/login/qr", h.handleLoginQR)
	mux.HandleFunc("POST /v1/login/verify", h.handleLoginVerify)
	mux.HandleFunc("GET /v1/accounts", h.handleAccounts)
	mux.HandleFunc("GET /ws/exchange", h.handleExchangeWS)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	log.Debug().Msg("http routes registered")
}
