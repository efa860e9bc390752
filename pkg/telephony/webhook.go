package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// WebhookBackend exposes the HTTP surface of spec §6's webhook
// interface: incoming, hangup, and generic event notifications from a
// provider, each authenticated with an HMAC signature over the raw
// request body when a secret is configured; with an empty secret the
// signature check is skipped.
type WebhookBackend struct {
	adapter *Adapter
	secret  []byte
	logger  *slog.Logger
}

func NewWebhookBackend(adapter *Adapter, secret string, logger *slog.Logger) *WebhookBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookBackend{adapter: adapter, secret: []byte(secret), logger: logger}
}

// RegisterRoutes wires the webhook handlers onto mux.
func (w *WebhookBackend) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webhooks/call/incoming", w.handleIncoming)
	mux.HandleFunc("/webhooks/call/hangup", w.handleHangup)
	mux.HandleFunc("/webhooks/call/event", w.handleEvent)
}

type incomingRequest struct {
	CallID   string         `json:"call_id"`
	CallerID string         `json:"caller_id"`
	CalleeID string         `json:"callee_id"`
	Provider string         `json:"provider"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type incomingResponse struct {
	Success        bool           `json:"success"`
	Action         string         `json:"action"`
	AudioBridge    audioBridgeRef `json:"audio_bridge"`
	InternalCallID string         `json:"internal_call_id"`
}

type audioBridgeRef struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (w *WebhookBackend) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, ok := w.verifiedBody(rw, r)
	if !ok {
		return
	}

	var req incomingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(rw, "invalid body", http.StatusBadRequest)
		return
	}

	meta := req.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["external_call_id"] = req.CallID
	meta["provider"] = req.Provider

	ctx, err := w.adapter.AcceptIncoming(IncomingCall{
		CallerID:   req.CallerID,
		CalleeID:   req.CalleeID,
		ExternalID: req.CallID,
		Metadata:   meta,
	})
	if err != nil {
		w.logger.Warn("incoming webhook rejected", slog.Any("error", err))
		writeJSON(rw, http.StatusConflict, incomingResponse{Success: false})
		return
	}

	writeJSON(rw, http.StatusOK, incomingResponse{
		Success: true,
		Action:  "answer",
		AudioBridge: audioBridgeRef{
			Host: w.adapter.cfg.AudioBridgeHost,
			Port: w.adapter.cfg.AudioBridgePort,
		},
		InternalCallID: ctx.ID,
	})
}

type hangupRequest struct {
	CallID string `json:"call_id"`
	Event  string `json:"event"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (w *WebhookBackend) handleHangup(rw http.ResponseWriter, r *http.Request) {
	body, ok := w.verifiedBody(rw, r)
	if !ok {
		return
	}

	var req hangupRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(rw, "invalid body", http.StatusBadRequest)
		return
	}

	success := w.adapter.HangupExternal(req.CallID)
	writeJSON(rw, http.StatusOK, successResponse{Success: success})
}

type eventRequest struct {
	CallID string         `json:"call_id"`
	Event  string         `json:"event"`
	Data   map[string]any `json:"data,omitempty"`
}

type eventResponse struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
}

// handleEvent accepts generic provider events (DTMF, ringback, etc.) that
// don't map to an incoming-call or hangup transition. The core has no
// generic-event state today, so this is acknowledged without action.
func (w *WebhookBackend) handleEvent(rw http.ResponseWriter, r *http.Request) {
	body, ok := w.verifiedBody(rw, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(rw, "invalid body", http.StatusBadRequest)
		return
	}

	w.logger.Debug("webhook event", slog.String("call_id", req.CallID), slog.String("event", req.Event))
	writeJSON(rw, http.StatusOK, eventResponse{Success: true, Action: "none"})
}

// verifiedBody reads the request body and validates its HMAC-SHA256
// signature, carried in X-Signature as a hex digest, using a
// constant-time comparator (spec §6: "verification uses a constant-time
// comparator"). Returns false and writes an error response on failure.
func (w *WebhookBackend) verifiedBody(rw http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "unreadable body", http.StatusBadRequest)
		return nil, false
	}

	if len(w.secret) == 0 {
		return body, true
	}

	sig := r.Header.Get("X-Signature")
	if sig == "" {
		http.Error(rw, "missing signature", http.StatusUnauthorized)
		return nil, false
	}

	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expected)) {
		http.Error(rw, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
