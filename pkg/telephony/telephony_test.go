package telephony

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/agent-handwerk/phone-agent-core/pkg/audiopipeline"
	"github.com/agent-handwerk/phone-agent-core/pkg/call"
	"github.com/agent-handwerk/phone-agent-core/pkg/conversation"
	"github.com/agent-handwerk/phone-agent-core/test/fake"
)

type stubPromptProvider struct{}

func (stubPromptProvider) SystemPrompt(tenantID string) string { return "You are a clinic assistant." }

func newTestAdapter() *Adapter {
	sttSvc := fake.NewSTT("Ich habe Rueckenschmerzen.")
	ttsSvc := fake.NewTTS()
	llmSvc := fake.NewLLM("Guten Tag!")
	engine := conversation.New(sttSvc, llmSvc, ttsSvc, stubPromptProvider{}, conversation.DefaultConfig(), nil)

	pipelineCfg := audiopipeline.DefaultConfig()
	pipelineCfg.ChunkSize = 160
	pipeline := audiopipeline.New(pipelineCfg, nil, nil)

	handler := call.New(engine, pipeline, call.DefaultConfig(), nil)
	return New(handler, DefaultConfig(), nil)
}

func TestAdapter_AcceptIncomingMapsExternalID(t *testing.T) {
	is := is.New(t)
	a := newTestAdapter()

	ctx, err := a.AcceptIncoming(IncomingCall{CallerID: "+491", CalleeID: "+498", ExternalID: "ext-1"})
	is.NoErr(err)

	internal, ok := a.InternalID("ext-1")
	is.True(ok)
	is.Equal(internal, ctx.ID)
}

func TestAdapter_HangupExternalForwardsHangup(t *testing.T) {
	is := is.New(t)
	a := newTestAdapter()

	_, err := a.AcceptIncoming(IncomingCall{CallerID: "+491", CalleeID: "+498", ExternalID: "ext-1"})
	is.NoErr(err)

	ok := a.HangupExternal("ext-1")
	is.True(ok)
	is.True(!a.handler.IsInCall())

	_, mapped := a.InternalID("ext-1")
	is.True(!mapped)
}

func TestAdapter_HangupExternalUnknownIDReturnsFalse(t *testing.T) {
	is := is.New(t)
	a := newTestAdapter()
	is.True(!a.HangupExternal("never-seen"))
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhook_IncomingRequiresValidSignature(t *testing.T) {
	is := is.New(t)
	a := newTestAdapter()
	wh := NewWebhookBackend(a, "shared-secret", nil)
	mux := http.NewServeMux()
	wh.RegisterRoutes(mux)

	body := []byte(`{"call_id":"ext-1","caller_id":"+491","callee_id":"+498"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/call/incoming", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	is.Equal(rec.Code, http.StatusUnauthorized)
}

func TestWebhook_IncomingAcceptsValidSignature(t *testing.T) {
	is := is.New(t)
	a := newTestAdapter()
	wh := NewWebhookBackend(a, "shared-secret", nil)
	mux := http.NewServeMux()
	wh.RegisterRoutes(mux)

	body := []byte(`{"call_id":"ext-1","caller_id":"+491","callee_id":"+498"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/call/incoming", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody("shared-secret", body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	is.Equal(rec.Code, http.StatusOK)

	var resp incomingResponse
	is.NoErr(json.NewDecoder(rec.Body).Decode(&resp))
	is.True(resp.Success)
	is.Equal(resp.Action, "answer")
}

func TestWebhook_HangupEndsCall(t *testing.T) {
	is := is.New(t)
	a := newTestAdapter()
	wh := NewWebhookBackend(a, "", nil) // no secret configured: signature check skipped
	mux := http.NewServeMux()
	wh.RegisterRoutes(mux)

	_, err := a.AcceptIncoming(IncomingCall{CallerID: "+491", CalleeID: "+498", ExternalID: "ext-1"})
	is.NoErr(err)

	body := []byte(`{"call_id":"ext-1","event":"hangup"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/call/hangup", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	is.Equal(rec.Code, http.StatusOK)
	is.True(!a.handler.IsInCall())
}

func TestParseSoftswitchEvent_ReadsHeadersUntilBlankLine(t *testing.T) {
	is := is.New(t)
	raw := "Event-Name: CHANNEL_CREATE\r\nUnique-ID: abc-123\r\nCaller-Caller-ID-Number: +491\r\n\r\n"
	reader := bufio.NewReader(strings.NewReader(raw))

	evt, err := parseSoftswitchEvent(reader)
	is.NoErr(err)
	is.Equal(evt.Name(), "CHANNEL_CREATE")
	is.Equal(evt.Headers["Unique-ID"], "abc-123")
	is.Equal(evt.Headers["Caller-Caller-ID-Number"], "+491")
}

func TestSoftswitchBackend_ChannelCreateAcceptsCall(t *testing.T) {
	is := is.New(t)
	a := newTestAdapter()
	b := NewSoftswitchBackend(a, nil)

	b.handleChannelCreate(SoftswitchEvent{Headers: map[string]string{
		"Unique-ID":                 "chan-1",
		"Caller-Caller-ID-Number":   "+491",
		"Caller-Destination-Number": "+498",
	}})

	is.True(a.handler.IsInCall())
	_, ok := a.InternalID("chan-1")
	is.True(ok)
}

func TestSIPBackend_HangupRemovesFromRegistry(t *testing.T) {
	is := is.New(t)
	a := newTestAdapter()
	s := NewSIPBackend(a, nil)

	is.NoErr(s.HandleIncoming(context.Background(), "sip-1", "+491", "+498"))
	is.Equal(len(s.ActiveCalls()), 1)

	is.True(s.Hangup("sip-1"))
	is.Equal(len(s.ActiveCalls()), 0)
	is.True(!a.handler.IsInCall())
}

func TestPCM16RoundTrip_PreservesApproximateAmplitude(t *testing.T) {
	is := is.New(t)
	original := []float32{0, 0.5, -0.5, 1, -1}
	pcm := float32ToPCM16(original)
	back := pcm16ToFloat32(pcm)

	is.Equal(len(back), len(original))
	for i := range original {
		diff := back[i] - original[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > 0.001 {
			t.Fatalf("sample %d drifted too far: got %f want %f", i, back[i], original[i])
		}
	}
}

func TestParseHandshake_AcceptsCallLine(t *testing.T) {
	is := is.New(t)
	id, ok := parseHandshake("CALL call_abc123\n")
	is.True(ok)
	is.Equal(id, "call_abc123")
}

func TestParseHandshake_RejectsMalformedLine(t *testing.T) {
	is := is.New(t)
	_, ok := parseHandshake("HELLO\n")
	is.True(!ok)
}
