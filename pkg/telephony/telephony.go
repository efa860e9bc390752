// Package telephony normalises inbound calls from multiple backends
// (webhook, softswitch event-socket, SIP) into calls on a single
// call.Handler and bridges raw PCM audio between the telephony side and
// the audio pipeline. Grounded on
// original_source/telephony/service.py's TelephonyService.
package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/call"
	"github.com/agent-handwerk/phone-agent-core/pkg/tenant"
)

// IncomingCall is the normalised shape every backend produces before
// handing a call to call.Handler.HandleIncomingCall (spec §4.6).
type IncomingCall struct {
	CallerID   string
	CalleeID   string
	ExternalID string
	Metadata   map[string]any
}

// Config tunes the adapter's shared behaviour across backends.
type Config struct {
	AudioBridgeHost string
	AudioBridgePort int
}

func DefaultConfig() Config {
	return Config{
		AudioBridgeHost: "0.0.0.0",
		AudioBridgePort: 9090,
	}
}

// Adapter owns the external_id -> internal call id mapping shared by
// every backend and forwards normalised events into a call.Handler. It
// holds calls by identifier only; ownership of the Call Context,
// Conversation State, and Audio Pipeline stays with call.Handler (spec
// §3's ownership rule).
type Adapter struct {
	mu sync.Mutex

	handler *call.Handler
	cfg     Config
	logger  *slog.Logger
	tenants *tenant.Resolver

	externalToInternal map[string]string
}

func New(handler *call.Handler, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		handler:            handler,
		cfg:                cfg,
		logger:             logger,
		externalToInternal: make(map[string]string),
	}
}

// WithTenantResolver attaches a tenant resolver; AcceptIncoming then
// resolves the dialed number (CalleeID) into a tenant before the call is
// answered, replacing the CalleeID placeholder call.Context.TenantID
// otherwise defaults to.
func (a *Adapter) WithTenantResolver(r *tenant.Resolver) *Adapter {
	a.tenants = r
	return a
}

// AcceptIncoming runs an IncomingCall through the call handler, leaving
// it RINGING, and records the external_id -> internal id mapping for
// later hangup lookup. It does not answer the call; the SIP and
// softswitch backends call AnswerCall right after it.
func (a *Adapter) AcceptIncoming(in IncomingCall) (*call.Context, error) {
	ctx, err := a.handler.HandleIncomingCall(in.CallerID, in.CalleeID, in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("telephony: incoming call rejected: %w", err)
	}

	if a.tenants != nil {
		res := a.tenants.ResolveFromPhone(context.Background(), in.CalleeID, "")
		if res.Resolved {
			ctx.SetTenantID(res.Tenant.ID)
			a.logger.Info("tenant resolved",
				slog.String("internal_id", ctx.ID),
				slog.String("tenant_id", res.Tenant.ID),
				slog.String("method", res.Method))
		} else {
			a.logger.Warn("tenant unresolved, keeping callee placeholder",
				slog.String("internal_id", ctx.ID), slog.String("reason", res.Message))
		}
	}

	a.mu.Lock()
	a.externalToInternal[in.ExternalID] = ctx.ID
	a.mu.Unlock()

	a.logger.Info("call accepted",
		slog.String("external_id", in.ExternalID),
		slog.String("internal_id", ctx.ID))
	return ctx, nil
}

// HangupExternal looks up the internal call by external id and forwards
// a hangup, per spec §4.6's "on hangup from the backend, it looks up and
// forwards HANGUP to C5" rule.
func (a *Adapter) HangupExternal(externalID string) bool {
	a.mu.Lock()
	internalID, ok := a.externalToInternal[externalID]
	if ok {
		delete(a.externalToInternal, externalID)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}

	call := a.handler.CurrentCall()
	if call == nil || call.ID != internalID {
		return false
	}
	a.handler.Hangup()
	return true
}

// InternalID returns the internal call id mapped to an external id, if any.
func (a *Adapter) InternalID(externalID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.externalToInternal[externalID]
	return id, ok
}
