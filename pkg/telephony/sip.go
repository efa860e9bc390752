package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SIPCall is an active call tracked by the SIP backend's registry,
// keyed by the SIP dialog's call-id.
type SIPCall struct {
	SIPCallID string
	CallerID  string
	CalleeID  string
}

// SIPBackend owns an in-memory registry of active SIP calls and exposes
// answer/hangup/originate-outbound, per spec §4.6. The registry is the
// adapter's own bookkeeping; the actual SIP dialog transport is left to
// the deployment's SIP trunk/gateway and is out of scope for the core.
type SIPBackend struct {
	adapter *Adapter
	logger  *slog.Logger

	mu    sync.Mutex
	calls map[string]SIPCall
}

func NewSIPBackend(adapter *Adapter, logger *slog.Logger) *SIPBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SIPBackend{
		adapter: adapter,
		logger:  logger,
		calls:   make(map[string]SIPCall),
	}
}

// HandleIncoming registers a SIP dialog and forwards it as an
// IncomingCall, then answers it immediately.
func (s *SIPBackend) HandleIncoming(ctx context.Context, sipCallID, callerID, calleeID string) error {
	s.mu.Lock()
	s.calls[sipCallID] = SIPCall{SIPCallID: sipCallID, CallerID: callerID, CalleeID: calleeID}
	s.mu.Unlock()

	_, err := s.adapter.AcceptIncoming(IncomingCall{
		CallerID:   callerID,
		CalleeID:   calleeID,
		ExternalID: sipCallID,
		Metadata:   map[string]any{"sip_call_id": sipCallID},
	})
	if err != nil {
		return fmt.Errorf("telephony: sip incoming call rejected: %w", err)
	}

	return s.adapter.handler.AnswerCall(ctx)
}

// Hangup tears down a registered SIP dialog and forwards HANGUP.
func (s *SIPBackend) Hangup(sipCallID string) bool {
	s.mu.Lock()
	_, ok := s.calls[sipCallID]
	delete(s.calls, sipCallID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	return s.adapter.HangupExternal(sipCallID)
}

// Originate registers an outbound dialog the deployment's SIP stack is
// expected to place; the core tracks it the same way as an inbound one
// once the far end answers.
func (s *SIPBackend) Originate(sipCallID, callerID, calleeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[sipCallID] = SIPCall{SIPCallID: sipCallID, CallerID: callerID, CalleeID: calleeID}
}

// ActiveCalls returns a snapshot of the registry.
func (s *SIPBackend) ActiveCalls() []SIPCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SIPCall, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c)
	}
	return out
}
