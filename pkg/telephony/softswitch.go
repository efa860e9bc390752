package telephony

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// SoftswitchEvent is one parsed event-socket event: a block of
// "Key: Value" header lines terminated by a blank line (spec §6's
// "Softswitch event format").
type SoftswitchEvent struct {
	Headers map[string]string
}

func (e SoftswitchEvent) Name() string { return e.Headers["Event-Name"] }

// SoftswitchBackend owns a long-lived TCP connection to a softswitch
// (FreeSWITCH-style event socket) and dispatches parsed events to
// handlers keyed by event name. Grounded on
// original_source/telephony/freeswitch.py's event-driven client and
// TelephonyService._start_freeswitch/_handle_freeswitch_incoming.
type SoftswitchBackend struct {
	adapter *Adapter
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string]func(SoftswitchEvent)
}

func NewSoftswitchBackend(adapter *Adapter, logger *slog.Logger) *SoftswitchBackend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &SoftswitchBackend{
		adapter:  adapter,
		logger:   logger,
		handlers: make(map[string]func(SoftswitchEvent)),
	}
	b.OnEvent("CHANNEL_CREATE", b.handleChannelCreate)
	b.OnEvent("CHANNEL_HANGUP", b.handleChannelHangup)
	return b
}

// OnEvent registers (or overrides) the handler for a named event.
func (b *SoftswitchBackend) OnEvent(name string, fn func(SoftswitchEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = fn
}

// Serve reads events from conn until it closes or an unrecoverable read
// error occurs, dispatching each to its registered handler.
func (b *SoftswitchBackend) Serve(conn net.Conn) error {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		event, err := parseSoftswitchEvent(reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("telephony: softswitch read failed: %w", err)
		}

		b.mu.Lock()
		handler, ok := b.handlers[event.Name()]
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("unhandled softswitch event", slog.String("event", event.Name()))
			continue
		}
		handler(event)
	}
}

// parseSoftswitchEvent reads "Key: Value" lines until a blank line.
func parseSoftswitchEvent(reader *bufio.Reader) (SoftswitchEvent, error) {
	headers := make(map[string]string)
	sawAny := false

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if sawAny {
				return SoftswitchEvent{Headers: headers}, nil
			}
			if err != nil {
				return SoftswitchEvent{}, err
			}
			continue
		}

		sawAny = true
		key, value, found := strings.Cut(trimmed, ": ")
		if found {
			headers[key] = value
		}

		if err != nil {
			if err == io.EOF {
				return SoftswitchEvent{Headers: headers}, nil
			}
			return SoftswitchEvent{}, err
		}
	}
}

func (b *SoftswitchBackend) handleChannelCreate(evt SoftswitchEvent) {
	channelUUID := evt.Headers["Unique-ID"]
	callerID := evt.Headers["Caller-Caller-ID-Number"]
	calleeID := evt.Headers["Caller-Destination-Number"]

	_, err := b.adapter.AcceptIncoming(IncomingCall{
		CallerID:   callerID,
		CalleeID:   calleeID,
		ExternalID: channelUUID,
		Metadata:   map[string]any{"channel_uuid": channelUUID},
	})
	if err != nil {
		b.logger.Warn("softswitch incoming call rejected", slog.Any("error", err))
		return
	}

	if err := b.adapter.handler.AnswerCall(context.Background()); err != nil {
		b.logger.Warn("softswitch answer failed", slog.Any("error", err))
	}
}

func (b *SoftswitchBackend) handleChannelHangup(evt SoftswitchEvent) {
	channelUUID := evt.Headers["Unique-ID"]
	b.adapter.HangupExternal(channelUUID)
}
