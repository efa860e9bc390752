package telephony

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/audiopipeline"
)

const audioBridgeFrameSamples = 320 // 16kHz, 20ms, mono (spec §6)

// AudioBridge is a TCP listener that speaks raw PCM frames (16 kHz,
// mono, signed 16-bit little-endian) bidirectionally with a telephony
// backend, mapping socket <-> call via a handshake line. Grounded on
// original_source/telephony/audio_bridge.py's AudioBridge.
type AudioBridge struct {
	host   string
	port   int
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn // internal call id -> connection

	pipelineFor func(callID string) *audiopipeline.Pipeline
}

// NewAudioBridge builds a bridge. pipelineFor resolves the audio
// pipeline to feed captured samples into for a given internal call id;
// it is typically a thin wrapper around the call.Handler's pipeline.
func NewAudioBridge(host string, port int, pipelineFor func(callID string) *audiopipeline.Pipeline, logger *slog.Logger) *AudioBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioBridge{
		host:        host,
		port:        port,
		pipelineFor: pipelineFor,
		conns:       make(map[string]net.Conn),
		logger:      logger,
	}
}

// Start listens and accepts connections in a background goroutine until
// Stop is called.
func (b *AudioBridge) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", b.host, b.port))
	if err != nil {
		return fmt.Errorf("telephony: audio bridge listen failed: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	go b.acceptLoop(ln)
	return nil
}

func (b *AudioBridge) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		go b.handleConn(conn)
	}
}

// Stop closes the listener and every open connection.
func (b *AudioBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		b.listener.Close()
		b.listener = nil
	}
	for id, conn := range b.conns {
		conn.Close()
		delete(b.conns, id)
	}
}

func (b *AudioBridge) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	handshake, err := reader.ReadString('\n')
	if err != nil {
		b.logger.Warn("audio bridge handshake failed", slog.Any("error", err))
		return
	}

	callID, ok := parseHandshake(handshake)
	if !ok {
		b.logger.Warn("audio bridge bad handshake", slog.String("line", handshake))
		return
	}

	b.mu.Lock()
	b.conns[callID] = conn
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, callID)
		b.mu.Unlock()
	}()

	var pipeline *audiopipeline.Pipeline
	if b.pipelineFor != nil {
		pipeline = b.pipelineFor(callID)
	}
	if pipeline == nil {
		b.logger.Warn("audio bridge: no pipeline for call", slog.String("call_id", callID))
		return
	}

	frame := make([]byte, audioBridgeFrameSamples*2)
	for {
		if _, err := io.ReadFull(reader, frame); err != nil {
			return
		}
		pipeline.Feed(pcm16ToFloat32(frame))
	}
}

// SendAudio writes PCM samples to the connection mapped to callID, if
// any is currently bridged.
func (b *AudioBridge) SendAudio(callID string, samples []float32) error {
	b.mu.Lock()
	conn, ok := b.conns[callID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("telephony: no audio bridge connection for call %s", callID)
	}

	_, err := conn.Write(float32ToPCM16(samples))
	return err
}

func parseHandshake(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	const prefix = "CALL "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if id == "" {
		return "", false
	}
	return id, true
}

func pcm16ToFloat32(buf []byte) []float32 {
	samples := make([]float32, len(buf)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

func float32ToPCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(int16(s*32767)))
	}
	return buf
}
