// Package metrics collects thread-safe per-component latency samples
// and per-turn timing roll-ups for the phone agent pipeline. Grounded
// on original_source/core/metrics.py's LatencyMetrics.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-handwerk/phone-agent-core/pkg/conversation"
)

// maxSamples bounds each component's ring of retained samples.
const maxSamples = 1000

// maxTurns bounds the retained turn history.
const maxTurns = 100

// Component names the standard pipeline stages metrics are kept for by
// default; arbitrary component names are also accepted.
const (
	ComponentSTT       = "stt"
	ComponentLLM       = "llm"
	ComponentTTS       = "tts"
	ComponentVAD       = "vad"
	ComponentE2E       = "e2e"
	ComponentFirstByte = "first_byte"
)

// componentRing is a fixed-capacity ring buffer of float64 samples plus
// atomic running counters, safe for concurrent use under its own lock.
type componentRing struct {
	mu         sync.Mutex
	samples    []float64
	totalCalls atomic.Int64
	totalTime  atomic.Int64 // accumulated nanoseconds, for overflow-free summation
}

func newComponentRing() *componentRing {
	return &componentRing{samples: make([]float64, 0, maxSamples)}
}

func (r *componentRing) record(d time.Duration) {
	seconds := d.Seconds()

	r.mu.Lock()
	r.samples = append(r.samples, seconds)
	if len(r.samples) > maxSamples {
		r.samples = r.samples[len(r.samples)-maxSamples:]
	}
	r.mu.Unlock()

	r.totalCalls.Add(1)
	r.totalTime.Add(int64(d))
}

// Stats is a point-in-time statistical summary of a component's samples.
type Stats struct {
	Name   string
	Calls  int64
	Total  time.Duration
	Mean   time.Duration
	Median time.Duration
	P90    time.Duration
	P99    time.Duration
	Min    time.Duration
	Max    time.Duration
	StdDev time.Duration
}

func (r *componentRing) stats(name string) Stats {
	r.mu.Lock()
	sorted := make([]float64, len(r.samples))
	copy(sorted, r.samples)
	r.mu.Unlock()
	sort.Float64s(sorted)

	calls := r.totalCalls.Load()
	total := time.Duration(r.totalTime.Load())

	if len(sorted) == 0 {
		return Stats{Name: name, Calls: calls, Total: total}
	}

	return Stats{
		Name:   name,
		Calls:  calls,
		Total:  total,
		Mean:   secondsToDuration(mean(sorted)),
		Median: secondsToDuration(percentile(sorted, 0.5)),
		P90:    secondsToDuration(percentile(sorted, 0.9)),
		P99:    secondsToDuration(percentile(sorted, 0.99)),
		Min:    secondsToDuration(sorted[0]),
		Max:    secondsToDuration(sorted[len(sorted)-1]),
		StdDev: secondsToDuration(stddev(sorted)),
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile expects xs sorted ascending.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	idx := int(float64(len(xs)) * p)
	if idx >= len(xs) {
		idx = len(xs) - 1
	}
	return xs[idx]
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// TurnMetrics is the timing breakdown of one complete conversation turn
// (spec §4.7/§4.4 Timing).
type TurnMetrics struct {
	TurnID         int64
	Timestamp      time.Time
	STTTime        time.Duration
	LLMTime        time.Duration
	TTSTime        time.Duration
	VADTime        time.Duration
	FirstByteTime  time.Duration
	TotalTime      time.Duration
	AudioDuration  time.Duration
	ResponseLength int
}

// ProcessingRatio is TotalTime / AudioDuration, 0 if AudioDuration is 0.
func (t TurnMetrics) ProcessingRatio() float64 {
	if t.AudioDuration <= 0 {
		return 0
	}
	return t.TotalTime.Seconds() / t.AudioDuration.Seconds()
}

// TurnInput is the set of measurements record_turn assembles into a
// TurnMetrics and rolls up into the component rings.
type TurnInput struct {
	STTTime        time.Duration
	LLMTime        time.Duration
	TTSTime        time.Duration
	VADTime        time.Duration
	FirstByteTime  time.Duration
	AudioDuration  time.Duration
	ResponseLength int
}

// Metrics is the process-wide latency collector (spec §5: "metrics...
// are process-wide. All are internally locked.").
type Metrics struct {
	mu         sync.Mutex
	components map[string]*componentRing
	turns      []TurnMetrics
	turnSeq    atomic.Int64
	startedAt  time.Time
}

func New() *Metrics {
	m := &Metrics{
		components: make(map[string]*componentRing),
		startedAt:  time.Now(),
	}
	for _, name := range []string{ComponentSTT, ComponentLLM, ComponentTTS, ComponentVAD, ComponentE2E, ComponentFirstByte} {
		m.components[name] = newComponentRing()
	}
	return m
}

func (m *Metrics) ringFor(component string) *componentRing {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.components[component]
	if !ok {
		r = newComponentRing()
		m.components[component] = r
	}
	return r
}

// Record appends a timing sample for component.
func (m *Metrics) Record(component string, d time.Duration) {
	m.ringFor(component).record(d)
}

// Measure times fn and records its duration against component.
func (m *Metrics) Measure(component string, fn func()) {
	start := time.Now()
	defer func() { m.Record(component, time.Since(start)) }()
	fn()
}

// RecordTurn assembles a TurnMetrics from in, appends it to the bounded
// turn history, and rolls each non-zero measurement up into its
// component ring plus the end-to-end ring.
func (m *Metrics) RecordTurn(in TurnInput) TurnMetrics {
	turn := TurnMetrics{
		TurnID:         m.turnSeq.Add(1),
		Timestamp:      time.Now(),
		STTTime:        in.STTTime,
		LLMTime:        in.LLMTime,
		TTSTime:        in.TTSTime,
		VADTime:        in.VADTime,
		FirstByteTime:  in.FirstByteTime,
		TotalTime:      in.STTTime + in.LLMTime + in.TTSTime,
		AudioDuration:  in.AudioDuration,
		ResponseLength: in.ResponseLength,
	}

	m.mu.Lock()
	m.turns = append(m.turns, turn)
	if len(m.turns) > maxTurns {
		m.turns = m.turns[len(m.turns)-maxTurns:]
	}
	m.mu.Unlock()

	if in.STTTime > 0 {
		m.Record(ComponentSTT, in.STTTime)
	}
	if in.LLMTime > 0 {
		m.Record(ComponentLLM, in.LLMTime)
	}
	if in.TTSTime > 0 {
		m.Record(ComponentTTS, in.TTSTime)
	}
	if in.VADTime > 0 {
		m.Record(ComponentVAD, in.VADTime)
	}
	if in.FirstByteTime > 0 {
		m.Record(ComponentFirstByte, in.FirstByteTime)
	}
	if turn.TotalTime > 0 {
		m.Record(ComponentE2E, turn.TotalTime)
	}

	return turn
}

// ConversationRecorder adapts a *Metrics to conversation.Recorder so
// pkg/conversation's Engine can record turn timings without importing
// this package's full API. callID is accepted for interface
// compatibility but not yet used to key per-call metrics; the rings
// here are process-wide aggregates (spec §5's "metrics... are
// process-wide" rule), not per-call breakdowns.
type ConversationRecorder struct {
	Metrics *Metrics
}

func (r ConversationRecorder) RecordTurn(callID string, t conversation.Timing) {
	r.Metrics.RecordTurn(TurnInput{
		STTTime:        t.STTTime,
		LLMTime:        t.LLMTime,
		TTSTime:        t.TTSTime,
		FirstByteTime:  t.FirstByteTime,
		AudioDuration:  t.AudioDuration,
		ResponseLength: t.ResponseLength,
	})
}

var _ conversation.Recorder = ConversationRecorder{}

// Component returns the live stats snapshot for a single component, or
// false if nothing has been recorded for it.
func (m *Metrics) Component(name string) (Stats, bool) {
	m.mu.Lock()
	r, ok := m.components[name]
	m.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	stats := r.stats(name)
	return stats, stats.Calls > 0
}

// Report is a structured snapshot suitable for JSON serialisation.
type Report struct {
	UptimeSeconds float64
	TotalTurns    int
	Components    []Stats
	RecentTurns   []TurnMetrics
}

// Snapshot produces a Report with every component that has recorded at
// least one sample and the most recent turns.
func (m *Metrics) Snapshot() Report {
	m.mu.Lock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	totalTurns := len(m.turns)
	recent := append([]TurnMetrics(nil), m.turns...)
	m.mu.Unlock()
	sort.Strings(names)

	components := make([]Stats, 0, len(names))
	for _, name := range names {
		stats, ok := m.Component(name)
		if ok {
			components = append(components, stats)
		}
	}

	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	return Report{
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
		TotalTurns:    totalTurns,
		Components:    components,
		RecentTurns:   recent,
	}
}

// Text renders a fixed-width table report, the same shape as the
// prototype's CLI output.
func (m *Metrics) Text() string {
	report := m.Snapshot()

	var b strings.Builder
	bar := strings.Repeat("=", 60)
	dash := strings.Repeat("-", 60)

	fmt.Fprintln(&b, bar)
	fmt.Fprintln(&b, "  PHONE AGENT LATENCY METRICS")
	fmt.Fprintln(&b, bar)
	fmt.Fprintf(&b, "  Uptime: %.1fs | Turns: %d\n", report.UptimeSeconds, report.TotalTurns)
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "  COMPONENT LATENCIES (ms)")
	fmt.Fprintln(&b, dash)
	fmt.Fprintf(&b, "  %-12s %8s %8s %8s %8s %8s\n", "Component", "Calls", "Mean", "P50", "P90", "P99")
	fmt.Fprintln(&b, dash)
	for _, s := range report.Components {
		fmt.Fprintf(&b, "  %-12s %8d %7.1f %7.1f %7.1f %7.1f\n",
			s.Name, s.Calls, msOf(s.Mean), msOf(s.Median), msOf(s.P90), msOf(s.P99))
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "  RECENT TURNS")
	fmt.Fprintln(&b, dash)
	for _, t := range report.RecentTurns {
		fmt.Fprintf(&b, "  Turn %d: STT=%.0fms LLM=%.0fms TTS=%.0fms Total=%.0fms\n",
			t.TurnID, msOf(t.STTTime), msOf(t.LLMTime), msOf(t.TTSTime), msOf(t.TotalTime))
	}
	fmt.Fprintln(&b, bar)

	return b.String()
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Reset clears every component and the turn history, re-initialising
// the standard components.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = make(map[string]*componentRing)
	for _, name := range []string{ComponentSTT, ComponentLLM, ComponentTTS, ComponentVAD, ComponentE2E, ComponentFirstByte} {
		m.components[name] = newComponentRing()
	}
	m.turns = nil
	m.turnSeq.Store(0)
	m.startedAt = time.Now()
}
