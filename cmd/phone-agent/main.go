// Command phone-agent wires every component of the phone agent core
// into a runnable server: AI providers, the conversation engine, the
// call state machine, and the three telephony backends (webhook,
// softswitch event socket, SIP), plus the latency-metrics and
// tenant-resolution services that sit alongside them. Grounded on
// cmd/lk-go/main.go's cobra command tree and expvar metrics server.
package main

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/factory"
	"github.com/agent-handwerk/phone-agent-core/pkg/audiopipeline"
	"github.com/agent-handwerk/phone-agent-core/pkg/call"
	"github.com/agent-handwerk/phone-agent-core/pkg/conversation"
	"github.com/agent-handwerk/phone-agent-core/pkg/metrics"
	"github.com/agent-handwerk/phone-agent-core/pkg/policy"
	"github.com/agent-handwerk/phone-agent-core/pkg/telephony"
	"github.com/agent-handwerk/phone-agent-core/pkg/tenant"
	"github.com/agent-handwerk/phone-agent-core/pkg/version"

	_ "github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/deepgram"
	_ "github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/elevenlabs"
	_ "github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/groq"
	_ "github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/locallm"
	_ "github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/localstt"
	_ "github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/localtts"
	_ "github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/neuralvad"
	_ "github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/simplevad"
)

var (
	httpAddr        string
	softswitchAddr  string
	audioBridgeHost string
	audioBridgePort int
	webhookSecret   string
	useNeuralVAD    bool
	requireConsent  bool
)

var rootCmd = &cobra.Command{
	Use:   "phone-agent",
	Short: "German-language AI phone agent core",
	Long: `phone-agent runs the webhook, softswitch, and audio-bridge
telephony backends against a single call handler, driving a
STT -> LLM -> TTS conversation loop per call.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the phone agent server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

func init() {
	serveCmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "address for the webhook/dashboard/metrics HTTP server")
	serveCmd.Flags().StringVar(&softswitchAddr, "softswitch-addr", ":8021", "address to listen for softswitch event-socket connections")
	serveCmd.Flags().StringVar(&audioBridgeHost, "audio-bridge-host", "0.0.0.0", "host for the raw-PCM audio bridge")
	serveCmd.Flags().IntVar(&audioBridgePort, "audio-bridge-port", 9090, "port for the raw-PCM audio bridge")
	serveCmd.Flags().StringVar(&webhookSecret, "webhook-secret", "", "HMAC-SHA256 secret for webhook signature verification; empty disables verification")
	serveCmd.Flags().BoolVar(&useNeuralVAD, "neural-vad", false, "use the ONNX Silero VAD backend instead of the RMS-threshold one")
	serveCmd.Flags().BoolVar(&requireConsent, "require-recording-consent", false, "gate every call on recording consent (denied/unknown callers are transferred); off by default since consent records are out of scope here")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	aiFactory := factory.New(factory.FromEnv())
	sttSvc, llmSvc, ttsSvc, err := aiFactory.CreateAll(false)
	if err != nil {
		return fmt.Errorf("phone-agent: failed to build AI providers: %w", err)
	}
	vadSvc, err := aiFactory.CreateVAD(useNeuralVAD)
	if err != nil {
		return fmt.Errorf("phone-agent: failed to build VAD: %w", err)
	}
	langIDSvc := aiFactory.CreateLangID()

	m := metrics.New()
	promptProvider := policy.NewStaticSystemPromptProvider(policy.DefaultIndustryPrompts())
	triage := policy.DefaultKeywordTriage()

	convEngine := conversation.New(sttSvc, llmSvc, ttsSvc, promptProvider, conversation.DefaultConfig(), logger)
	convEngine.SetRecorder(metrics.ConversationRecorder{Metrics: m})
	convEngine.SetAudioLanguageDetector(langIDSvc)

	pipelineCfg := audiopipeline.DefaultConfig()
	pipeline := audiopipeline.New(pipelineCfg, vadSvc, logger)

	handler := call.New(convEngine, pipeline, call.DefaultConfig(), logger).WithTriagePolicy(triage)
	if requireConsent {
		// No persistent consent repository is wired here (out of scope).
		// The gate starts empty and is not reachable from outside this
		// function, so every caller has no consent record and is
		// transferred.
		handler.WithConsentGate(policy.NewInMemoryConsentGate())
	}

	tenantStore := newInMemoryTenantStore()
	tenantResolver := tenant.New(tenantStore, logger)

	telephonyCfg := telephony.DefaultConfig()
	telephonyCfg.AudioBridgeHost = audioBridgeHost
	telephonyCfg.AudioBridgePort = audioBridgePort
	adapter := telephony.New(handler, telephonyCfg, logger).WithTenantResolver(tenantResolver)

	webhookBackend := telephony.NewWebhookBackend(adapter, webhookSecret, logger)
	softswitchBackend := telephony.NewSoftswitchBackend(adapter, logger)
	sipBackend := telephony.NewSIPBackend(adapter, logger)
	_ = sipBackend // exposed for in-process SIP stack integration; no transport of its own in this binary

	dashboard := telephony.NewDashboard(handler, logger)

	audioBridge := telephony.NewAudioBridge(audioBridgeHost, audioBridgePort, func(callID string) *audiopipeline.Pipeline {
		return pipeline
	}, logger)

	// Only one call is ever active at a time (spec §4.5), so the
	// outbound leg resolves the same way the inbound pipelineFor above
	// does: whichever call is current when synthesized audio is ready.
	pipeline.SetOnPlayback(func(samples []float32) {
		cc := handler.CurrentCall()
		if cc == nil {
			return
		}
		if err := audioBridge.SendAudio(cc.ID, samples); err != nil {
			logger.Warn("audio bridge: failed to send playback audio",
				slog.String("internal_id", cc.ID), slog.Any("error", err))
		}
	})

	if err := audioBridge.Start(); err != nil {
		return fmt.Errorf("phone-agent: failed to start audio bridge: %w", err)
	}
	defer audioBridge.Stop()

	softswitchListener, err := net.Listen("tcp", softswitchAddr)
	if err != nil {
		return fmt.Errorf("phone-agent: failed to listen on softswitch address: %w", err)
	}
	go serveSoftswitch(ctx, softswitchListener, softswitchBackend, logger)

	mux := http.NewServeMux()
	webhookBackend.RegisterRoutes(mux)
	dashboard.RegisterRoutes(mux)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/metrics/latency", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, m.Text())
	})

	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		logger.Info("http server listening", slog.String("addr", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = softswitchListener.Close()

	return nil
}

func serveSoftswitch(ctx context.Context, ln net.Listener, backend *telephony.SoftswitchBackend, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("softswitch accept failed", slog.Any("error", err))
				return
			}
		}
		go func() {
			if err := backend.Serve(conn); err != nil {
				logger.Warn("softswitch connection ended", slog.Any("error", err))
			}
		}()
	}
}
