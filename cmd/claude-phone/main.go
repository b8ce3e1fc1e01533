package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	orchestration "github.com/theNetworkChuck/claude-phone-sub000/core"
	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/backends"
	"github.com/theNetworkChuck/claude-phone-sub000/core/capture"
	"github.com/theNetworkChuck/claude-phone-sub000/core/devices"
	"github.com/theNetworkChuck/claude-phone-sub000/core/speechtotext/deepgram"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony"
	"github.com/theNetworkChuck/claude-phone-sub000/core/telephony/mediastream"
	deepgramtts "github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech/deepgram"
	"github.com/theNetworkChuck/claude-phone-sub000/core/texttospeech/elevenlabs"
	"github.com/theNetworkChuck/claude-phone-sub000/internal/api"
	"github.com/theNetworkChuck/claude-phone-sub000/internal/config"
)

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}

func runMain(ctx context.Context, stderr io.Writer) int {
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "claude-phone: load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		fmt.Fprintf(stderr, "claude-phone: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	shutdownTelemetry, err := setupTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	encoding, err := mediaEncoding(cfg)
	if err != nil {
		return err
	}

	registry, err := loadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("devices: %w", err)
	}

	bridge, err := backends.New(ctx, backendConfig(cfg))
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	stt, err := deepgram.NewTranscriptionClient(cfg.DeepgramAPIKey, sttOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("speech to text: %w", err)
	}

	tts, err := newTextToSpeech(cfg)
	if err != nil {
		return fmt.Errorf("text to speech: %w", err)
	}

	hub := capture.NewHub(capture.WithEncoding(encoding))

	opts := []orchestration.OrchestratorOption{
		orchestration.WithBackend(bridge),
		orchestration.WithSpeechToTextClient(stt),
		orchestration.WithTextToSpeechClient(tts),
		orchestration.WithCaptureHub(hub),
		orchestration.WithMaxTurns(cfg.MaxTurns),
		orchestration.WithCaptureTimeout(cfg.CaptureTimeout),
		orchestration.WithHandshakeTimeout(cfg.HandshakeTimeout),
		orchestration.WithBackendTimeout(cfg.BackendTimeout),
	}
	if cfg.HoldMusicFile != "" {
		data, err := os.ReadFile(cfg.HoldMusicFile)
		if err != nil {
			return fmt.Errorf("hold music: %w", err)
		}
		opts = append(opts, orchestration.WithHoldMusic(audio.Clip{Data: data, Encoding: encoding}))
	}
	orchestrator := orchestration.NewOrchestrator(opts...)
	gateway := orchestration.NewCallGateway(orchestrator, registry)

	media := mediastream.NewServer(
		mediastream.WithEncoding(encoding),
		mediastream.WithTapBaseURL(cfg.PublicTapURL),
		mediastream.WithHandshakeTimeout(cfg.HandshakeTimeout),
		mediastream.WithInboundHandler(func(ctx context.Context, call telephony.InboundCall, answerer telephony.Answerer) {
			if err := gateway.HandleInbound(ctx, call, answerer); err != nil {
				logger.Warn("inbound call ended with error", "call_id", call.CallID, "from", call.From, "to", call.To, "error", err)
			}
		}),
	)

	handler := &api.Handler{
		Backend:           bridge,
		Sessions:          backends.NewSessionStore(bridge, backends.WithSessionIdleTimeout(cfg.SessionIdleTimeout)),
		Devices:           registry,
		StructuredTimeout: cfg.StructuredTimeout,
		ActiveCalls:       orchestrator.ActiveCalls,
	}
	var outbound *orchestration.OutboundCallManager
	if cfg.OriginateURL != "" {
		dialer := mediastream.NewDialer(media, cfg.OriginateURL)
		outbound = orchestration.NewOutboundCallManager(orchestrator, dialer, registry,
			orchestration.WithDefaultCallerID(cfg.CallerID))
		handler.Calls = outbound
	}

	mux := http.NewServeMux()
	mux.Handle("/media", media)
	mux.Handle("/tap/{callId}", hub)
	mux.Handle("/", api.NewRouter(handler))

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logger.Info("starting claude-phone",
		"addr", cfg.Addr,
		"backend", bridge.Kind(),
		"tts", cfg.TTSProvider,
		"devices", len(registry.Profiles()),
		"outbound", outbound != nil,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	var errs []error
	if outbound != nil {
		errs = append(errs, outbound.Shutdown(shutdownCtx))
	}
	errs = append(errs, orchestrator.HangupAll(shutdownCtx))
	media.Close()
	errs = append(errs, httpSrv.Shutdown(shutdownCtx))
	if err := <-listenErrCh; err != nil {
		errs = append(errs, fmt.Errorf("serve: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("claude-phone stopped")
	return nil
}

// setupTelemetry routes the library loggers to stdout and, when enabled,
// prints spans as well.
func setupTelemetry(cfg config.Config) (func(context.Context) error, error) {
	logExporter, err := stdoutlog.New()
	if err != nil {
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	global.SetLoggerProvider(loggerProvider)

	shutdown := []func(context.Context) error{loggerProvider.Shutdown}

	if cfg.TraceStdout {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
		otel.SetTracerProvider(tracerProvider)
		shutdown = append(shutdown, tracerProvider.Shutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdown {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

func mediaEncoding(cfg config.Config) (audio.EncodingInfo, error) {
	format, ok := audio.ParseFormat(cfg.MediaEncoding)
	if !ok {
		return audio.EncodingInfo{}, fmt.Errorf("unsupported media encoding %q", cfg.MediaEncoding)
	}
	return audio.EncodingInfo{SampleRate: cfg.MediaSampleRate, Format: format}, nil
}

func loadRegistry(cfg config.Config) (*devices.StaticRegistry, error) {
	if cfg.DevicesFile != "" {
		return devices.LoadFile(cfg.DevicesFile)
	}
	return devices.NewStaticRegistry(devices.Profile{
		Name:          "Assistant",
		DialedAddress: "9000",
		IsDefault:     true,
	})
}

func backendConfig(cfg config.Config) backends.Config {
	return backends.Config{
		Kind: backends.Kind(cfg.BackendKind),
		CLI: backends.CLIConfig{
			Command:     cfg.CLICommand,
			Args:        cfg.CLIArgs,
			Model:       cfg.CLIModel,
			WorkDir:     cfg.CLIWorkDir,
			ProfileFile: cfg.CLIProfileFile,
			UnsetEnv:    cfg.CLIUnsetEnv,
		},
		HTTP: backends.HTTPConfig{
			Provider:  cfg.HTTPProvider,
			APIKey:    cfg.HTTPAPIKey,
			Model:     cfg.HTTPModel,
			BaseURL:   cfg.HTTPBaseURL,
			WebSearch: cfg.HTTPWebSearch,
		},
		DefaultTimeout: cfg.BackendTimeout,
	}
}

func sttOptions(cfg config.Config) []deepgram.ClientOption {
	var opts []deepgram.ClientOption
	if cfg.DeepgramSTTModel != "" {
		opts = append(opts, deepgram.WithModel(cfg.DeepgramSTTModel))
	}
	return opts
}

func newTextToSpeech(cfg config.Config) (orchestration.TextToSpeech, error) {
	switch cfg.TTSProvider {
	case config.TTSProviderDeepgram:
		return deepgramtts.NewTextToSpeechClient(cfg.DeepgramAPIKey)
	default:
		var opts []elevenlabs.ClientOption
		if cfg.ElevenLabsModel != "" {
			opts = append(opts, elevenlabs.WithModel(cfg.ElevenLabsModel))
		}
		return elevenlabs.NewTextToSpeechClient(cfg.ElevenLabsAPIKey, opts...)
	}
}
