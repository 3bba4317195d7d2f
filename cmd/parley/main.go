// Command parley is the main entry point for the parley voice assistant
// server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/server"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/vad"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttopenai "github.com/MrWong99/parley/pkg/provider/stt/openai"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/parley/pkg/provider/tts/openai"
)

const defaultShutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload tunables when the configuration file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Server ────────────────────────────────────────────────────────────────
	checkers := readinessCheckers(providers)
	opts := []server.Option{
		server.WithMetrics(metrics),
		server.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	}
	if cfg.Server.ReadLimit > 0 {
		opts = append(opts, server.WithReadLimit(cfg.Server.ReadLimit))
	}
	if cfg.Relay.Enabled {
		relayKey := cfg.Relay.APIKey
		checkers = append(checkers, health.Configured("relay", "relay api key missing", func() bool {
			return relayKey != ""
		}))
		opts = append(opts, server.WithRelay(relayConfig(cfg.Relay)))
	}
	opts = append(opts, server.WithHealth(health.New(checkers)))

	srv := server.New(providers, tunablesFrom(cfg, providers), opts...)

	// ── Hot reload ────────────────────────────────────────────────────────────
	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, config.OnReload(func(_, updated *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.TunablesChanged {
				srv.UpdateTunables(tunablesFrom(updated, providers))
			}
		}))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		}
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	ln, err := listen(cfg.Server)
	if err != nil {
		slog.Error("failed to listen", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error { return watcher.Watch(gctx) })
	}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("server ready, press Ctrl+C to shut down", "addr", ln.Addr().String())

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// listen opens the TCP listener, wrapped in TLS when configured.
func listen(cfg config.ServerConfig) (net.Listener, error) {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	if cfg.TLS == nil {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// tracedClient returns an HTTP client whose requests are child spans of the
// caller's trace. Zero timeout leaves request deadlines to the caller.
func tracedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []llmopenai.Option{llmopenai.WithHTTPClient(tracedClient(0))}
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, llmopenai.WithTimeout(entry.Timeout))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		if usage, ok := entry.Options["stream_usage"].(bool); ok && !usage {
			opts = append(opts, llmopenai.WithoutStreamUsage())
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other vendor goes through any-llm. ollama, llamacpp and llamafile
	// are local servers addressed by BaseURL alone.
	for _, providerName := range anyllm.Backends {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []sttopenai.Option{sttopenai.WithHTTPClient(tracedClient(0))}
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, sttopenai.WithTimeout(entry.Timeout))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		timeout := entry.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		opts := []whisper.Option{whisper.WithHTTPClient(tracedClient(timeout))}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if t, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, whisper.WithTemperature(t))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []ttsopenai.Option{ttsopenai.WithHTTPClient(tracedClient(0))}
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, ttsopenai.WithTimeout(entry.Timeout))
		}
		if instr := optString(entry.Options, "instructions"); instr != "" {
			opts = append(opts, ttsopenai.WithInstructions(instr))
		}
		return ttsopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithHTTPClient(tracedClient(0))}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"stt", "llm", "tts"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// availability is implemented by the resilience fallback wrappers.
type availability interface{ Available() bool }

// readinessCheckers returns the /readyz checks: a required one for the
// provider set, then one optional breaker check per kind in stt, llm, tts
// order.
func readinessCheckers(ps pipeline.Providers) []health.Checker {
	checkers := []health.Checker{
		health.Configured("providers", "speech providers not configured", func() bool {
			return ps.STT != nil && ps.LLM != nil && ps.TTS != nil
		}),
	}
	for _, k := range []struct {
		kind string
		p    any
	}{{"stt", ps.STT}, {"llm", ps.LLM}, {"tts", ps.TTS}} {
		if a, ok := k.p.(availability); ok {
			checkers = append(checkers, health.Available(k.kind+"_breakers", "every "+k.kind+" circuit breaker is open", a.Available))
		}
	}
	return checkers
}

// buildProviders instantiates the configured providers. Each kind is wrapped
// in a resilience fallback group so its primary and fallbacks share circuit
// breakers and error metrics.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (pipeline.Providers, error) {
	fbCfg := func(kind observe.Stage) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  cfg.Resilience.MaxFailures,
				ResetTimeout: cfg.Resilience.ResetTimeout,
				HalfOpenMax:  cfg.Resilience.HalfOpenMax,
			},
			Kind:    kind,
			Metrics: metrics,
		}
	}
	var ps pipeline.Providers

	sttEntry := cfg.Providers.STT
	primarySTT, err := reg.CreateSTT(sttEntry)
	if err != nil {
		return ps, fmt.Errorf("create stt provider %q: %w", sttEntry.Name, err)
	}
	sttGroup := resilience.NewSTTFallback(primarySTT, sttEntry.Name, fbCfg(observe.StageSTT))
	for _, fb := range sttEntry.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return ps, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
		}
		sttGroup.AddFallback(fb.Name, p)
	}
	ps.STT, ps.STTName = sttGroup, sttEntry.Name

	llmEntry := cfg.Providers.LLM
	primaryLLM, err := reg.CreateLLM(llmEntry)
	if err != nil {
		return ps, fmt.Errorf("create llm provider %q: %w", llmEntry.Name, err)
	}
	llmGroup := resilience.NewLLMFallback(primaryLLM, llmEntry.Name, fbCfg(observe.StageLLM))
	for _, fb := range llmEntry.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return ps, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
		}
		llmGroup.AddFallback(fb.Name, p)
	}
	ps.LLM, ps.LLMName = llmGroup, llmEntry.Name

	ttsEntry := cfg.Providers.TTS
	primaryTTS, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return ps, fmt.Errorf("create tts provider %q: %w", ttsEntry.Name, err)
	}
	ttsGroup := resilience.NewTTSFallback(primaryTTS, ttsEntry.Name, fbCfg(observe.StageTTS))
	for _, fb := range ttsEntry.Fallbacks {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return ps, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		ttsGroup.AddFallback(fb.Name, p)
	}
	ps.TTS, ps.TTSName = ttsGroup, ttsEntry.Name

	slog.Info("provider created", "kind", "stt", "chain", sttGroup.Names())
	slog.Info("provider created", "kind", "llm", "chain", llmGroup.Names())
	slog.Info("provider created", "kind", "tts", "chain", ttsGroup.Names())
	return ps, nil
}

// tunablesFrom maps the hot-reloadable config sections onto server tunables.
func tunablesFrom(cfg *config.Config, ps pipeline.Providers) server.Tunables {
	var in, out audio.Format
	if cfg.Audio.SampleRate > 0 {
		in = audio.Mono(cfg.Audio.SampleRate)
	}
	if cfg.Audio.OutputSampleRate > 0 {
		out = audio.Mono(cfg.Audio.OutputSampleRate)
	}
	voiceProvider := cfg.Voice.Provider
	if voiceProvider == "" {
		voiceProvider = ps.TTSName
	}
	return server.Tunables{
		VAD: vad.Config{
			Format:          in,
			Threshold:       cfg.VAD.Threshold,
			SilenceDuration: cfg.VAD.SilenceDuration,
			MaxUtterance:    cfg.VAD.MaxUtterance,
			MinUtterance:    cfg.VAD.MinUtterance,
		},
		Pipeline: pipeline.Config{
			InputFormat:  in,
			OutputFormat: out,
			Language:     cfg.Voice.Language,
			Voice: tts.VoiceProfile{
				ID:          cfg.Voice.VoiceID,
				Provider:    voiceProvider,
				SpeedFactor: cfg.Voice.SpeedFactor,
			},
			MinTranscriptChars: cfg.Pipeline.MinTranscriptChars,
			SentenceSoftCap:    cfg.Pipeline.SentenceSoftCap,
			ChunkBytes:         cfg.Audio.ChunkBytes,
			MaxPairs:           cfg.History.MaxPairs,
			MaxTurnChars:       cfg.History.MaxTurnChars,
			Temperature:        cfg.Pipeline.Temperature,
			MaxTokens:          cfg.Pipeline.MaxTokens,
		},
		Session: session.Options{
			SystemPrompt:   cfg.Voice.SystemPrompt,
			EchoTail:       cfg.Echo.Tail,
			MaxStoredTurns: cfg.History.MaxStoredTurns,
		},
		QueueDepth: cfg.Pipeline.QueueDepth,
	}
}

func relayConfig(rc config.RelayConfig) relay.Config {
	return relay.Config{
		URL:          rc.URL,
		APIKey:       rc.APIKey,
		Model:        rc.Model,
		Voice:        rc.Voice,
		Instructions: rc.Instructions,
		TurnDetection: relay.TurnDetection{
			Threshold:       rc.TurnDetection.Threshold,
			PrefixPadding:   rc.TurnDetection.PrefixPadding,
			SilenceDuration: rc.TurnDetection.SilenceDuration,
		},
		BackoffBase:   rc.BackoffBase,
		BackoffCap:    rc.BackoffCap,
		MaxRetries:    rc.MaxRetries,
		PendingFrames: rc.PendingFrames,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT)
	printProvider("LLM", cfg.Providers.LLM)
	printProvider("TTS", cfg.Providers.TTS)
	if cfg.Relay.Enabled {
		fmt.Printf("║  Relay           : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Relay           : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, e config.ProviderEntry) {
	value := e.Name
	if e.Model != "" {
		value = e.Name + " / " + e.Model
	}
	if n := len(e.Fallbacks); n > 0 {
		value = fmt.Sprintf("%s (+%d)", value, n)
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes whole
// numbers as int, so both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
