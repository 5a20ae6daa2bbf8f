// Package app wires the call bridge subsystems into a running server.
//
// New builds the shared state (waiting clips, call registry, call log),
// Handler exposes every HTTP route, Run serves until the context ends and
// Shutdown tears everything down in order. Configuration reloads apply to
// calls started afterwards.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/calllog"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/conversation"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/mcpserver"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/playback"
	"github.com/MrWong99/callbridge/internal/recognition"
	"github.com/MrWong99/callbridge/internal/telephony"
	"github.com/MrWong99/callbridge/internal/ttsproxy"
	"github.com/MrWong99/callbridge/internal/waiting"
	"github.com/MrWong99/callbridge/pkg/types"
)

// readHeaderTimeout bounds request header reads on the public listener.
const readHeaderTimeout = 10 * time.Second

// App owns the lifetime of every subsystem.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	scrape    http.Handler

	clips     *waiting.Store
	catalogue *waiting.Catalogue
	registry  *call.Registry
	callStore calllog.Store
	recorder  *calllog.Recorder
	checkers  []health.Checker
	listener  net.Listener

	srv *http.Server

	// closers are called in order during Shutdown.
	closers []func()

	stopOnce sync.Once
	stopErr  error
}

// Option configures an [App]. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets Reload change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithCallStore injects a call log store instead of opening PostgreSQL from
// the configured DSN.
func WithCallStore(s calllog.Store) Option {
	return func(a *App) { a.callStore = s }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New builds an App. Missing waiting clips are not fatal; an unreachable
// call-log database is.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.Default == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, default recognizer and tts providers are required")
	}
	a := &App{
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	a.cfg.Store(cfg)

	if err := a.initWaiting(cfg.Waiting); err != nil {
		return nil, fmt.Errorf("app: init waiting clips: %w", err)
	}
	if err := a.initCallLog(ctx, cfg.CallLog); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	a.registry = call.NewRegistry(
		call.WithMaxCalls(cfg.Telephony.MaxCalls),
		call.WithRegistryLogger(a.log),
	)
	a.checkers = append([]health.Checker{
		health.ClipsLoaded(a.clips.Len),
		health.Accepting(a.registry.Accepting),
	}, a.checkers...)
	return a, nil
}

func (a *App) initWaiting(cfg config.WaitingConfig) error {
	a.clips = waiting.NewStore(cfg.Dir,
		waiting.WithExtension(cfg.Extension),
		waiting.WithLogger(a.log),
	)
	if err := a.clips.Load(); err != nil {
		return err
	}
	a.log.Info("app: waiting clips loaded", "dir", cfg.Dir, "clips", a.clips.Len())

	if cfg.Catalogue == "" {
		a.catalogue = waiting.NewCatalogue(waiting.DefaultPhrases)
		return nil
	}
	c, err := waiting.LoadCatalogue(cfg.Catalogue)
	if err != nil {
		return err
	}
	a.catalogue = c
	return nil
}

func (a *App) initCallLog(ctx context.Context, cfg config.CallLogConfig) error {
	if a.callStore == nil && cfg.PostgresDSN != "" {
		store, closeFn, err := calllog.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closeFn)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.callStore = store
		a.checkers = append(a.checkers, health.Ping("calllog", store.Ping))
		a.log.Info("app: call log enabled", "store", "postgres")
	}
	if a.callStore != nil {
		a.recorder = calllog.NewRecorder(a.callStore, calllog.WithLogger(a.log))
	}
	return nil
}

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Registry returns the live call registry.
func (a *App) Registry() *call.Registry { return a.registry }

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	cfg := a.cfg.Load()
	mux := http.NewServeMux()

	voice := telephony.VoiceHandler(cfg.Server.PublicBaseURL, a.log)
	mux.Handle("POST /voice", telephony.RequireSignature(cfg.Telephony.TwilioAuthToken, cfg.Server.PublicBaseURL, a.log)(voice))
	mux.Handle("GET "+telephony.StreamPath, telephony.NewHandler(a.registry, a.newSession,
		telephony.WithHandlerLogger(a.log),
	))

	ttsproxy.New(a.providers.TTS, ttsproxy.Config{
		Voice:    cfg.Telephony.VoiceID,
		Model:    cfg.Providers.TTS.Model,
		Language: cfg.Telephony.Language,
	},
		ttsproxy.WithLogger(a.log),
		ttsproxy.WithMetrics(a.metrics),
		ttsproxy.WithProviderName(a.providers.TTSName),
	).Register(mux)

	if cfg.MCP.Enabled {
		mcpserver.New(a.publicBase(cfg), a.clips, mcpserver.WithLogger(a.log)).Register(mux)
	}

	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", a.scrape)

	return observe.Middleware(a.metrics)(mux)
}

// publicBase is the base URL handed out in MCP tool results.
func (a *App) publicBase(cfg *config.Config) string {
	if cfg.Server.PublicBaseURL != "" {
		return cfg.Server.PublicBaseURL
	}
	addr := cfg.Server.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	scheme := "http://"
	if cfg.Server.TLS != nil {
		scheme = "https://"
	}
	return scheme + addr
}

func (a *App) voice(cfg *config.Config) types.VoiceProfile {
	return types.VoiceProfile{ID: cfg.Telephony.VoiceID, Provider: a.providers.TTSName}
}

// newSession builds an unstarted call from the configuration current at the
// time the stream starts.
func (a *App) newSession(out call.Outbound) (*call.Session, error) {
	cfg := a.cfg.Load()
	log := a.log.With("session_id", uuid.NewString())

	agent, err := conversation.New(a.providers.LLM, conversation.Config{
		SystemPrompt:  cfg.Conversation.SystemPrompt,
		Timeout:       cfg.Conversation.Timeout,
		FallbackReply: cfg.Conversation.FallbackReply,
		Temperature:   cfg.Conversation.Temperature,
		MaxTokens:     cfg.Conversation.MaxTokens,
		MaxHistory:    cfg.Conversation.MaxHistory,
	},
		conversation.WithCatalogue(a.catalogue),
		conversation.WithMetrics(a.metrics),
		conversation.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("app: build conversation: %w", err)
	}

	recognizer, name := a.providers.recognizer(cfg.Recognition.Backend)
	deps := call.Deps{
		Recognizer:        recognizer,
		RecognizerName:    name,
		DefaultRecognizer: a.providers.Default,
		DefaultName:       a.providers.DefaultName,
		Synthesizer:       a.providers.TTS,
		Clips:             a.clips,
		Metrics:           a.metrics,
		CallLog:           a.recorder,
	}
	language := cfg.Recognition.Language
	if language == "" {
		language = cfg.Telephony.Language
	}
	return call.New(out, agent, deps, call.Config{
		Greeting:        cfg.Telephony.Greeting,
		BargeInMinChars: cfg.Telephony.BargeInMinChars,
		SpeculativeWait: cfg.Telephony.SpeculativeWait,
		Recognition: recognition.Config{
			Language:        language,
			EOUQuiet:        cfg.Recognition.EOUQuiet,
			EOUGuard:        cfg.Recognition.EOUGuard,
			MinPartialChars: cfg.Recognition.MinPartialChars,
			DedupWindow:     cfg.Recognition.DedupWindow,
		},
		Playback: playback.Config{
			Voice:         a.voice(cfg),
			Model:         cfg.Providers.TTS.Model,
			Language:      cfg.Telephony.Language,
			FrameInterval: cfg.Telephony.FrameInterval,
			StartFrames:   cfg.Telephony.StartBufferFrames,
			PrebufferWait: cfg.Telephony.PrebufferWait,
		},
	}, call.WithLogger(log)), nil
}

// Reload swaps in next for calls started from now on. Only the log level
// changes for running components; sections that need a restart are logged.
func (a *App) Reload(old, next *config.Config) {
	d := config.Diff(old, next)
	if !d.Changed() {
		return
	}
	a.cfg.Store(next)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
	}
	a.log.Info("app: configuration reloaded",
		"log_level_changed", d.LogLevelChanged,
		"telephony_changed", d.TelephonyChanged,
		"recognition_changed", d.RecognitionChanged,
		"conversation_changed", d.ConversationChanged,
	)
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: some changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down within the
// configured timeout. A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	a.srv = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("app: listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Load().Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown hangs up every call, stops the HTTP server, flushes the call log
// and releases the remaining resources. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "calls", a.registry.Len())
		var errs []error

		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.srv != nil {
			if err := a.srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
			}
		}
		if a.recorder != nil {
			if err := a.recorder.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		a.runClosers()

		a.stopErr = errors.Join(errs...)
		a.log.Info("app: shutdown complete")
	})
	return a.stopErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
}

// SlogLevel converts a configured log level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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
