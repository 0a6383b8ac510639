// Package app wires all tutorvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the history store, the
// session manager and the HTTP surface, Run serves them until the context is
// cancelled, and Shutdown releases what New opened.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithDialer, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/tutorvoice/internal/channel"
	"github.com/MrWong99/tutorvoice/internal/config"
	"github.com/MrWong99/tutorvoice/internal/conversation"
	"github.com/MrWong99/tutorvoice/internal/health"
	"github.com/MrWong99/tutorvoice/internal/history"
	"github.com/MrWong99/tutorvoice/internal/history/postgres"
	"github.com/MrWong99/tutorvoice/internal/identity"
	"github.com/MrWong99/tutorvoice/internal/observe"
	"github.com/MrWong99/tutorvoice/internal/resilience"
	"github.com/MrWong99/tutorvoice/pkg/audio"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the HTTP server shutdown and the final Leave.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	mic audio.Microphone
	spk audio.Speaker

	// Subsystems, initialised in New and torn down in Shutdown.
	store    history.Store
	writer   *history.Writer
	metrics  *observe.Metrics
	dial     Dialer
	sessions *SessionManager
	health   *health.Handler
	checkers []health.Checker
	hooks    conversation.Hooks
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from
// config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDialer injects the backend connection factory instead of dialing
// channel.url.
func WithDialer(d Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithHooks adds host hooks to every session, e.g. to print replies.
func WithHooks(h conversation.Hooks) Option {
	return func(a *App) { a.hooks = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the audio devices chosen by the caller.
// New performs all initialisation synchronously: history store connection,
// identity resolution, session manager and HTTP handler construction. No
// session is entered until [App.Run].
func New(ctx context.Context, cfg *config.Config, mic audio.Microphone, spk audio.Speaker, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		mic: mic,
		spk: spk,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Identity ──────────────────────────────────────────────────────
	user := a.resolveUser()

	// ── 3. Channel dialer ────────────────────────────────────────────────
	if a.dial == nil {
		a.dial = a.channelDialer()
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:     cfg,
		Dial:       a.dial,
		Microphone: mic,
		Speaker:    spk,
		Store:      a.store,
		Writer:     a.writer,
		UserName:   user,
		Metrics:    a.metrics,
		Logger:     a.log,
		Hooks:      a.hooks,
	})

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.checkers = append([]health.Checker{health.Condition("channel", a.sessions.Connected)}, a.checkers...)
	a.health = health.New(a.checkers...)
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory connects the PostgreSQL store when a DSN is configured and
// falls back to an in-memory store otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.History.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = history.Guard(store, resilience.NewBreaker(resilience.BreakerConfig{
				Name:   "history",
				Logger: a.log,
			}))
			a.checkers = append(a.checkers, health.Ping("history", store))
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
			a.log.Info("history: using postgres store")
		} else {
			a.store = history.NewMemStore()
		}
	}
	a.writer = history.NewWriter(a.store, a.cfg.History.QueueSize, a.log)
	return nil
}

// resolveUser returns the configured user name or the display name carried
// by the learner's bearer token. A broken token is logged and the session
// continues anonymously.
func (a *App) resolveUser() string {
	id := a.cfg.Identity
	if id.UserName != "" {
		return id.UserName
	}
	name, err := identity.Resolve(identity.Source{
		Token:     id.Token,
		TokenFile: id.TokenFile,
		TokenEnv:  id.TokenEnv,
	})
	if err != nil {
		a.log.Warn("identity: cannot read display name, continuing anonymously", "err", err)
		return ""
	}
	return name
}

// channelDialer builds a WebSocket channel per session.
func (a *App) channelDialer() Dialer {
	cc := a.cfg.Channel
	connectTimeout := a.cfg.Policy().ConnectTimeout
	header := make(http.Header, len(cc.Headers))
	for k, v := range cc.Headers {
		header.Set(k, v)
	}
	return func() conversation.Conn {
		opts := []channel.Option{
			channel.WithConnectTimeout(connectTimeout),
			channel.WithHTTPHeader(header),
			channel.WithLogger(a.log),
			channel.WithMetrics(a.metrics),
		}
		if cc.ReadLimit > 0 {
			opts = append(opts, channel.WithReadLimit(cc.ReadLimit))
		}
		return channel.New(cc.URL, opts...)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the HTTP surface: /healthz, /readyz and /metrics wrapped
// in the request metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ApplyConfig applies a reloaded config. Timing and VAD changes take effect
// with the next session.
func (a *App) ApplyConfig(cfg *config.Config) {
	d := config.Diff(a.cfg, cfg)
	if d.TimingChanged {
		a.log.Info("config: timing changes apply to the next session")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config: changes need a restart", "sections", d.RestartRequired)
	}
	a.cfg = cfg
	a.sessions.SetConfig(cfg)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run enters a session and serves the HTTP surface until ctx is cancelled.
// The history writer keeps draining until every session hook has returned.
// Run returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()
	writerDone := make(chan error, 1)
	go func() { writerDone <- a.writer.Run(writerCtx) }()

	if a.server != nil {
		g.Go(func() error {
			a.log.Info("http server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		if err := a.sessions.Enter(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		lctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.sessions.Leave(lctx)
	})

	a.log.Info("app running", "channel", a.cfg.Channel.URL)
	err := g.Wait()

	stopWriter()
	<-writerDone
	return err
}

// Shutdown releases everything New opened. Safe to call more than once.
func (a *App) Shutdown(_ context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
