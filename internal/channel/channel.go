// Package channel implements the duplex audio channel between a conversation
// session and the tutor backend.
//
// One [Channel] is opened per session over a WebSocket. Outbound frames are
// JSON text (utterance audio is base64-embedded). Inbound binary frames are
// synthesized speech; inbound text frames are JSON [ControlMessage] values.
// Events are delivered through [Handlers] on the channel's read goroutine.
//
// Establishment is bounded by a connect timeout; a failed or timed-out dial
// surfaces as OnClose with [ErrConnectionTimeout]. A later drop surfaces as
// OnClose with [ErrConnectionClosed]. There is no automatic reconnect.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tutorvoice/internal/observe"
	"github.com/MrWong99/tutorvoice/internal/timing"
	"github.com/coder/websocket"
)

var (
	// ErrConnectionTimeout is reported when the channel could not be
	// established within the connect timeout.
	ErrConnectionTimeout = errors.New("channel: connection timeout")

	// ErrConnectionClosed is reported when an established channel drops.
	ErrConnectionClosed = errors.New("channel: connection closed")

	// ErrNotConnected is returned by [Channel.Send] when the channel is not
	// open.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrAlreadyOpened is returned by [Channel.Open] on a second call.
	ErrAlreadyOpened = errors.New("channel: already opened")
)

const (
	defaultReadLimit    = 16 << 20
	defaultWriteTimeout = 10 * time.Second
)

// Handlers receives channel events. Any field may be nil. Handlers are
// invoked sequentially on the channel's read goroutine in arrival order.
type Handlers struct {
	// OnOpen is called once the connection is established.
	OnOpen func()

	// OnControl is called for every well-formed inbound JSON frame.
	OnControl func(ControlMessage)

	// OnAudio is called for every inbound binary frame.
	OnAudio func([]byte)

	// OnClose is called at most once when the connection fails or drops. It
	// is not called after [Channel.Close].
	OnClose func(error)
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Channel.
type Option func(*Channel)

// WithConnectTimeout bounds connection establishment.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithHTTPHeader sets extra headers sent with the WebSocket handshake.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h }
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Channel) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithLogger sets the logger for connection lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithMetrics sets the metrics the channel records connect latency and
// failures to. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// ── Channel ───────────────────────────────────────────────────────────────────

// Channel is a duplex WebSocket connection to the tutor backend.
//
// Channel is safe for concurrent use.
type Channel struct {
	url            string
	connectTimeout time.Duration
	header         http.Header
	readLimit      int64
	log            *slog.Logger
	metrics        *observe.Metrics

	connected atomic.Bool

	mu      sync.Mutex
	opened  bool
	closed  bool
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// New returns an unopened Channel for the given ws:// or wss:// URL.
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:            url,
		connectTimeout: timing.DefaultConnectTimeout,
		readLimit:      defaultReadLimit,
		log:            slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Open starts connecting in the background and returns immediately. The
// outcome is reported through h. ctx bounds the lifetime of the connection.
func (c *Channel) Open(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return ErrAlreadyOpened
	}
	if c.closed {
		return ErrNotConnected
	}
	c.opened = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.run(c.ctx, h)
	return nil
}

func (c *Channel) run(ctx context.Context, h Handlers) {
	conn, err := c.dial(ctx)
	if err != nil {
		if c.isClosed() {
			return
		}
		c.log.Warn("channel: connect failed", "url", c.url, "err", err)
		c.metrics.RecordChannelError(ctx, "timeout")
		if h.OnClose != nil {
			h.OnClose(err)
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return
	}
	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.log.Info("channel: connected", "url", c.url)
	if h.OnOpen != nil {
		h.OnOpen()
	}
	c.receiveLoop(ctx, conn, h)
}

// dial establishes the WebSocket within the connect timeout.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "channel.dial")

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header,
	})
	if err != nil {
		err = fmt.Errorf("%w: dial: %w", ErrConnectionTimeout, err)
		observe.EndSpan(span, err)
		return nil, err
	}
	observe.EndSpan(span, nil)
	c.metrics.ChannelConnectDuration.Record(ctx, time.Since(start).Seconds())

	conn.SetReadLimit(c.readLimit)
	return conn, nil
}

// receiveLoop reads frames and dispatches them until the connection ends.
func (c *Channel) receiveLoop(ctx context.Context, conn *websocket.Conn, h Handlers) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.connected.Store(false)
			if c.isClosed() {
				return
			}
			c.log.Warn("channel: connection dropped", "err", err)
			c.metrics.RecordChannelError(context.Background(), "closed")
			if h.OnClose != nil {
				h.OnClose(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			}
			return
		}

		f, err := DecodeFrame(typ, data)
		if err != nil {
			c.log.Warn("channel: dropping malformed frame", "err", err, "size", len(data))
			continue
		}
		f.dispatch(h)
	}
}

// Send marshals v and writes it as a JSON text frame.
func (c *Channel) Send(v any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("channel: marshal: %w", err)
	}

	c.mu.Lock()
	conn, ctx := c.conn, c.ctx
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("channel: write: %w", err)
	}
	return nil
}

// IsConnected reports whether the channel is open.
func (c *Channel) IsConnected() bool {
	return c.connected.Load()
}

// Close terminates the connection. Idempotent. Handlers are not invoked for a
// local close.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	c.connected.Store(false)
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
