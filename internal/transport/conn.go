// Package transport owns the persistent market-data connection: one
// WebSocket link with handshake, heartbeats, exponential-backoff
// reconnection, and strict frame translation. Transport errors never
// surface to callers; they appear only as state transitions and
// reconnect attempts.
package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeterm/marketdata/internal/bus"
	"github.com/tradeterm/marketdata/internal/feed"
	"github.com/tradeterm/marketdata/internal/observ"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds connection tuning. Zero values fall back to defaults.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectJitter       time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// Conn is the long-lived connection service owned by the application root.
// Consumers hold a reference and subscribe through the bus; they never
// create their own connection.
type Conn struct {
	cfg Config
	bus *bus.Bus

	mu          sync.Mutex // guards ws, lastStream, tearingDown
	ws          *websocket.Conn
	lastStream  *feed.StreamRequest
	tearingDown bool

	writeMu sync.Mutex // serializes socket writes (heartbeat vs callers)

	state  int32 // atomic State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, b *bus.Bus) *Conn {
	cfg.applyDefaults()
	return &Conn{cfg: cfg, bus: b}
}

// Dial starts the manage loop and returns immediately. The loop retries
// indefinitely until Close or context cancellation.
func (c *Conn) Dial(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.manageLoop(ctx)
}

// State reports the current connection phase.
func (c *Conn) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// OnEvent registers interest in one event kind and returns the disposer.
func (c *Conn) OnEvent(kind feed.EventKind, fn bus.Handler) (unsubscribe func()) {
	return c.bus.Subscribe(kind, fn)
}

// Send marshals v onto the wire. It is fire-and-forget: when the link is
// not open the message is dropped with a metric, never an error.
func (c *Conn) Send(v any) {
	if c.State() != StateOpen {
		observ.IncCounter("feed_send_dropped_total", nil)
		return
	}
	c.write(v)
}

// Stream records the instrument universe and sends the control frame. The
// recorded request is re-sent after every reconnect so the server resumes
// pushing without consumer involvement.
func (c *Conn) Stream(req feed.StreamRequest) {
	c.mu.Lock()
	if req.Action == feed.StreamStop {
		c.lastStream = nil
	} else {
		r := req
		c.lastStream = &r
	}
	c.mu.Unlock()
	c.Send(req)
}

// Close is deliberate teardown: stops reconnecting, closes the socket, and
// waits for the loops to drain. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.tearingDown {
		c.mu.Unlock()
		return
	}
	c.tearingDown = true
	ws := c.ws
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
	c.wg.Wait()
	c.setState(StateClosed)
}

func (c *Conn) manageLoop(ctx context.Context) {
	defer c.wg.Done()

	delay := c.cfg.ReconnectInitialDelay
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
		ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			c.setState(StateClosed)
			if ctx.Err() != nil {
				return
			}
			observ.IncCounter("feed_reconnects_total", nil)
			observ.Log("feed_connect_failed", map[string]any{
				"url":           c.cfg.URL,
				"error":         err.Error(),
				"next_delay_ms": delay.Milliseconds(),
			})
			if !sleepCtx(ctx, c.withJitter(delay)) {
				return
			}
			delay = nextDelay(delay, c.cfg.ReconnectMaxDelay)
			continue
		}

		c.mu.Lock()
		if c.tearingDown {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		resume := c.lastStream
		c.mu.Unlock()

		c.setState(StateOpen)
		// Successful open resets backoff to the floor; stale backoff must
		// not persist across connections.
		delay = c.cfg.ReconnectInitialDelay
		observ.Log("feed_connected", map[string]any{"url": c.cfg.URL})

		if resume != nil {
			c.write(*resume)
		}

		hbStop := make(chan struct{})
		c.wg.Add(1)
		go c.heartbeatLoop(hbStop)

		readErr := c.readLoop(ws)
		close(hbStop)

		c.mu.Lock()
		c.ws = nil
		td := c.tearingDown
		c.mu.Unlock()
		c.setState(StateClosed)

		if td || ctx.Err() != nil {
			return
		}

		observ.IncCounter("feed_reconnects_total", nil)
		observ.Log("feed_disconnected", map[string]any{
			"error":         errString(readErr),
			"next_delay_ms": delay.Milliseconds(),
		})
		if !sleepCtx(ctx, c.withJitter(delay)) {
			return
		}
		delay = nextDelay(delay, c.cfg.ReconnectMaxDelay)
	}
}

// readLoop processes frames strictly in arrival order. Publishing is
// synchronous, so one frame's fan-out completes before the next is read.
func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		observ.IncCounter("feed_frames_total", nil)

		ev, err := ParseFrame(data, time.Now)
		if err != nil {
			// Malformed or unrecognized frames are non-fatal.
			observ.IncCounter("feed_frames_dropped_total", nil)
			observ.Log("frame_dropped", map[string]any{"error": err.Error()})
			continue
		}
		if ev == nil {
			continue
		}
		observ.IncCounter("feed_events_total", map[string]string{"kind": ev.Kind.String()})
		c.bus.Publish(*ev)
	}
}

func (c *Conn) heartbeatLoop(stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.write(feed.NewPing())
		}
	}
}

func (c *Conn) write(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		observ.IncCounter("feed_send_dropped_total", nil)
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteJSON(v); err != nil {
		// The read loop observes the dead socket and drives reconnection.
		observ.Log("feed_write_failed", map[string]any{"error": err.Error()})
	}
}

func (c *Conn) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
	observ.SetGauge("feed_connection_state", float64(s), nil)
}

func (c *Conn) withJitter(d time.Duration) time.Duration {
	if c.cfg.ReconnectJitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(c.cfg.ReconnectJitter)))
}

// nextDelay doubles the backoff delay up to the ceiling.
func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
