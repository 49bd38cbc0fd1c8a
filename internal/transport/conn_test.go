package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeterm/marketdata/internal/bus"
	"github.com/tradeterm/marketdata/internal/feed"
)

func TestNextDelayDoublesAndCaps(t *testing.T) {
	testCases := []struct {
		name string
		cur  time.Duration
		max  time.Duration
		want time.Duration
	}{
		{"doubles", time.Second, 30 * time.Second, 2 * time.Second},
		{"doubles_again", 4 * time.Second, 30 * time.Second, 8 * time.Second},
		{"caps_at_ceiling", 16 * time.Second, 30 * time.Second, 30 * time.Second},
		{"stays_at_ceiling", 30 * time.Second, 30 * time.Second, 30 * time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextDelay(tc.cur, tc.max); got != tc.want {
				t.Errorf("nextDelay(%v, %v) = %v, want %v", tc.cur, tc.max, got, tc.want)
			}
		})
	}
}

// wsTestServer accepts one WebSocket session at a time, records inbound
// messages, and lets the test kill the session to force a reconnect.
type wsTestServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions int
	inbound  []feed.StreamRequest
	current  *websocket.Conn
}

func newWSTestServer(t *testing.T) (*wsTestServer, string, func()) {
	s := &wsTestServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return s, url, srv.Close
}

func (s *wsTestServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sessions++
	s.current = ws
	s.mu.Unlock()

	for {
		var req feed.StreamRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		if req.Type == "stream" {
			s.mu.Lock()
			s.inbound = append(s.inbound, req)
			s.mu.Unlock()
		}
	}
}

func (s *wsTestServer) sendFrame(frame string) {
	s.mu.Lock()
	ws := s.current
	s.mu.Unlock()
	if ws != nil {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

func (s *wsTestServer) kill() {
	s.mu.Lock()
	ws := s.current
	s.current = nil
	s.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (s *wsTestServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *wsTestServer) streamRequests() []feed.StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feed.StreamRequest(nil), s.inbound...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnPublishesParsedFrames(t *testing.T) {
	srv, url, stop := newWSTestServer(t)
	defer stop()

	b := bus.New()
	var mu sync.Mutex
	var got []float64
	b.Subscribe(feed.KindPrice, func(ev feed.Event) {
		mu.Lock()
		got = append(got, ev.Price.Last)
		mu.Unlock()
	})

	c := New(Config{URL: url, ReconnectInitialDelay: 10 * time.Millisecond}, b)
	c.Dial(context.Background())
	defer c.Close()

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateOpen })
	srv.sendFrame(`{"type":"price","symbol":"SPY","last":510.5,"timestamp":1740930600000}`)
	srv.sendFrame(`{"type":"heartbeat"}`)
	srv.sendFrame(`{"type":"price","symbol":"SPY","last":510.6,"timestamp":1740930601000}`)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != 510.5 || got[1] != 510.6 {
		t.Errorf("frames out of order or mangled: %v", got)
	}
}

func TestConnReconnectsAndResendsStream(t *testing.T) {
	srv, url, stop := newWSTestServer(t)
	defer stop()

	b := bus.New()
	c := New(Config{URL: url, ReconnectInitialDelay: 10 * time.Millisecond}, b)
	c.Dial(context.Background())
	defer c.Close()

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateOpen })
	c.Stream(feed.NewStreamRequest(feed.StreamStart, []string{"SPY"}, nil))
	waitFor(t, 2*time.Second, func() bool { return len(srv.streamRequests()) == 1 })

	srv.kill()
	waitFor(t, 5*time.Second, func() bool { return srv.sessionCount() >= 2 })

	// The stream request must be replayed on the new session without any
	// caller involvement.
	waitFor(t, 5*time.Second, func() bool { return len(srv.streamRequests()) >= 2 })
	reqs := srv.streamRequests()
	last := reqs[len(reqs)-1]
	if last.Action != feed.StreamStart || len(last.Symbols) != 1 || last.Symbols[0] != "SPY" {
		t.Errorf("replayed stream request wrong: %+v", last)
	}
}

func TestConnSendDropsWhenClosed(t *testing.T) {
	b := bus.New()
	c := New(Config{URL: "ws://127.0.0.1:1/stream"}, b)

	// Never dialed; sends must be silent no-ops.
	c.Send(feed.NewPing())
	c.Stream(feed.NewStreamRequest(feed.StreamStart, []string{"SPY"}, nil))
	if c.State() != StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	_, url, stop := newWSTestServer(t)
	defer stop()

	b := bus.New()
	c := New(Config{URL: url, ReconnectInitialDelay: 10 * time.Millisecond}, b)
	c.Dial(context.Background())
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateOpen })

	c.Close()
	c.Close()
	if c.State() != StateClosed {
		t.Errorf("state = %v after close", c.State())
	}
}
