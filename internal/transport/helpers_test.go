package transport

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chasdabigone/msdp-web-server/internal/limits"
	"github.com/chasdabigone/msdp-web-server/internal/metrics"
	"github.com/chasdabigone/msdp-web-server/internal/relay"
	"github.com/chasdabigone/msdp-web-server/internal/sysmon"
)

// newTestServer assembles a Server around a fast-ticking relay and a
// limiter generous enough to stay out of the way. mutate adjusts the
// options before construction.
func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *relay.Relay, *metrics.Registry) {
	t.Helper()

	reg := metrics.NewRegistry()
	rly := relay.New(relay.Options{
		PruneInterval:     time.Minute,
		DataTimeout:       5 * time.Minute,
		BroadcastInterval: 20 * time.Millisecond,
		ConnectionTimeout: 5 * time.Second,
		ChannelCapacity:   16,
		Metrics:           reg,
		Logger:            zerolog.Nop(),
	})
	limiter := limits.NewIngestLimiter(limits.IngestLimiterConfig{
		RPS:                1000,
		Burst:              1000,
		ViolationThreshold: 5,
		BanDuration:        time.Minute,
		CleanupInterval:    time.Minute,
		Logger:             zerolog.Nop(),
	})
	mon := sysmon.New(sysmon.Options{
		Interval: time.Second,
		Metrics:  reg,
		Logger:   zerolog.Nop(),
	})

	opts := Options{
		Addr:            "127.0.0.1:0",
		StaticDir:       "../../static",
		ShutdownTimeout: time.Second,
		Relay:           rly,
		IngestLimiter:   limiter,
		Metrics:         reg,
		Sysmon:          mon,
		Logger:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), rly, reg
}

// wsConn is the test-side subscriber. The dialer can hand back a
// buffered reader already holding frames the server sent right after
// the handshake, so reads must go through it.
type wsConn struct {
	conn net.Conn
	rd   io.Reader
}

func dialWS(t *testing.T, httpURL string) *wsConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(httpURL, "http")+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsConn{conn: conn, rd: conn}
	if br != nil {
		c.rd = br
	}
	return c
}

func (c *wsConn) Read(p []byte) (int, error)  { return c.rd.Read(p) }
func (c *wsConn) Write(p []byte) (int, error) { return c.conn.Write(p) }

// readText returns the payload of the next text frame, replying to any
// interleaved control frames along the way.
func (c *wsConn) readText(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	data, op, err := wsutil.ReadServerData(c)
	require.NoError(t, err)
	require.Equal(t, ws.OpText, op)
	return data
}

// readFrame returns the next raw frame, control frames included.
func (c *wsConn) readFrame(t *testing.T, timeout time.Duration) ws.Frame {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	frame, err := ws.ReadFrame(c)
	require.NoError(t, err)
	return frame
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
