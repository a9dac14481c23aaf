package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/chasdabigone/msdp-web-server/internal/fanout"
	"github.com/chasdabigone/msdp-web-server/internal/metrics"
	"github.com/chasdabigone/msdp-web-server/internal/relay"
	"github.com/chasdabigone/msdp-web-server/internal/state"
)

// writeWait bounds every frame write to a subscriber; a client that
// cannot drain a frame within it is dropped.
const writeWait = 5 * time.Second

// session is one subscriber connection: a snapshot frame on attach,
// then the delta stream until either side goes away. Writes happen
// from the delta pump and from ping replies in the read loop, hence
// the mutex.
type session struct {
	id      int64
	conn    net.Conn
	relay   *relay.Relay
	metrics *metrics.Registry
	logger  zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// run owns the connection. It subscribes before snapshotting so no
// delta published in between is lost, starts the delta pump, and then
// reads frames until the peer disconnects or the pump shuts the
// connection.
func (s *session) run() {
	defer s.shut()

	// The upgrade path may leave header-read deadlines armed.
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear connection deadlines")
		return
	}

	s.metrics.Subscribers.Inc()
	defer s.metrics.Subscribers.Dec()

	rcv := s.relay.Subscribe()

	snapshot, err := json.Marshal(s.relay.Snapshot())
	if err != nil {
		rcv.Close()
		s.logger.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}
	if err := s.send(ws.OpText, snapshot); err != nil {
		rcv.Close()
		s.logger.Warn().Err(err).Msg("failed to send snapshot")
		return
	}
	s.logger.Info().Int("snapshot_bytes", len(snapshot)).Msg("subscriber attached")

	ctx, cancel := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer s.shut() // a dead pump must unblock the read loop
		defer rcv.Close()
		s.deltaPump(ctx, rcv)
	}()

	s.readLoop()
	cancel()
	<-pumpDone
}

// deltaPump forwards published deltas to the peer. Lag skips ahead and
// keeps the session; a closed stream or a failed write ends it. A
// delta that fails to marshal is dropped for this subscriber only.
func (s *session) deltaPump(ctx context.Context, rcv *fanout.Receiver[state.Delta]) {
	for {
		delta, err := rcv.Recv(ctx)
		if err != nil {
			var lag *fanout.LagError
			switch {
			case errors.As(err, &lag):
				s.metrics.SubscriberLag.Inc()
				s.logger.Warn().
					Uint64("missed", lag.Missed).
					Msg("subscriber lagging, resuming at oldest retained delta")
				continue
			case errors.Is(err, fanout.ErrClosed):
				s.logger.Info().Msg("delta stream closed, ending session")
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				s.logger.Warn().Err(err).Msg("delta receive failed")
				return
			}
		}

		payload, err := json.Marshal(delta)
		if err != nil {
			s.logger.Error().
				Err(err).
				Int("updates", len(delta.Updates)).
				Msg("failed to marshal delta, skipping")
			continue
		}
		if err := s.send(ws.OpText, payload); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send delta, ending session")
			return
		}
	}
}

// readLoop consumes inbound frames: pings are answered with the same
// payload, close ends the session, text and binary are ignored.
func (s *session) readLoop() {
	reader := wsutil.NewReader(s.conn, ws.StateServerSide)
	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}

		payload := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug().Err(err).Msg("failed to read frame payload")
				return
			}
		}

		switch hdr.OpCode {
		case ws.OpPing:
			if err := s.send(ws.OpPong, payload); err != nil {
				s.logger.Debug().Err(err).Msg("failed to answer ping")
				return
			}
		case ws.OpClose:
			// Reply before tearing down, as the protocol requires.
			_ = s.send(ws.OpClose, payload)
			s.logger.Info().Msg("subscriber sent close")
			return
		case ws.OpText:
			s.logger.Debug().Int("bytes", len(payload)).Msg("ignoring inbound text frame")
		case ws.OpBinary:
			s.logger.Warn().Int("bytes", len(payload)).Msg("ignoring inbound binary frame")
		case ws.OpPong:
			// Unsolicited; nothing to do.
		}
	}
}

// send writes one frame under the write mutex with a fresh deadline.
func (s *session) send(op ws.OpCode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(s.conn, op, payload)
}

// shut closes the connection once; safe from both pumps.
func (s *session) shut() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug().Err(err).Msg("connection close failed")
		}
		s.logger.Info().Msg("subscriber session closed")
	})
}
