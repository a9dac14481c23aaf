// Package natsfeed bridges producer payloads published on a NATS
// subject into the same ingest path the HTTP endpoint uses. The broker
// is a trusted source, so no rate limiting applies; rejected payloads
// are logged and counted but never retried.
package natsfeed

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Ingester applies one producer payload. The relay satisfies this.
type Ingester interface {
	Ingest(payload string) error
}

// Config configures a Bridge.
type Config struct {
	URL     string
	Subject string
	Logger  zerolog.Logger
}

// Bridge is a live NATS subscription feeding the ingest path.
type Bridge struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	ingest  Ingester
	logger  zerolog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
}

// Connect dials the broker and subscribes to the configured subject.
// The connection reconnects indefinitely; messages published while the
// bridge is down are lost, which is fine because producers re-send full
// snapshots continuously.
func Connect(cfg Config, ing Ingester) (*Bridge, error) {
	b := &Bridge{
		subject: cfg.Subject,
		ingest:  ing,
		logger:  cfg.Logger.With().Str("component", "natsfeed").Logger(),
	}

	opts := []nats.Option{
		nats.Name("msdp-web-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("nats async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(cfg.Subject, func(msg *nats.Msg) {
		b.handle(msg.Data)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Subject, err)
	}
	b.sub = sub

	b.logger.Info().
		Str("url", cfg.URL).
		Str("subject", cfg.Subject).
		Msg("nats ingest bridge connected")
	return b, nil
}

// handle feeds one broker message through the ingest path. Failures
// carry the same meaning as HTTP rejections but have no one to answer,
// so they are only logged and counted.
func (b *Bridge) handle(data []byte) {
	if err := b.ingest.Ingest(string(data)); err != nil {
		b.rejected.Add(1)
		b.logger.Warn().
			Err(err).
			Int("bytes", len(data)).
			Str("subject", b.subject).
			Msg("rejected payload from nats")
		return
	}
	b.accepted.Add(1)
}

// Connected reports whether the underlying connection is currently up.
func (b *Bridge) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Stats reports how many broker payloads were accepted and rejected.
func (b *Bridge) Stats() (accepted, rejected int64) {
	return b.accepted.Load(), b.rejected.Load()
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.logger.Info().Msg("nats ingest bridge closed")
}
