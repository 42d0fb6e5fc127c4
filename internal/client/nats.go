package client

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/khjohns/unified-timeline-sub000/internal/errors"
)

// NATSClient wraps a core NATS connection used for post-commit case
// notifications. Connection loss is handled by the client's own reconnect
// loop; publishes during a reconnect window are buffered by the library.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNATSClient connects to the given NATS URL. An empty URL returns a nil
// client, which every caller treats as "notifications disabled".
func NewNATSClient(url, name string, log zerolog.Logger) (*NATSClient, error) {
	if url == "" {
		return nil, nil
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to connect to NATS")
	}

	return &NATSClient{conn: conn, log: log}, nil
}

// Publish sends a message on the given subject.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to publish NATS message")
	}
	return nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("nats: drain failed, closing hard")
		c.conn.Close()
	}
}
