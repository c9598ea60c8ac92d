// Package natspub publishes lifecycle events to NATS as JSON.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"voip-notify/internal/events"
)

// Publisher sends each event to "<prefix>.<event type>", for example
// voip.campaign.finished.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

var _ events.Publisher = (*Publisher)(nil)

func Connect(url, prefix string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("voipnotifyd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return New(nc, prefix, log), nil
}

func New(nc *nats.Conn, prefix string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

func (p *Publisher) Subject(t events.Type) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.Subject(e.Type)
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	if err := p.nc.PublishMsg(msg); err != nil {
		p.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
		p.log.Warn("nats flush failed", zap.Error(err))
	}
	p.nc.Close()
	return nil
}
