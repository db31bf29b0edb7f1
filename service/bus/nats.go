package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"PGateway/global/config"
	"PGateway/logger"
	"PGateway/tools/errs"

	"github.com/nats-io/nats.go"
)

// NatsBus 备用总线实现：核心 NATS（无持久化），断线由客户端无限重连。
type NatsBus struct {
	subject string

	nc *nats.Conn

	mu      sync.Mutex
	sub     *nats.Subscription
	handler Handler
}

func NewNatsBus(cfg config.BusConfig) (*NatsBus, error) {
	cfg.Norm()
	opts := []nats.Option{
		nats.Name("gateway-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[bus] nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[bus] nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(cfg.Addr, opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "addr", cfg.Addr)
	}
	return &NatsBus{subject: cfg.Channel, nc: nc}, nil
}

func (b *NatsBus) Publish(_ context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errs.WrapMsg(err, "marshal envelope")
	}
	return b.nc.Publish(b.subject, raw)
}

func (b *NatsBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return errs.New("bus already subscribed")
	}
	b.handler = h

	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logger.Warnf("[bus] bad envelope on %s: %v", b.subject, err)
			return
		}
		h(env)
	})
	if err != nil {
		b.handler = nil
		return errs.WrapMsg(err, "nats subscribe", "subject", b.subject)
	}
	b.sub = sub
	return b.nc.Flush()
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		_ = b.sub.Drain()
		b.sub = nil
	}
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
