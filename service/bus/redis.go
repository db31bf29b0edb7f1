package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"PGateway/global/config"
	"PGateway/logger"
	"PGateway/tools/errs"

	"github.com/redis/go-redis/v9"
)

// RedisBus 基于 redis pub/sub 的总线实现。
// 发布与订阅使用两个独立的 client：订阅连接进入 subscribe 状态后
// 不能再执行普通命令。
type RedisBus struct {
	channel string
	backoff time.Duration

	pub *redis.Client
	sub *redis.Client

	mu        sync.Mutex
	pubsub    *redis.PubSub
	handler   Handler
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBus dials both connections and confirms them with a ping before
// the caller starts accepting traffic.
func NewRedisBus(cfg config.BusConfig) (*RedisBus, error) {
	cfg.Norm()
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}

	pub := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pub.Ping(ctx).Err(); err != nil {
		return nil, errs.WrapMsg(err, "bus publish conn ping", "addr", cfg.Addr)
	}
	if err := sub.Ping(ctx).Err(); err != nil {
		_ = pub.Close()
		return nil, errs.WrapMsg(err, "bus subscribe conn ping", "addr", cfg.Addr)
	}

	return &RedisBus{
		channel: cfg.Channel,
		backoff: cfg.ReconnectWait,
		pub:     pub,
		sub:     sub,
		done:    make(chan struct{}),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errs.WrapMsg(err, "marshal envelope")
	}
	return b.pub.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return errs.New("bus already subscribed")
	}
	if b.closed {
		return errs.New("bus closed")
	}
	b.handler = h

	ps := b.sub.Subscribe(ctx, b.channel)
	// 阻塞等待订阅确认，确保启动顺序：先就绪再接流量
	if _, err := ps.Receive(ctx); err != nil {
		b.handler = nil
		return errs.WrapMsg(err, "subscribe confirm", "channel", b.channel)
	}
	b.pubsub = ps

	go b.consume(ctx, ps)
	return nil
}

// consume drains the subscription. go-redis reconnects the pubsub conn
// itself; the loop only exists again when Close tears the pubsub down, in
// which case the channel is re-established with backoff unless we are done.
func (b *RedisBus) consume(ctx context.Context, ps *redis.PubSub) {
	for {
		ch := ps.Channel()
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warnf("[bus] bad envelope on %s: %v", b.channel, err)
				continue
			}
			b.handler(env)
		}

		// channel closed: either Close() or a fatal pubsub error
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		logger.Warnf("[bus] subscription lost on %s, resubscribing", b.channel)
		wait := b.backoff
		for {
			select {
			case <-b.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			ps = b.sub.Subscribe(ctx, b.channel)
			if _, err := ps.Receive(ctx); err == nil {
				b.mu.Lock()
				b.pubsub = ps
				b.mu.Unlock()
				logger.Infof("[bus] resubscribed on %s", b.channel)
				break
			}
			_ = ps.Close()
			if wait < 10*time.Second {
				wait *= 2
			}
		}
	}
}

func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		ps := b.pubsub
		b.mu.Unlock()
		if ps != nil {
			_ = ps.Close()
		}
		err = b.sub.Close()
		if perr := b.pub.Close(); perr != nil && err == nil {
			err = perr
		}
	})
	return err
}
