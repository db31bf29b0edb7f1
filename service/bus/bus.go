package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Scope 消息投递范围
type Scope string

const (
	ScopeConn Scope = "conn" // 指定连接
	ScopeRoom Scope = "room" // 房间内所有连接
	ScopeAll  Scope = "all"  // 所有连接
)

// EmitterOrigin is the reserved origin identity for publish-only producers
// (background workers that own no local connections). Every gateway treats
// envelopes from this origin as foreign and always delivers them locally.
// A gateway instance must never publish under this identity: it would
// re-deliver its own messages to its own sockets.
const EmitterOrigin = "emitter"

// Envelope 跨节点广播信封。Origin 用于去重：节点只忽略自己发布的消息。
type Envelope struct {
	Origin  string          `json:"origin"`
	Scope   Scope           `json:"scope"`
	Target  string          `json:"target,omitempty"` // conn_id 或房间名；Scope=all 时为空
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"`
}

// NewEnvelope 构造信封并打上毫秒时间戳。
func NewEnvelope(origin string, scope Scope, target, event string, payload []byte) Envelope {
	return Envelope{
		Origin:  origin,
		Scope:   scope,
		Target:  target,
		Event:   event,
		Payload: payload,
		Ts:      time.Now().UnixMilli(),
	}
}

// Handler 收到对端节点信封时的回调。
type Handler func(Envelope)

// Bus 网关间共享的 pub/sub 总线。
// Publish 与订阅走独立的底层连接；实现负责断线自动重连，
// 断线期间丢失的跨节点消息不补发（至多一次语义）。
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe 注册回调并启动后台消费；在 Close 前只能调用一次。
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
