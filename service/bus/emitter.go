package bus

import (
	"context"

	"PGateway/tools/errs"
)

// Emitter 是发布专用句柄，给不跑网关的进程（后台 worker）用。
// 它以保留的 EmitterOrigin 身份发布：所有网关都把这类信封当作外来消息
// 本地投递。Emitter 自己不持有任何连接，所以不存在去重问题 —— 这一前提
// 不能被破坏（见 server.New 的身份校验）。
type Emitter struct {
	b Bus
}

// NewEmitter wraps a publish-capable bus connection.
func NewEmitter(b Bus) *Emitter {
	return &Emitter{b: b}
}

// Emit publishes an event toward the given scope/target.
func (e *Emitter) Emit(ctx context.Context, scope Scope, target, event string, payload []byte) error {
	if scope == ScopeRoom && target == "" {
		return errs.New("room scope requires a target")
	}
	if scope == ScopeConn && target == "" {
		return errs.New("conn scope requires a target")
	}
	return e.b.Publish(ctx, NewEnvelope(EmitterOrigin, scope, target, event, payload))
}

// Close releases the underlying bus connection.
func (e *Emitter) Close() error { return e.b.Close() }
