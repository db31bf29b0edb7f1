package errs

// 网关错误码：4xxx 是连接关闭原因（对端可见），5xxx 是进程内部错误。
const (
	ServerInternalError = 5000

	CodeAuthTimeout        = 4401 // 认证超时
	CodeHeartbeatTimeout   = 4402 // 心跳超时
	CodeEncryptionRequired = 4403 // 必须协商加密
	CodeUnauthenticated    = 4404 // 认证被拒绝
	CodeTooManyConns       = 4405 // 每用户连接数超限且未配置淘汰
)

// Close reasons. Distinct by design: clients and ops tooling key off the
// code, never the message text.
var (
	ErrAuthTimeout        = NewCodeError(CodeAuthTimeout, "authentication deadline exceeded")
	ErrHeartbeatTimeout   = NewCodeError(CodeHeartbeatTimeout, "heartbeat deadline exceeded")
	ErrEncryptionRequired = NewCodeError(CodeEncryptionRequired, "encryption required but absent")
	ErrUnauthenticated    = NewCodeError(CodeUnauthenticated, "unauthenticated")
	ErrTooManyConns       = NewCodeError(CodeTooManyConns, "user connection limit reached")

	ErrInternal = NewCodeError(ServerInternalError, "server internal error")
)
