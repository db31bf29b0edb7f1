package gateway

import (
	"encoding/json"
	"time"

	decode "PGateway/tools/decode"
	errors "PGateway/tools/errs"
)

// 客户端与服务端之间的事件名（传输层无关）。
const (
	EventAuthenticate   = "authenticate"   // client→server 发起认证
	EventAuthenticated  = "authenticated"  // server→client 认证成功回执
	EventUnauthenticate = "unauthenticate" // server→client 认证被拒，连接即将关闭
	EventJoin           = "join"           // client→server 申请加入房间
	EventLeave          = "leave"          // client→server 离开房间
	EventPing           = "ping"           // server→client 心跳探测
	EventPong           = "pong"           // client→server 心跳应答（任何入站帧都续期）
)

// Frame 入站业务帧。Payload 保持弱类型，由各 handler 用 decode 转成业务结构。
type Frame struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	Ts      int64          `json:"ts,omitempty"`
}

// ParseFrame 解析入站帧；事件名缺失视为坏帧。
func ParseFrame(raw []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, errors.WrapMsg(err, "unmarshal frame failed")
	}
	if frame.Event == "" {
		return nil, errors.New("frame event missing")
	}
	return frame, nil
}

// outFrame 出站帧。Payload 可以是任意可序列化值或密文（base64，Enc=true）。
type outFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Enc     bool   `json:"enc,omitempty"`
	Ts      int64  `json:"ts"`
}

// EncodeFrame 序列化出站帧；编码失败属于编程错误，返回底层错误给调用方记录。
func EncodeFrame(event string, payload any, enc bool) ([]byte, error) {
	raw, err := json.Marshal(outFrame{
		Event:   event,
		Payload: payload,
		Enc:     enc,
		Ts:      time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, errors.WrapMsg(err, "marshal frame", "event", event)
	}
	return raw, nil
}

// AuthenticatePayload 认证帧负载。
type AuthenticatePayload struct {
	Token     string `json:"token"`
	DeviceID  string `json:"device_id,omitempty"`
	PublicKey string `json:"public_key,omitempty"` // base64 编码的 X25519 公钥份额
}

// JoinPayload / LeavePayload 房间帧负载。
type JoinPayload struct {
	Rooms []string `json:"rooms"`
}

type LeavePayload struct {
	Rooms []string `json:"rooms"`
}

func extractAuthPayload(f *Frame) (*AuthenticatePayload, error) {
	if f == nil || f.Payload == nil {
		return nil, errors.New("authenticate payload missing")
	}
	return decode.DecodeMap[AuthenticatePayload](f.Payload)
}

func extractRooms(f *Frame) ([]string, error) {
	if f == nil || f.Payload == nil {
		return nil, nil
	}
	p, err := decode.DecodeMap[JoinPayload](f.Payload)
	if err != nil {
		return nil, err
	}
	return p.Rooms, nil
}

// ---- 构造若干服务端回执 ----

// buildAuthenticatedAck 认证成功回执：向客户端通告心跳策略，
// 协商过加密时附带密钥交换材料。
func buildAuthenticatedAck(connID string, pingInterval, hbDeadline time.Duration, hs *HandshakeResult) map[string]any {
	ack := map[string]any{
		"ok":      true,
		"conn_id": connID,
		"heartbeat": map[string]any{
			"ping_interval_ms": pingInterval.Milliseconds(),
			"pong_timeout_ms":  hbDeadline.Milliseconds(),
		},
		"server_time": time.Now().UnixMilli(),
	}
	if hs != nil {
		ack["encryption"] = map[string]any{
			"server_public_key": hs.ServerPublicKeyB64(),
			"salt":              hs.SaltB64(),
		}
	}
	return ack
}

func buildUnauthenticateNotice(reason *errors.CodeError) map[string]any {
	return map[string]any{
		"code":        reason.Code,
		"message":     reason.Msg,
		"server_time": time.Now().UnixMilli(),
	}
}

func buildPing(now time.Time) map[string]any {
	return map[string]any{"ts": now.UnixMilli()}
}
