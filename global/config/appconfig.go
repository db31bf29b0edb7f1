package config

import "time"

// GatewayConfig 网关节点配置。All behavior knobs live here as plain struct
// fields; nothing is discovered at runtime through tags or reflection.
type GatewayConfig struct {
	InstanceID string // 节点ID，发布到总线时作为 origin

	// 认证
	AuthDeadline       time.Duration // 连接后必须在此时间内完成认证
	RequireEncryption  bool          // 强制加密协商
	DefaultRooms       []string      // 认证成功后自动加入的房间
	MaxConnsPerUser    int           // 每用户最大连接数（<=0 不限制）
	EvictOldestOnLimit bool          // 超限时淘汰最老连接

	// 心跳
	PingInterval      time.Duration // 服务端 ping 周期
	HeartbeatDeadline time.Duration // 无活动判死时限

	// 出站
	SendQueueSize    int           // 每连接发送队列长度
	WriteWait        time.Duration // 单次写超时
	EncryptFanoutMax int64         // 批量加密发送的并发上限

	Clock func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

// Norm fills defaults in place, mirroring the zero-config constructor path.
func (c *GatewayConfig) Norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.HeartbeatDeadline <= 0 {
		c.HeartbeatDeadline = 3 * c.PingInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.EncryptFanoutMax <= 0 {
		c.EncryptFanoutMax = 32
	}
}

// BusConfig 共享总线配置（redis 或 nats 任选其一）。
type BusConfig struct {
	Backend  string // "redis" | "nats"
	Channel  string // pub/sub 频道（redis）或 subject（nats）
	Addr     string
	Password string
	DB       int

	ReconnectWait time.Duration // 断线重订阅的退避起点
}

func (c *BusConfig) Norm() {
	if c.Backend == "" {
		c.Backend = "redis"
	}
	if c.Channel == "" {
		c.Channel = "gateway.fanout"
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
}

// JournalConfig 生命周期事件落 kafka 的配置。
type JournalConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

func (c *JournalConfig) Norm() {
	if c.Topic == "" {
		c.Topic = "gateway_events"
	}
}

// PresenceConfig 在线状态存储配置。
type PresenceConfig struct {
	Enabled bool
	TTL     time.Duration
}

func (c *PresenceConfig) Norm() {
	if c.TTL <= 0 {
		c.TTL = 2 * time.Minute
	}
}
