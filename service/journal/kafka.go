package journal

import (
	"encoding/json"
	"time"

	"PGateway/global/config"
	"PGateway/logger"
	"PGateway/tools/errs"

	"github.com/Shopify/sarama"
)

// 生命周期事件类型。
const (
	KindConnected     = "connected"
	KindAuthenticated = "authenticated"
	KindDisconnected  = "disconnected"
)

// Event 落入 kafka 的网关生命周期事件，按 conn_id 作 key 保证同连接有序。
type Event struct {
	Kind       string         `json:"kind"`
	InstanceID string         `json:"instance_id"`
	ConnID     string         `json:"conn_id"`
	UserID     string         `json:"user_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	Ts         int64          `json:"ts"`
}

// Journal 异步 kafka 生产者。纯旁路：它的任何失败都只记日志，
// 绝不影响连接本身（错误分类第 5 类）。nil Journal 上的方法都是 no-op。
type Journal struct {
	prod       sarama.AsyncProducer
	topic      string
	instanceID string
}

func buildConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// New 连接 kafka 并启动错误回收协程。cfg.Enabled 为 false 时返回 nil Journal。
func New(cfg config.JournalConfig, instanceID string) (*Journal, error) {
	cfg.Norm()
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errs.New("journal brokers missing")
	}
	prod, err := sarama.NewAsyncProducer(cfg.Brokers, buildConfig())
	if err != nil {
		return nil, errs.WrapMsg(err, "journal producer", "brokers", cfg.Brokers)
	}

	go func() {
		for err := range prod.Errors() {
			logger.Warnf("[journal] async send error: %v", err)
		}
	}()

	return &Journal{prod: prod, topic: cfg.Topic, instanceID: instanceID}, nil
}

// Emit 投递一条事件；编码失败或队列关闭只记日志。
func (j *Journal) Emit(kind, connID, userID, reason string, extra map[string]any) {
	if j == nil {
		return
	}
	ev := Event{
		Kind:       kind,
		InstanceID: j.instanceID,
		ConnID:     connID,
		UserID:     userID,
		Reason:     reason,
		Extra:      extra,
		Ts:         time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		logger.Warnf("[journal] marshal event: %v", err)
		return
	}
	j.prod.Input() <- &sarama.ProducerMessage{
		Topic: j.topic,
		Key:   sarama.StringEncoder(connID),
		Value: sarama.ByteEncoder(raw),
	}
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.prod.Close()
}
