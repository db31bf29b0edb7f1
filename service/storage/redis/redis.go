package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 进程内共享一个 client：presence 等网关侧的 redis 访问都走这里
// （fanout 订阅用自己的专用连接，见 service/bus）。
// 网关启动时初始化，任何 store 构造之前必须完成。
var (
	once sync.Once
	cli  *redis.Client
)

const dialTimeout = 3 * time.Second

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func (c *Config) norm() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 64
	}
}

// InitRedis 建连并 ping 一次确认可用（单例，重复调用是 no-op）。
func InitRedis(c Config) error {
	var initErr error
	once.Do(func() {
		c.norm()
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
			PoolSize: c.PoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			initErr = err
			return
		}
		cli = rdb
	})
	return initErr
}

// GetRedis 未初始化时直接 panic：属于启动顺序编程错误，不是运行时条件。
func GetRedis() *redis.Client {
	if cli == nil {
		panic("redis not initialized, call InitRedis first")
	}
	return cli
}

func CloseRedis() error {
	if cli != nil {
		return cli.Close()
	}
	return nil
}
