package gateway

import (
	"sync"
	"time"
)

// heartbeat 单连接心跳：周期性探测 + 不活跃判死。
// 只在进入 AUTHENTICATED 时启动，离开该状态立即 stop。
// 每个定时器彼此独立，连接数再多也互不影响。
type heartbeat struct {
	interval time.Duration
	deadline time.Duration
	clock    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// startHeartbeat 启动心跳协程。
// lastActive 读取连接最近活跃时间；ping 发送探测帧；expire 在超时时触发
// 强制断开（只会被调用一次，之后协程退出）。
func startHeartbeat(interval, deadline time.Duration, clock func() time.Time,
	lastActive func() time.Time, ping func(), expire func()) *heartbeat {

	hb := &heartbeat{
		interval: interval,
		deadline: deadline,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(hb.interval)
		defer ticker.Stop()
		for {
			select {
			case <-hb.stopCh:
				return
			case <-ticker.C:
				if hb.clock().Sub(lastActive()) > hb.deadline {
					expire()
					return
				}
				ping()
			}
		}
	}()
	return hb
}

func (hb *heartbeat) stop() {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
}
