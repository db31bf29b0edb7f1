package gateway

import (
	"net"
	"time"
)

// Conn 是单个客户端连接的传输能力接口。两个适配器（websocket、raw tcp）
// 都实现它，核心状态机只认这一层，不碰具体协议。
//
// Send 只负责入队（非阻塞），真正的写由每连接唯一的写协程完成。
// Close 必须可重复调用；code 使用 tools/errs 里的关闭码，0 表示正常关闭。
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() net.Addr
}

// drainSendQueue 轮询等待写协程清空发送队列，封顶 max；
// 写协程已退出（stopped 关闭）就不再等，队列里的帧发不出去了。
// 队列空了再多等一拍，让在途的最后一次写落盘。
func drainSendQueue(empty func() bool, stopped <-chan struct{}, max time.Duration) {
	deadline := time.Now().Add(max)
	for !empty() {
		select {
		case <-stopped:
			return
		default:
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(time.Millisecond)
}
