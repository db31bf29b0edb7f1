package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"sync"
	"time"

	"PGateway/logger"
	errors "PGateway/tools/errs"
)

const tcpMaxLine = 1 << 20 // 单帧上限 1MB

// TCPTransport 裸 TCP 适配器：每行一个 JSON 帧，
// 与 websocket 走同一套核心状态机。
type TCPTransport struct {
	srv *Server

	lis       net.Listener
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func NewTCPTransport(srv *Server) *TCPTransport {
	return &TCPTransport{srv: srv, done: make(chan struct{})}
}

// Serve 接收循环，直到 Close 或 listener 出错。
func (t *TCPTransport) Serve(lis net.Listener) error {
	t.lis = lis
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
				return errors.WrapMsg(err, "tcp accept")
			}
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handle(conn)
		}()
	}
}

// Close 停止接收并等在途连接的处理协程退出。
// 已注册连接由 Server.DisconnectAll 负责踢掉。
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.lis != nil {
			_ = t.lis.Close()
		}
	})
	t.wg.Wait()
	return nil
}

func (t *TCPTransport) handle(conn net.Conn) {
	tc := newTCPConn(conn, t.srv.cfg.SendQueueSize, t.srv.cfg.WriteWait)
	rec, err := t.srv.HandleConnect(tc)
	if err != nil {
		logger.Warnf("[tcp] register conn: %v", err)
		_ = tc.Close(0, "")
		return
	}

	go tc.writePump()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 16*1024), tcpMaxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		// Scanner 复用底层缓冲,必须拷一份再下发
		t.srv.HandleFrame(rec, append([]byte(nil), line...))
	}
	if serr := sc.Err(); serr != nil {
		logger.Infof("[tcp] read err conn=%s err=%v", rec.ID, serr)
	}

	t.srv.HandleTransportClosed(rec.ID)
}

// tcpConn 行分隔 JSON 的 Conn 实现。
type tcpConn struct {
	conn      net.Conn
	sendCh    chan []byte
	writeWait time.Duration

	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func newTCPConn(conn net.Conn, queue int, writeWait time.Duration) *tcpConn {
	return &tcpConn{
		conn:      conn,
		sendCh:    make(chan []byte, queue),
		writeWait: writeWait,
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
}

func (c *tcpConn) Send(data []byte) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// Close TCP 没有关闭帧语义，补发一条 close 事件再断开。
// 先等队列清空，关闭前入队的下线通知不能丢。
func (c *tcpConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		drainSendQueue(func() bool { return len(c.sendCh) == 0 }, c.pumpDone, c.writeWait)
		if code != 0 {
			notice, _ := json.Marshal(map[string]any{
				"event": "close",
				"payload": map[string]any{
					"code":   code,
					"reason": reason,
				},
			})
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			_, _ = c.conn.Write(append(notice, '\n'))
		}
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *tcpConn) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if _, err := c.conn.Write(append(payload, '\n')); err != nil {
				logger.Debugf("[tcp] write err: %v", err)
				return
			}
		}
	}
}
