package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"PGateway/logger"
	errors "PGateway/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSTransport websocket 适配器：把 gorilla 连接适配成 Conn，
// 读循环串行喂给核心状态机。
type WSTransport struct {
	srv *Server
}

func NewWSTransport(srv *Server) *WSTransport {
	return &WSTransport{srv: srv}
}

// HandleWS gin 路由入口，如 r.GET("/gateway", t.HandleWS)。
func (t *WSTransport) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	wc := newWSConn(ws, t.srv.cfg.SendQueueSize, t.srv.cfg.WriteWait)
	rec, err := t.srv.HandleConnect(wc)
	if err != nil {
		logger.Warnf("[ws] register conn: %v", err)
		_ = wc.Close(0, "")
		return
	}

	// 协议层 pong 也算活跃信号
	ws.SetPongHandler(func(string) error {
		t.srv.Touch(rec.ID)
		return nil
	})

	go wc.writePump()

	// ---- 读循环:只读不写,出错即退出 ----
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s err=%v", rec.ID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s err=%v", rec.ID, rerr)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", rec.ID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		t.srv.HandleFrame(rec, data)
	}

	t.srv.HandleTransportClosed(rec.ID)
}

// wsConn 把 gorilla 连接包成 Conn：带缓冲发送队列 + 单写协程。
type wsConn struct {
	ws        *websocket.Conn
	sendCh    chan []byte
	writeWait time.Duration

	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, queue int, writeWait time.Duration) *wsConn {
	return &wsConn{
		ws:        ws,
		sendCh:    make(chan []byte, queue),
		writeWait: writeWait,
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
}

// Send 非阻塞入队；队列打满说明客户端太慢，这条消息对它丢弃。
func (c *wsConn) Send(data []byte) error {
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

// Close 幂等关闭：先等写协程清空队列（关闭前入队的下线通知必须出门），
// 再发 close 控制帧（code=0 时走正常关闭码），最后关底层连接。
func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		drainSendQueue(func() bool { return len(c.sendCh) == 0 }, c.pumpDone, c.writeWait)
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		deadline := time.Now().Add(c.writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		_ = c.ws.Close()
	})
	return nil
}

func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// writePump 每连接唯一的写协程。
func (c *wsConn) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debugf("[ws] write err: %v", err)
				return
			}
		}
	}
}
