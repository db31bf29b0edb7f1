package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"PGateway/global/config"
	"PGateway/logger"
	"PGateway/service/bus"
	"PGateway/service/journal"
	storage "PGateway/service/storage"
	errors "PGateway/tools/errs"
	"PGateway/tools/ids"
	"PGateway/tools/safe"

	"golang.org/x/sync/semaphore"
)

// VerifyFunc 外部注入的异步认证函数。
// 返回 (nil, nil) 表示凭证被拒绝；返回 error 同样按拒绝处理（见错误分类第 2 类）。
type VerifyFunc func(ctx context.Context, credential *AuthenticatePayload) (*Identity, error)

// Options 外部协作方注入点。回调全部 best-effort：
// 它们的失败只记日志，不影响连接生命周期。
type Options struct {
	Verify        VerifyFunc // 必填
	RoomValidator RoomValidator
	Handshake     HandshakeFunc // 为空时用 DefaultHandshake

	OnConnect    func(rec *ClientRecord) error
	OnDisconnect func(rec *ClientRecord, reason *errors.CodeError) error
	OnMessage    func(rec *ClientRecord, f *Frame) error

	Presence *storage.PresenceStore
	Journal  *journal.Journal
}

// Server 网关实例核心：连接表、认证状态机、心跳、房间与总线扇出。
// 每个进程一个实例；本地连接表只归本实例所有。
type Server struct {
	cfg   config.GatewayConfig
	opts  Options
	reg   *Registry
	rooms *RoomManager
	bus   bus.Bus
	sem   *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewServer(cfg config.GatewayConfig, b bus.Bus, opts Options) (*Server, error) {
	cfg.Norm()
	if cfg.InstanceID == "" {
		cfg.InstanceID = "gw-" + ids.GenerateString()
	}
	// 网关绝不允许用 emitter 身份发布，否则会把自己发布的消息当外来消息
	// 重复投递（见 bus.EmitterOrigin）。
	if cfg.InstanceID == bus.EmitterOrigin {
		return nil, errors.New("instance id collides with emitter origin")
	}
	if opts.Verify == nil {
		return nil, errors.New("verify func required")
	}
	if b == nil {
		return nil, errors.New("bus required")
	}
	if opts.Handshake == nil {
		opts.Handshake = DefaultHandshake
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		opts:   opts,
		reg:    NewRegistry(cfg),
		rooms:  NewRoomManager(opts.RoomValidator),
		bus:    b,
		sem:    semaphore.NewWeighted(cfg.EncryptFanoutMax),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *Server) InstanceID() string  { return s.cfg.InstanceID }
func (s *Server) Registry() *Registry { return s.reg }
func (s *Server) Rooms() *RoomManager { return s.rooms }

// Start 订阅总线。必须在接受连接之前调用，保证跨节点投递就绪。
func (s *Server) Start() error {
	return s.bus.Subscribe(s.ctx, s.handleBusEnvelope)
}

// HandleConnect 登记新传输层连接：UNAUTHORIZED 记录 + 认证时限定时器。
func (s *Server) HandleConnect(conn Conn) (*ClientRecord, error) {
	id := ids.GenerateString()
	rec, err := s.reg.Create(id, conn)
	if err != nil {
		return nil, err
	}

	rec.armAuthTimer(s.cfg.AuthDeadline, func() {
		if rec.State() == StateAuthenticated {
			return
		}
		logger.Infof("[gw] auth deadline fired conn=%s", rec.ID)
		s.Disconnect(rec.ID, &errors.ErrAuthTimeout)
	})

	logger.Infof("[gw] conn accepted conn=%s remote=%v", rec.ID, conn.RemoteAddr())
	s.opts.Journal.Emit(journal.KindConnected, rec.ID, "", "", nil)
	return rec, nil
}

// HandleFrame 处理一条入站帧。由每连接的读协程串行调用——
// 单连接内的消息严格按到达顺序处理。
func (s *Server) HandleFrame(rec *ClientRecord, raw []byte) {
	rec.touch(s.cfg.Clock())

	f, err := ParseFrame(raw)
	if err != nil {
		sample := raw
		if len(sample) > 256 {
			sample = sample[:256]
		}
		logger.Warnf("[gw] bad frame conn=%s err=%v sample=%q", rec.ID, err, sample)
		return
	}

	switch f.Event {
	case EventAuthenticate:
		s.handleAuthenticate(rec, f)
	case EventJoin:
		s.handleJoin(rec, f)
	case EventLeave:
		s.handleLeave(rec, f)
	case EventPing, EventPong:
		// touch 已续期，无其它动作
	default:
		if rec.State() != StateAuthenticated {
			logger.Debugf("[gw] drop %s from unauthenticated conn=%s", f.Event, rec.ID)
			return
		}
		if s.opts.OnMessage != nil {
			safe.Invoke("gw.onMessage", func() error { return s.opts.OnMessage(rec, f) })
		}
	}
}

func (s *Server) handleJoin(rec *ClientRecord, f *Frame) {
	if rec.State() != StateAuthenticated {
		logger.Debugf("[gw] join before auth conn=%s", rec.ID)
		return
	}
	requested, err := extractRooms(f)
	if err != nil {
		logger.Warnf("[gw] join payload err conn=%s: %v", rec.ID, err)
		return
	}
	granted, err := s.rooms.Join(s.ctx, rec, requested)
	if err != nil {
		logger.Warnf("[gw] room validate err conn=%s: %v", rec.ID, err)
		return
	}
	s.sendFrame(rec, EventJoin, map[string]any{"rooms": granted})
}

func (s *Server) handleLeave(rec *ClientRecord, f *Frame) {
	rooms, err := extractRooms(f)
	if err != nil {
		logger.Warnf("[gw] leave payload err conn=%s: %v", rec.ID, err)
		return
	}
	s.rooms.Leave(rec, rooms)
}

// Touch 续期连接活跃时间（传输层 pong 回调等）。
func (s *Server) Touch(id string) {
	if rec, ok := s.reg.Get(id); ok {
		rec.touch(s.cfg.Clock())
	}
}

// HandleTransportClosed 传输层读循环退出（对端关闭/网络错误）。
func (s *Server) HandleTransportClosed(id string) {
	s.Disconnect(id, nil)
}

// Disconnect 统一断开入口：清定时器、摘记录、退房间、关传输。
// 认证时限、心跳超时、对端关闭、管理性停机都走这里，重复调用是 no-op。
// 返回是否真的摘除了记录。
func (s *Server) Disconnect(id string, reason *errors.CodeError) bool {
	rec := s.reg.Remove(id)
	if rec == nil {
		return false
	}

	s.rooms.LeaveAll(rec)

	code := 0
	msg := ""
	if reason != nil {
		code = reason.Code
		msg = reason.Msg
		// 显式拒绝在关闭前给客户端一个可见的下线通知
		if reason.Is(&errors.ErrUnauthenticated) {
			s.sendFrame(rec, EventUnauthenticate, buildUnauthenticateNotice(reason))
		}
	}
	if err := rec.Conn.Close(code, msg); err != nil {
		logger.Debugf("[gw] close conn=%s err=%v", id, err)
	}

	user := rec.UserID()
	if user != "" && s.opts.Presence != nil {
		safe.Invoke("gw.presenceOffline", func() error {
			return s.opts.Presence.Offline(s.ctx, user)
		})
	}
	s.opts.Journal.Emit(journal.KindDisconnected, rec.ID, user, msg, nil)
	if s.opts.OnDisconnect != nil {
		safe.Invoke("gw.onDisconnect", func() error { return s.opts.OnDisconnect(rec, reason) })
	}

	logger.Infof("[gw] conn closed conn=%s user=%s code=%d", id, user, code)
	return true
}

// KickUnauthorized 踢掉所有未完成认证的连接，返回数量（管理接口）。
func (s *Server) KickUnauthorized() int {
	n := 0
	for _, rec := range s.reg.ListUnauthorized() {
		if s.Disconnect(rec.ID, &errors.ErrAuthTimeout) {
			n++
		}
	}
	return n
}

// ===== 扇出 =====

// SendToConn 向指定连接投递：先本地，再上总线让属主节点投递。
func (s *Server) SendToConn(ctx context.Context, connID, event string, payload []byte) error {
	if rec, ok := s.reg.Get(connID); ok {
		s.sendEvent(rec, event, payload)
	}
	return s.publish(ctx, bus.ScopeConn, connID, event, payload)
}

// SendToRoom 房间广播。本地成员立即投递，其余节点经总线各自投递
// 自己的本地成员——每个物理连接恰好收到一次。
func (s *Server) SendToRoom(ctx context.Context, room, event string, payload []byte) error {
	s.fanout(s.rooms.Members(room), event, payload)
	return s.publish(ctx, bus.ScopeRoom, room, event, payload)
}

// BroadcastAll 全量广播（只发已认证连接）。
func (s *Server) BroadcastAll(ctx context.Context, event string, payload []byte) error {
	s.fanout(s.authenticatedSnapshot(), event, payload)
	return s.publish(ctx, bus.ScopeAll, "", event, payload)
}

func (s *Server) authenticatedSnapshot() []*ClientRecord {
	var out []*ClientRecord
	s.reg.ForEach(func(rec *ClientRecord) bool {
		if rec.State() == StateAuthenticated {
			out = append(out, rec)
		}
		return true
	})
	return out
}

func (s *Server) publish(ctx context.Context, scope bus.Scope, target, event string, payload []byte) error {
	err := s.bus.Publish(ctx, bus.NewEnvelope(s.cfg.InstanceID, scope, target, event, payload))
	if err != nil {
		// 总线故障只降级跨节点扇出，本地投递已经完成
		logger.Warnf("[gw] bus publish failed scope=%s target=%s: %v", scope, target, err)
	}
	return err
}

// handleBusEnvelope 处理总线上收到的信封。自己发布的跳过（本地已投递）；
// emitter 身份的永远当外来消息投递，它不拥有任何本地连接，没有重复风险。
func (s *Server) handleBusEnvelope(env bus.Envelope) {
	if env.Origin == s.cfg.InstanceID {
		return
	}
	payload := []byte(env.Payload)
	switch env.Scope {
	case bus.ScopeConn:
		if rec, ok := s.reg.Get(env.Target); ok {
			s.sendEvent(rec, env.Event, payload)
		}
	case bus.ScopeRoom:
		s.fanout(s.rooms.Members(env.Target), env.Event, payload)
	case bus.ScopeAll:
		s.fanout(s.authenticatedSnapshot(), env.Event, payload)
	default:
		logger.Warnf("[gw] unknown envelope scope=%q origin=%s", env.Scope, env.Origin)
	}
}

// ===== 生命周期 =====

// DisconnectAll 优雅断开全部连接（停机第一步）。
func (s *Server) DisconnectAll() {
	s.reg.ForEach(func(rec *ClientRecord) bool {
		s.Disconnect(rec.ID, nil)
		return true
	})
}

// Close 停机最后一步：断开剩余连接并释放总线。监听器由外层在两步之间关闭。
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.DisconnectAll()
		s.cancel()
		err = s.bus.Close()
	})
	return err
}

// rawJSON 确保 payload 以原样 JSON 进入出站帧。
func rawJSON(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return json.RawMessage(payload)
}
