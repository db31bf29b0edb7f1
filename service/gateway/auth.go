package gateway

import (
	"encoding/base64"

	"PGateway/logger"
	"PGateway/service/journal"
	errors "PGateway/tools/errs"
	"PGateway/tools/safe"
)

// completeAuth 一次持锁完成 AUTHENTICATING→AUTHENTICATED 的全部字段切换。
// 记录已被断开（状态不再是 AUTHENTICATING）时返回 false，调用方丢弃结果。
func (c *ClientRecord) completeAuth(identity Identity, sess *EncryptionSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticating {
		return false
	}
	c.state = StateAuthenticated
	c.userID = identity.UserID
	c.metadata = identity.Metadata
	c.session = sess
	return true
}

// attachHeartbeat 挂载心跳控制器；若记录已断开则立刻停掉，避免泄漏协程。
func (c *ClientRecord) attachHeartbeat(hb *heartbeat) {
	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		hb.stop()
		return
	}
	c.hb = hb
	c.mu.Unlock()
}

// handleAuthenticate 认证状态机入口。
// 由连接的读协程调用；Verify 是阻塞点，期间其它连接的事件照常处理，
// 所以返回后必须重新确认记录还在（客户端可能已在校验期间断开）。
func (s *Server) handleAuthenticate(rec *ClientRecord, f *Frame) {
	if _, ok := rec.compareAndSetState(StateUnauthorized, StateAuthenticating); !ok {
		// 重入的 authenticate 一律忽略，防止重复校验竞态
		logger.Infof("[auth] duplicate authenticate ignored conn=%s state=%s", rec.ID, rec.State())
		return
	}

	payload, err := extractAuthPayload(f)
	if err != nil {
		logger.Warnf("[auth] extract payload err conn=%s: %v", rec.ID, err)
		s.rejectAuth(rec)
		return
	}

	// 按策略协商加密。客户端没带公钥份额或握手失败时，用区别于
	// 认证失败的专用关闭信号。
	hs, err := s.negotiateEncryption(rec, payload)
	if err != nil {
		logger.Infof("[auth] encryption required but absent conn=%s: %v", rec.ID, err)
		s.Disconnect(rec.ID, &errors.ErrEncryptionRequired)
		return
	}

	identity, err := s.opts.Verify(s.ctx, payload)
	if err != nil {
		logger.Infof("[auth] verify err conn=%s: %v", rec.ID, err)
		s.rejectAuth(rec)
		return
	}
	if identity == nil || identity.UserID == "" {
		logger.Infof("[auth] credential rejected conn=%s", rec.ID)
		s.rejectAuth(rec)
		return
	}

	// Verify 是挂起点：期间客户端可能已断开、记录已被摘除。
	// completeAuth 原子确认仍处于 AUTHENTICATING，否则丢弃本次结果。
	var sess *EncryptionSession
	if hs != nil {
		sess = hs.Session
	}
	if !rec.completeAuth(*identity, sess) {
		logger.Infof("[auth] record gone during verify, result discarded conn=%s user=%s", rec.ID, identity.UserID)
		return
	}
	rec.cancelAuthTimer()

	// 每用户连接数上限：配置了淘汰就挤掉最老的，否则拒绝新连接
	evicted, err := s.reg.BindUser(rec, identity.UserID)
	if err != nil {
		logger.Infof("[auth] conn limit reached conn=%s user=%s: %v", rec.ID, identity.UserID, err)
		s.Disconnect(rec.ID, &errors.ErrTooManyConns)
		return
	}
	for _, old := range evicted {
		logger.Infof("[auth] evict oldest conn=%s user=%s (limit)", old.ID, identity.UserID)
		s.Disconnect(old.ID, nil)
	}

	s.startHeartbeatFor(rec)
	s.rooms.JoinDefault(rec, s.cfg.DefaultRooms)

	s.sendFrame(rec, EventAuthenticated,
		buildAuthenticatedAck(rec.ID, s.cfg.PingInterval, s.cfg.HeartbeatDeadline, hs))

	if s.opts.Presence != nil {
		safe.Invoke("gw.presenceOnline", func() error {
			return s.opts.Presence.Online(s.ctx, identity.UserID, s.cfg.InstanceID)
		})
	}
	s.opts.Journal.Emit(journal.KindAuthenticated, rec.ID, identity.UserID, "", nil)
	if s.opts.OnConnect != nil {
		safe.Invoke("gw.onConnect", func() error { return s.opts.OnConnect(rec) })
	}

	logger.Infof("[auth] authenticated conn=%s user=%s rooms=%v", rec.ID, identity.UserID, s.cfg.DefaultRooms)
}

// negotiateEncryption 返回握手结果；策略要求加密而无法协商时返回错误。
// 未要求加密时，客户端主动带了公钥份额也照常协商（机密性白给）。
func (s *Server) negotiateEncryption(rec *ClientRecord, payload *AuthenticatePayload) (*HandshakeResult, error) {
	if payload.PublicKey == "" {
		if s.cfg.RequireEncryption {
			return nil, errors.New("no public key share in authenticate payload")
		}
		return nil, nil
	}

	clientPub, err := base64.StdEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		if s.cfg.RequireEncryption {
			return nil, errors.WrapMsg(err, "decode public key share")
		}
		logger.Warnf("[auth] bad public key share ignored conn=%s: %v", rec.ID, err)
		return nil, nil
	}

	hs, err := s.opts.Handshake(s.ctx, clientPub)
	if err != nil {
		if s.cfg.RequireEncryption {
			return nil, err
		}
		logger.Warnf("[auth] handshake failed, continuing unencrypted conn=%s: %v", rec.ID, err)
		return nil, nil
	}
	return hs, nil
}

// rejectAuth 认证失败统一出口：回退 UNAUTHORIZED、发拒绝通知、强制关闭。
func (s *Server) rejectAuth(rec *ClientRecord) {
	rec.compareAndSetState(StateAuthenticating, StateUnauthorized)
	s.Disconnect(rec.ID, &errors.ErrUnauthenticated)
}

// startHeartbeatFor 进入 AUTHENTICATED 时启动心跳。
func (s *Server) startHeartbeatFor(rec *ClientRecord) {
	hb := startHeartbeat(s.cfg.PingInterval, s.cfg.HeartbeatDeadline, s.cfg.Clock,
		rec.LastActive,
		func() {
			s.sendFrame(rec, EventPing, buildPing(s.cfg.Clock()))
			if user := rec.UserID(); user != "" && s.opts.Presence != nil {
				safe.Invoke("gw.presenceRenew", func() error {
					return s.opts.Presence.Renew(s.ctx, user)
				})
			}
		},
		func() {
			logger.Infof("[hb] heartbeat deadline fired conn=%s user=%s", rec.ID, rec.UserID())
			s.Disconnect(rec.ID, &errors.ErrHeartbeatTimeout)
		})
	rec.attachHeartbeat(hb)
}
