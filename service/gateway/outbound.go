package gateway

import (
	"context"
	"encoding/base64"
	"sync"

	"PGateway/logger"
)

// sendFrame 发送控制帧（回执/通知/ping），始终明文 JSON。
func (s *Server) sendFrame(rec *ClientRecord, event string, payload any) {
	raw, err := EncodeFrame(event, payload, false)
	if err != nil {
		logger.Errorf("[out] encode %s conn=%s: %v", event, rec.ID, err)
		return
	}
	if err := rec.Conn.Send(raw); err != nil {
		logger.Warnf("[out] send %s conn=%s: %v", event, rec.ID, err)
	}
}

// sendEvent 投递业务事件。协商过加密的连接先过出站变换
// （AES-GCM 封包，base64 上线），未加密连接原样透传。
func (s *Server) sendEvent(rec *ClientRecord, event string, payload []byte) {
	var (
		raw []byte
		err error
	)
	if sess := rec.Session(); sess != nil {
		var sealed []byte
		sealed, err = sess.Seal(payload)
		if err != nil {
			logger.Errorf("[out] seal conn=%s: %v", rec.ID, err)
			return
		}
		raw, err = EncodeFrame(event, base64.StdEncoding.EncodeToString(sealed), true)
	} else {
		raw, err = EncodeFrame(event, rawJSON(payload), false)
	}
	if err != nil {
		logger.Errorf("[out] encode %s conn=%s: %v", event, rec.ID, err)
		return
	}
	if err := rec.Conn.Send(raw); err != nil {
		logger.Warnf("[out] send %s conn=%s: %v", event, rec.ID, err)
	}
}

// fanout 批量投递。逐收件人做出站变换（加密比裸发贵得多），
// 并发执行但受 EncryptFanoutMax 信号量约束。
func (s *Server) fanout(recs []*ClientRecord, event string, payload []byte) {
	if len(recs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, rec := range recs {
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		wg.Add(1)
		go func(rec *ClientRecord) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.sendEvent(rec, event, payload)
		}(rec)
	}
	wg.Wait()
}
