package gateway

import (
	"context"
	"sync"

	"PGateway/logger"
)

// RoomValidator 外部注入的房间校验函数：输入连接身份与申请的房间名，
// 返回实际允许加入的子集。
type RoomValidator func(ctx context.Context, identity Identity, requested []string) ([]string, error)

// RoomManager 本节点的房间成员索引。成员关系纯属本地记账
// （哪些本地连接对哪些名字感兴趣），真正的跨节点投递归广播总线管。
type RoomManager struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*ClientRecord // room -> conn_id -> rec
	validator RoomValidator
}

func NewRoomManager(validator RoomValidator) *RoomManager {
	return &RoomManager{
		rooms:     make(map[string]map[string]*ClientRecord),
		validator: validator,
	}
}

// Join 申请加入房间，返回实际加入的子集。
// 未配置校验函数时一律拒绝：房间是显式开通的能力，不是默认开放的。
func (m *RoomManager) Join(ctx context.Context, rec *ClientRecord, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	if m.validator == nil {
		logger.Debug("[room] join rejected: no validator configured")
		return nil, nil
	}

	identity := Identity{UserID: rec.UserID(), Metadata: rec.Metadata()}
	allowed, err := m.validator(ctx, identity, requested)
	if err != nil {
		return nil, err
	}

	// 只信申请过的名字，校验函数多给的忽略
	requestedSet := make(map[string]struct{}, len(requested))
	for _, r := range requested {
		requestedSet[r] = struct{}{}
	}
	granted := make([]string, 0, len(allowed))
	for _, room := range allowed {
		if _, ok := requestedSet[room]; !ok {
			continue
		}
		granted = append(granted, room)
	}

	m.joinRooms(rec, granted)
	return granted, nil
}

// JoinDefault 默认房间不走校验，认证成功后无条件加入。
func (m *RoomManager) JoinDefault(rec *ClientRecord, rooms []string) {
	m.joinRooms(rec, rooms)
}

func (m *RoomManager) joinRooms(rec *ClientRecord, rooms []string) {
	if len(rooms) == 0 {
		return
	}
	m.mu.Lock()
	for _, room := range rooms {
		if room == "" {
			continue
		}
		if m.rooms[room] == nil {
			m.rooms[room] = make(map[string]*ClientRecord)
		}
		m.rooms[room][rec.ID] = rec
	}
	m.mu.Unlock()

	rec.mu.Lock()
	for _, room := range rooms {
		if room != "" {
			rec.rooms[room] = struct{}{}
		}
	}
	rec.mu.Unlock()
}

// Leave 离开房间不做校验：自己在的房间永远可以退。
// 离开一个不在的房间是 no-op。
func (m *RoomManager) Leave(rec *ClientRecord, rooms []string) {
	if len(rooms) == 0 {
		return
	}
	m.mu.Lock()
	for _, room := range rooms {
		if mm := m.rooms[room]; mm != nil {
			delete(mm, rec.ID)
			if len(mm) == 0 {
				delete(m.rooms, room)
			}
		}
	}
	m.mu.Unlock()

	rec.mu.Lock()
	for _, room := range rooms {
		delete(rec.rooms, room)
	}
	rec.mu.Unlock()
}

// LeaveAll 断开时清空该连接的所有成员关系。
func (m *RoomManager) LeaveAll(rec *ClientRecord) {
	rooms := rec.Rooms()
	if len(rooms) > 0 {
		m.Leave(rec, rooms)
	}
}

// Members 返回房间内本地连接的快照。
func (m *RoomManager) Members(room string) []*ClientRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.rooms[room]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*ClientRecord, 0, len(mm))
	for _, rec := range mm {
		out = append(out, rec)
	}
	return out
}

// Count 房间内本地连接数（统计/调试用）。
func (m *RoomManager) Count(room string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[room])
}
