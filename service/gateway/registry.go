package gateway

import (
	"sync"
	"time"

	"PGateway/global/config"
	errors "PGateway/tools/errs"
)

// State 连接状态机。
type State int32

const (
	StateUnauthorized State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthorized:
		return "UNAUTHORIZED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Identity 外部校验函数返回的用户身份。
type Identity struct {
	UserID   string
	Metadata map[string]any
}

// ClientRecord 每条活跃连接一条记录。
// 不变式：AUTHENTICATED 必有 userID 且心跳已启动；
// UNAUTHORIZED/AUTHENTICATING 必有认证定时器且无心跳。
type ClientRecord struct {
	ID        string
	Conn      Conn
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	userID     string
	metadata   map[string]any
	session    *EncryptionSession
	rooms      map[string]struct{}
	authTimer  *time.Timer
	hb         *heartbeat
	lastActive time.Time
}

func (c *ClientRecord) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ClientRecord) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *ClientRecord) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata
}

func (c *ClientRecord) Session() *EncryptionSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Rooms 返回当前房间名快照。
func (c *ClientRecord) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *ClientRecord) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *ClientRecord) touch(now time.Time) {
	c.mu.Lock()
	c.lastActive = now
	c.mu.Unlock()
}

// compareAndSetState 仅当处于 expect 态时切换，返回是否成功与旧状态。
func (c *ClientRecord) compareAndSetState(expect, next State) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.state
	if old != expect {
		return old, false
	}
	c.state = next
	return old, true
}

func (c *ClientRecord) setState(next State) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
}

func (c *ClientRecord) armAuthTimer(d time.Duration, fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authTimer = time.AfterFunc(d, fire)
}

func (c *ClientRecord) cancelAuthTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

// teardown 停掉所有定时器。从任何路径进入 DISCONNECTED 都会走到这里，
// 必须幂等。
func (c *ClientRecord) teardown() {
	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	hb := c.hb
	c.hb = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if hb != nil {
		hb.stop()
	}
}

// ===== Registry =====

// Registry 本节点独占的连接表。跨节点影响连接的唯一途径是广播总线，
// 任何其它进程都不允许直接碰这张表。
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*ClientRecord
	byUser map[string]map[string]*ClientRecord

	maxPerUser  int
	evictOldest bool
	clock       func() time.Time
}

func NewRegistry(cfg config.GatewayConfig) *Registry {
	cfg.Norm()
	return &Registry{
		byID:        make(map[string]*ClientRecord),
		byUser:      make(map[string]map[string]*ClientRecord),
		maxPerUser:  cfg.MaxConnsPerUser,
		evictOldest: cfg.EvictOldestOnLimit,
		clock:       cfg.Clock,
	}
}

// Create 登记新连接（未授权态）。id 重复直接报错。
func (r *Registry) Create(id string, conn Conn) (*ClientRecord, error) {
	if id == "" || conn == nil {
		return nil, errors.New("id/conn empty")
	}
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return nil, errors.New("conn id exists", "id", id)
	}
	rec := &ClientRecord{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		state:      StateUnauthorized,
		rooms:      make(map[string]struct{}),
		lastActive: now,
	}
	r.byID[id] = rec
	return rec, nil
}

func (r *Registry) Get(id string) (*ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// Remove 摘除并返回记录；重复调用返回 nil（幂等）。
// 作为副作用停掉该记录的所有定时器。
func (r *Registry) Remove(id string) *ClientRecord {
	r.mu.Lock()
	rec, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byID, id)
	if user := rec.UserID(); user != "" {
		if mm := r.byUser[user]; mm != nil {
			delete(mm, id)
			if len(mm) == 0 {
				delete(r.byUser, user)
			}
		}
	}
	r.mu.Unlock()

	rec.teardown()
	return rec
}

// BindUser 把已认证的连接挂进用户索引。超出每用户上限时：
// 配置了淘汰则返回被挤下线的最老连接（由调用方在锁外关闭），
// 否则拒绝本次绑定直接报错。
func (r *Registry) BindUser(rec *ClientRecord, user string) ([]*ClientRecord, error) {
	var evicted []*ClientRecord

	r.mu.Lock()
	if r.maxPerUser > 0 {
		mm := r.byUser[user]
		if len(mm) >= r.maxPerUser {
			if !r.evictOldest {
				r.mu.Unlock()
				return nil, errors.New("user conn limit reached", "user", user, "limit", r.maxPerUser)
			}
			var oldest *ClientRecord
			for _, w := range mm {
				if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
					oldest = w
				}
			}
			if oldest != nil {
				evicted = append(evicted, oldest)
			}
		}
	}
	if r.byUser[user] == nil {
		r.byUser[user] = make(map[string]*ClientRecord)
	}
	r.byUser[user][rec.ID] = rec
	r.mu.Unlock()

	return evicted, nil
}

// ListByUser 返回该用户的所有连接。
func (r *Registry) ListByUser(user string) []*ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[user]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*ClientRecord, 0, len(mm))
	for _, rec := range mm {
		out = append(out, rec)
	}
	return out
}

// ForEach 遍历快照；fn 返回 false 提前终止。广播迭代用。
func (r *Registry) ForEach(fn func(*ClientRecord) bool) {
	r.mu.RLock()
	snapshot := make([]*ClientRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		snapshot = append(snapshot, rec)
	}
	r.mu.RUnlock()

	for _, rec := range snapshot {
		if !fn(rec) {
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ListUnauthorized 列出所有未完成认证的连接（管理性踢除用）。
func (r *Registry) ListUnauthorized() []*ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ClientRecord
	for _, rec := range r.byID {
		if s := rec.State(); s == StateUnauthorized || s == StateAuthenticating {
			out = append(out, rec)
		}
	}
	return out
}
