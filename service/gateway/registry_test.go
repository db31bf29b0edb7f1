package gateway

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"PGateway/global/config"

	"github.com/stretchr/testify/require"
)

// fakeConn 单测用的 Conn 实现，记录所有出站帧与关闭参数。
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.code = code
		c.reason = reason
	}
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

var errClosed = errors.New("conn closed")

// fakeClock 可手动推进的时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistryCreateDuplicate(t *testing.T) {
	reg := NewRegistry(config.GatewayConfig{})

	rec, err := reg.Create("c1", &fakeConn{})
	require.NoError(t, err)
	require.Equal(t, StateUnauthorized, rec.State())
	require.Equal(t, 1, reg.Len())

	_, err = reg.Create("c1", &fakeConn{})
	require.Error(t, err)
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	reg := NewRegistry(config.GatewayConfig{})
	rec, err := reg.Create("c1", &fakeConn{})
	require.NoError(t, err)

	got := reg.Remove("c1")
	require.Same(t, rec, got)
	require.Equal(t, StateDisconnected, rec.State())

	// 再删同一个 id 是 no-op
	require.Nil(t, reg.Remove("c1"))
	require.Equal(t, 0, reg.Len())
}

func TestRegistryBindUserEvictsOldest(t *testing.T) {
	clk := newFakeClock()
	reg := NewRegistry(config.GatewayConfig{
		MaxConnsPerUser:    2,
		EvictOldestOnLimit: true,
		Clock:              clk.Now,
	})

	r1, _ := reg.Create("c1", &fakeConn{})
	clk.Advance(time.Second)
	r2, _ := reg.Create("c2", &fakeConn{})
	clk.Advance(time.Second)
	r3, _ := reg.Create("c3", &fakeConn{})

	mustBind(t, reg, r1, "u1")
	mustBind(t, reg, r2, "u1")

	evicted, err := reg.BindUser(r3, "u1")
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	require.Same(t, r1, evicted[0])
}

func mustBind(t *testing.T, reg *Registry, rec *ClientRecord, user string) {
	t.Helper()
	evicted, err := reg.BindUser(rec, user)
	require.NoError(t, err)
	require.Empty(t, evicted)
}

// 设了上限但没开淘汰：超限的绑定必须被拒，而不是悄悄放行。
func TestRegistryBindUserCapWithoutEviction(t *testing.T) {
	reg := NewRegistry(config.GatewayConfig{
		MaxConnsPerUser:    1,
		EvictOldestOnLimit: false,
	})

	r1, _ := reg.Create("c1", &fakeConn{})
	r2, _ := reg.Create("c2", &fakeConn{})

	mustBind(t, reg, r1, "u1")
	evicted, err := reg.BindUser(r2, "u1")
	require.Error(t, err)
	require.Empty(t, evicted)
	require.Len(t, reg.ListByUser("u1"), 1)
}

func TestRegistryBindUserNoLimit(t *testing.T) {
	reg := NewRegistry(config.GatewayConfig{})
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		rec, err := reg.Create(id, &fakeConn{})
		require.NoError(t, err)
		mustBind(t, reg, rec, "u1")
	}
	require.Len(t, reg.ListByUser("u1"), 5)
}

func TestRegistryListUnauthorized(t *testing.T) {
	reg := NewRegistry(config.GatewayConfig{})
	r1, _ := reg.Create("c1", &fakeConn{})
	r2, _ := reg.Create("c2", &fakeConn{})
	r3, _ := reg.Create("c3", &fakeConn{})

	r1.setState(StateAuthenticated)
	r2.setState(StateAuthenticating)
	_ = r3

	pending := reg.ListUnauthorized()
	require.Len(t, pending, 2)
	for _, rec := range pending {
		require.NotEqual(t, "c1", rec.ID)
	}
}

func TestCompareAndSetState(t *testing.T) {
	reg := NewRegistry(config.GatewayConfig{})
	rec, _ := reg.Create("c1", &fakeConn{})

	old, ok := rec.compareAndSetState(StateUnauthorized, StateAuthenticating)
	require.True(t, ok)
	require.Equal(t, StateUnauthorized, old)

	// 重复切换失败且状态不变
	_, ok = rec.compareAndSetState(StateUnauthorized, StateAuthenticating)
	require.False(t, ok)
	require.Equal(t, StateAuthenticating, rec.State())
}
