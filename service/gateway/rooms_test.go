package gateway

import (
	"context"
	"testing"

	"PGateway/global/config"
	errs "PGateway/tools/errs"

	"github.com/stretchr/testify/require"
)

func newAuthedRecord(t *testing.T, id, user string) *ClientRecord {
	t.Helper()
	reg := NewRegistry(config.GatewayConfig{})
	rec, err := reg.Create(id, &fakeConn{})
	require.NoError(t, err)
	rec.setState(StateAuthenticating)
	require.True(t, rec.completeAuth(Identity{UserID: user}, nil))
	return rec
}

// 未配置校验函数时 join 一律拒绝（fail-closed）。
func TestRoomJoinNoValidatorRejectsAll(t *testing.T) {
	m := NewRoomManager(nil)
	rec := newAuthedRecord(t, "c1", "u1")

	granted, err := m.Join(context.Background(), rec, []string{"a", "b"})
	require.NoError(t, err)
	require.Empty(t, granted)
	require.Zero(t, m.Count("a"))
	require.Empty(t, rec.Rooms())
}

func TestRoomJoinValidatorSubset(t *testing.T) {
	validator := func(_ context.Context, identity Identity, requested []string) ([]string, error) {
		require.Equal(t, "u1", identity.UserID)
		var out []string
		for _, r := range requested {
			if r != "vip" {
				out = append(out, r)
			}
		}
		return out, nil
	}
	m := NewRoomManager(validator)
	rec := newAuthedRecord(t, "c1", "u1")

	granted, err := m.Join(context.Background(), rec, []string{"a", "vip", "b"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, granted)
	require.Equal(t, 1, m.Count("a"))
	require.Zero(t, m.Count("vip"))
	require.ElementsMatch(t, []string{"a", "b"}, rec.Rooms())
}

// 校验函数擅自多给的房间名被忽略，只采纳申请过的。
func TestRoomJoinIgnoresUnrequestedGrants(t *testing.T) {
	validator := func(context.Context, Identity, []string) ([]string, error) {
		return []string{"a", "sneaky"}, nil
	}
	m := NewRoomManager(validator)
	rec := newAuthedRecord(t, "c1", "u1")

	granted, err := m.Join(context.Background(), rec, []string{"a"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, granted)
	require.Zero(t, m.Count("sneaky"))
}

func TestRoomJoinValidatorError(t *testing.T) {
	m := NewRoomManager(func(context.Context, Identity, []string) ([]string, error) {
		return nil, errs.New("backend down")
	})
	rec := newAuthedRecord(t, "c1", "u1")

	_, err := m.Join(context.Background(), rec, []string{"a"})
	require.Error(t, err)
	require.Zero(t, m.Count("a"))
}

// 默认房间绕过校验。
func TestRoomJoinDefaultBypassesValidator(t *testing.T) {
	m := NewRoomManager(nil)
	rec := newAuthedRecord(t, "c1", "u1")

	m.JoinDefault(rec, []string{"lobby", ""})
	require.Equal(t, 1, m.Count("lobby"))
	require.Equal(t, []string{"lobby"}, rec.Rooms())
}

// 退出不校验；退一个不在的房间是 no-op。
func TestRoomLeave(t *testing.T) {
	m := NewRoomManager(nil)
	rec := newAuthedRecord(t, "c1", "u1")
	m.JoinDefault(rec, []string{"a", "b"})

	m.Leave(rec, []string{"a", "never-joined"})
	require.Zero(t, m.Count("a"))
	require.Equal(t, 1, m.Count("b"))
	require.Equal(t, []string{"b"}, rec.Rooms())
}

func TestRoomLeaveAll(t *testing.T) {
	m := NewRoomManager(nil)
	r1 := newAuthedRecord(t, "c1", "u1")
	r2 := newAuthedRecord(t, "c2", "u2")
	m.JoinDefault(r1, []string{"a", "b"})
	m.JoinDefault(r2, []string{"a"})

	m.LeaveAll(r1)
	require.Empty(t, r1.Rooms())
	require.Equal(t, 1, m.Count("a"))
	require.Zero(t, m.Count("b"))

	members := m.Members("a")
	require.Len(t, members, 1)
	require.Equal(t, "c2", members[0].ID)
}
