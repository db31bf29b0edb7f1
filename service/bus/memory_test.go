package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type capture struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *capture) handler(env Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *capture) all() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

func TestMemoryBrokerFanout(t *testing.T) {
	broker := NewMemoryBroker()
	a, b := broker.Bus(), broker.Bus()

	capA, capB := &capture{}, &capture{}
	require.NoError(t, a.Subscribe(context.Background(), capA.handler))
	require.NoError(t, b.Subscribe(context.Background(), capB.handler))

	env := NewEnvelope("gw-a", ScopeRoom, "lobby", "news", []byte(`{"n":1}`))
	require.NoError(t, a.Publish(context.Background(), env))

	// 发布者自己也收到：去重是网关层按 origin 做的，不是总线的职责
	require.Len(t, capA.all(), 1)
	require.Len(t, capB.all(), 1)
	got := capB.all()[0]
	require.Equal(t, "gw-a", got.Origin)
	require.Equal(t, ScopeRoom, got.Scope)
	require.Equal(t, "lobby", got.Target)
}

func TestMemoryBusSubscribeOnce(t *testing.T) {
	broker := NewMemoryBroker()
	b := broker.Bus()
	require.NoError(t, b.Subscribe(context.Background(), func(Envelope) {}))
	require.Error(t, b.Subscribe(context.Background(), func(Envelope) {}))
}

func TestMemoryBusClosed(t *testing.T) {
	broker := NewMemoryBroker()
	a, b := broker.Bus(), broker.Bus()
	cap := &capture{}
	require.NoError(t, b.Subscribe(context.Background(), cap.handler))

	require.NoError(t, b.Close())
	require.NoError(t, a.Publish(context.Background(), NewEnvelope("gw-a", ScopeAll, "", "x", nil)))
	require.Empty(t, cap.all())

	require.Error(t, b.Publish(context.Background(), NewEnvelope("gw-b", ScopeAll, "", "x", nil)))
}

func TestEnvelopeJSON(t *testing.T) {
	env := NewEnvelope("gw-a", ScopeConn, "c1", "dm", []byte(`{"body":"hi"}`))
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, env.Origin, back.Origin)
	require.Equal(t, env.Target, back.Target)
	require.JSONEq(t, `{"body":"hi"}`, string(back.Payload))
	require.NotZero(t, back.Ts)
}

func TestEmitterScopeValidation(t *testing.T) {
	broker := NewMemoryBroker()
	cap := &capture{}
	sub := broker.Bus()
	require.NoError(t, sub.Subscribe(context.Background(), cap.handler))

	em := NewEmitter(broker.Bus())
	require.Error(t, em.Emit(context.Background(), ScopeRoom, "", "x", nil))
	require.Error(t, em.Emit(context.Background(), ScopeConn, "", "x", nil))

	require.NoError(t, em.Emit(context.Background(), ScopeAll, "", "announce", []byte(`{}`)))
	envs := cap.all()
	require.Len(t, envs, 1)
	require.Equal(t, EmitterOrigin, envs[0].Origin)
}
