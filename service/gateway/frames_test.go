package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"event":"authenticate","payload":{"token":"abc","device_id":"d1"}}`))
	require.NoError(t, err)
	require.Equal(t, EventAuthenticate, f.Event)

	p, err := extractAuthPayload(f)
	require.NoError(t, err)
	require.Equal(t, "abc", p.Token)
	require.Equal(t, "d1", p.DeviceID)
}

func TestParseFrameBad(t *testing.T) {
	_, err := ParseFrame([]byte(`{not json`))
	require.Error(t, err)

	// 没有事件名的帧不接受
	_, err = ParseFrame([]byte(`{"payload":{}}`))
	require.Error(t, err)
}

func TestExtractRooms(t *testing.T) {
	f, err := ParseFrame([]byte(`{"event":"join","payload":{"rooms":["a","b"]}}`))
	require.NoError(t, err)
	rooms, err := extractRooms(f)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, rooms)

	// 空负载不算错
	f2, err := ParseFrame([]byte(`{"event":"leave"}`))
	require.NoError(t, err)
	rooms, err = extractRooms(f2)
	require.NoError(t, err)
	require.Empty(t, rooms)
}

func TestExtractAuthPayloadMissing(t *testing.T) {
	f := &Frame{Event: EventAuthenticate}
	_, err := extractAuthPayload(f)
	require.Error(t, err)
}

func TestEncodeFrame(t *testing.T) {
	raw, err := EncodeFrame("news", map[string]any{"x": 1}, false)
	require.NoError(t, err)

	var out struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
		Enc     bool            `json:"enc"`
		Ts      int64           `json:"ts"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "news", out.Event)
	require.False(t, out.Enc)
	require.JSONEq(t, `{"x":1}`, string(out.Payload))
	require.NotZero(t, out.Ts)
}

func TestBuildAuthenticatedAck(t *testing.T) {
	ack := buildAuthenticatedAck("c1", 25*time.Second, 75*time.Second, nil)
	require.Equal(t, "c1", ack["conn_id"])
	hb := ack["heartbeat"].(map[string]any)
	require.EqualValues(t, 25_000, hb["ping_interval_ms"])
	require.EqualValues(t, 75_000, hb["pong_timeout_ms"])
	_, hasEnc := ack["encryption"]
	require.False(t, hasEnc)

	withEnc := buildAuthenticatedAck("c1", time.Second, time.Second, &HandshakeResult{
		ServerPublicKey: []byte{1, 2, 3},
		Salt:            []byte{4, 5, 6},
	})
	enc := withEnc["encryption"].(map[string]any)
	require.NotEmpty(t, enc["server_public_key"])
	require.NotEmpty(t, enc["salt"])
}
