package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PGateway/global/config"
	"PGateway/service/bus"
	errs "PGateway/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newWSTestEndpoint(t *testing.T, mut func(*config.GatewayConfig)) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := newTestServer(t, bus.NewMemoryBroker(), mut, Options{})

	r := gin.New()
	r.GET("/gateway", NewWSTransport(srv).HandleWS)
	hs := httptest.NewServer(r)
	t.Cleanup(hs.Close)

	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/gateway"
}

func TestWSAuthenticateOverTransport(t *testing.T) {
	srv, url := newWSTestEndpoint(t, nil)

	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(map[string]any{
		"event":   EventAuthenticate,
		"payload": map[string]any{"token": "good", "device_id": "d1"},
	}))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)

	var f outEvent
	require.NoError(t, json.Unmarshal(data, &f))
	require.Equal(t, EventAuthenticated, f.Event)
	require.Eventually(t, func() bool {
		return len(srv.reg.ListByUser("u-d1")) == 1
	}, time.Second, 10*time.Millisecond)
}

// 真实 websocket 链路上，强制关闭前入队的下线通知必须先于关闭帧到达。
func TestWSRejectNoticePrecedesClose(t *testing.T) {
	_, url := newWSTestEndpoint(t, nil)

	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(map[string]any{
		"event":   EventAuthenticate,
		"payload": map[string]any{"token": "bad"},
	}))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var f outEvent
	require.NoError(t, json.Unmarshal(data, &f))
	require.Equal(t, EventUnauthenticate, f.Event)
	var notice map[string]any
	require.NoError(t, json.Unmarshal(f.Payload, &notice))
	require.EqualValues(t, errs.CodeUnauthenticated, notice["code"])

	// 通知之后才是带关闭码的关闭帧
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, errs.CodeUnauthenticated, ce.Code)
}
