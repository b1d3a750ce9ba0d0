package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/hardware"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zap.NewNop(), time.Hour)
	hub.SetStatusProvider(func() interface{} {
		return map[string]string{"dispenser": "idle"}
	})
	go hub.Run()

	upgrader := NewUpgrader(0, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(upgrader, w, r)
	}))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeConnected, msg.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubBroadcastDispenseEvent(t *testing.T) {
	hub, srv := newTestHub(t)
	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return hub.GetOnlineCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.OnDispenseEvent(dispenser.Event{
		Kind:     dispenser.EventDone,
		Previous: dispenser.StateDispensing,
		Transaction: dispenser.Transaction{
			TxID: "WS-1", Quantity: 2, Dispensed: 2, State: dispenser.StateDone,
		},
	})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		require.Equal(t, MessageTypeDispense, msg.Type)
		var data DispenseData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, "done", data.Event)
		assert.Equal(t, "WS-1", data.TxID)
		assert.Equal(t, "done", data.State)
		assert.Equal(t, "dispensing", data.Previous)
		assert.Equal(t, 2, data.Dispensed)
	}
}

func TestHubHardwareError(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)

	hub.OnHardwareError(hardware.ErrorRecord{Code: hardware.CodeSensorOff, Timestamp: time.UnixMilli(1000)})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeHardwareError, msg.Type)
	var data HardwareErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, uint8(2), data.Code)
	assert.Equal(t, "SENSOR_OFF", data.Name)
	assert.Equal(t, int64(1000), data.Timestamp)
}

func TestClientMessages(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
		assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
	})

	t.Run("状态查询", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status"}`)))
		msg := readMessage(t, conn)
		require.Equal(t, MessageTypeStatus, msg.Type)
		assert.JSONEq(t, `{"dispenser":"idle"}`, string(msg.Data))
	})

	t.Run("无效消息", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
		assert.Equal(t, MessageTypeError, readMessage(t, conn).Type)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"spin"}`)))
		assert.Equal(t, MessageTypeError, readMessage(t, conn).Type)
	})
}

func TestHubStopClosesClients(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)

	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.GetOnlineCount())
}
