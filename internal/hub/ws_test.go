package hub

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

	"eventsync/internal/model"
)

func serve(t *testing.T, h *Hub) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		id := Identity{ParticipantID: r.URL.Query().Get("as"), Role: model.Role(r.URL.Query().Get("role"))}
		h.ServeConn(r.Context(), conn, id, 16)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, as string, role model.Role) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?as=" + as + "&role=" + string(role)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func frameType(t *testing.T, m map[string]json.RawMessage) string {
	var typ string
	require.NoError(t, json.Unmarshal(m["type"], &typ))
	return typ
}

func TestWebsocketJoinAndTelemetry(t *testing.T) {
	h, _ := newTestHub()
	srv := serve(t, h)

	admin := dial(t, srv, "admin-1", model.RoleAdmin)
	require.NoError(t, admin.WriteJSON(Frame{Type: FrameJoin, RoomID: "BCS-2024", Participant: &model.Participant{ID: "admin-1", Name: "Admin Commander 1"}}))
	assert.Equal(t, "snapshot", frameType(t, readJSON(t, admin)))

	member := dial(t, srv, "m-1", model.RoleMember)
	require.NoError(t, member.WriteJSON(Frame{Type: FrameTelemetry, RoomID: "BCS-2024", Fields: &model.ParticipantPatch{Status: model.Ptr(model.Online)}}))
	errFrame := readJSON(t, member)
	assert.Equal(t, FrameError, frameType(t, errFrame))

	require.NoError(t, member.WriteJSON(Frame{Type: FrameJoin, RoomID: "BCS-2024"}))
	assert.Equal(t, "snapshot", frameType(t, readJSON(t, member)))
	assert.Equal(t, "telemetry", frameType(t, readJSON(t, admin)))

	loc := model.LocationPoint{Lat: 18.5196, Lng: 73.8151, Timestamp: 1_700_000_000_500}
	require.NoError(t, member.WriteJSON(Frame{Type: FrameTelemetry, RoomID: "BCS-2024", Fields: &model.ParticipantPatch{CurrentLocation: &loc}}))

	raw := readJSON(t, admin)
	require.Equal(t, "telemetry", frameType(t, raw))
	var patch model.TelemetryPatch
	require.NoError(t, json.Unmarshal(raw["telemetry"], &patch))
	assert.Equal(t, "m-1", patch.ParticipantID)
	require.NotNil(t, patch.Fields.InsideGeofence)
	assert.True(t, *patch.Fields.InsideGeofence)
}

func TestWebsocketMalformedFrameKeepsConnection(t *testing.T) {
	h, _ := newTestHub()
	srv := serve(t, h)
	conn := dial(t, srv, "m-1", model.RoleMember)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, FrameError, frameType(t, readJSON(t, conn)))

	require.NoError(t, conn.WriteJSON(Frame{Type: "teleport"}))
	assert.Equal(t, FrameError, frameType(t, readJSON(t, conn)))

	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	assert.Equal(t, FramePong, frameType(t, readJSON(t, conn)))
}
