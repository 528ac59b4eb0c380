package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsync/internal/auth"
	"eventsync/internal/geofence"
	"eventsync/internal/hub"
	"eventsync/internal/model"
	"eventsync/internal/store"
	"eventsync/internal/verify"
)

const room = "BCS-2024"

type coordsAnalyzer map[string][2]float64

func (a coordsAnalyzer) Analyze(_ context.Context, image []byte, _ string) (model.VerificationResult, error) {
	pt, ok := a[string(image)]
	if !ok {
		return model.VerificationResult{Error: "no metadata"}, nil
	}
	return model.VerificationResult{Latitude: &pt[0], Longitude: &pt[1], IsAuthentic: true, Confidence: 0.9}, nil
}

type fixture struct {
	router *gin.Engine
	store  *store.Memory
	issuer auth.Issuer
}

func newFixture(t *testing.T, checks ...Check) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	zone := geofence.New("event", geofence.Point{Lat: 18.5194, Lng: 73.8150}, 0.005, 0.005)
	h := hub.New(st, zone)
	campus := geofence.FromBounds("campus", 18.5150, 18.5230, 73.8120, 73.8190)
	pipeline := verify.New(
		coordsAnalyzer{"inside": {18.5196, 73.8151}, "outside": {18.53, 73.82}},
		verify.NewMemoryCache(time.Hour, 100),
		verify.NewSlidingWindow(30, time.Minute),
		h,
		verify.Config{Campus: campus, Timeout: time.Second},
	)
	issuer := auth.Issuer{Name: "eventsync", Key: []byte("k"), AccessTTL: time.Minute, RefreshTTL: time.Hour}

	r := gin.New()
	New(Deps{
		Hub:       h,
		Store:     st,
		Verifier:  pipeline,
		Issuer:    issuer,
		EnrollKey: "enroll",
		Checks:    checks,
	}).Register(r)
	return &fixture{router: r, store: st, issuer: issuer}
}

func (f *fixture) enroll(t *testing.T, id string, role model.Role) string {
	t.Helper()
	_, err := f.store.UpsertParticipant(context.Background(), room, id, model.ParticipantPatch{Name: model.Ptr(id), Role: &role})
	require.NoError(t, err)
	pair, err := f.issuer.Issue(id, string(role), room)
	require.NoError(t, err)
	return pair.AccessToken
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t,
		Check{Name: "store", Fn: func(context.Context) error { return nil }},
	)
	w := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f = newFixture(t,
		Check{Name: "store", Fn: func(context.Context) error { return nil }},
		Check{Name: "redis", Fn: func(context.Context) error { return errors.New("connection refused") }},
	)
	w = f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["dependencies"].(map[string]any)["redis"])
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/tokens", "", gin.H{"room_id": room, "participant_id": "m-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "enroll key required")

	post := func(body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		req := httptest.NewRequest(http.MethodPost, "/v1/tokens", &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Enroll-Key", "enroll")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	w = post(gin.H{"room_id": room, "participant_id": "m-1"})
	assert.Equal(t, http.StatusNotFound, w.Code, "not on the roster yet")

	w = post(gin.H{"room_id": room, "participant_id": "m-1", "profile": gin.H{"name": "Asha", "department": "Photographers"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "MEMBER", body["role"])

	claims, err := f.issuer.Parse(body["access_token"].(string), auth.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "m-1", claims.Subject)
	assert.Equal(t, room, claims.Room)

	p, err := f.store.Participant(context.Background(), room, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "Photographers", p.Department)

	w = post(gin.H{"room_id": room, "participant_id": "m-1"})
	assert.Equal(t, http.StatusCreated, w.Code, "roster member can fetch a token again")

	w = post(gin.H{"room_id": room, "participant_id": "m-2", "profile": gin.H{"name": "x", "role": "ROOT"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/v1/tokens/refresh", "", gin.H{"refresh_token": body["refresh_token"]})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, room, decode(t, w)["room_id"])

	w = f.do(http.MethodPost, "/v1/tokens/refresh", "", gin.H{"refresh_token": body["access_token"]})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestState(t *testing.T) {
	f := newFixture(t)
	token := f.enroll(t, "m-1", model.RoleMember)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/state/"+room, "", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/state/OTHER", token, nil).Code)

	w := f.do(http.MethodGet, "/state/"+room, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Contains(t, body["participants"], "m-1")
	assert.Equal(t, []any{}, body["messages"])
	assert.Equal(t, []any{}, body["equipment"])
}

func dataURL(s string) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte(s))
}

func TestVerifyJSON(t *testing.T) {
	f := newFixture(t)
	token := f.enroll(t, "m-1", model.RoleMember)

	w := f.do(http.MethodPost, "/verify", token, gin.H{"room_id": room, "day": 1, "session": 1, "image": dataURL("inside")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "accepted", body["decision"])
	assert.Equal(t, "D1S1", body["session_key"])

	p, err := f.store.Participant(context.Background(), room, "m-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"D1S1"}, p.Attendance)

	w = f.do(http.MethodPost, "/verify", token, gin.H{"room_id": room, "day": 1, "session": 2, "image": dataURL("outside")})
	assert.Equal(t, http.StatusForbidden, w.Code)
	body = decode(t, w)
	assert.Equal(t, "location_denied", body["error_code"])
	assert.Equal(t, "policy_denial", body["error_kind"])
	assert.InDelta(t, 18.53, body["latitude"], 1e-9)

	w = f.do(http.MethodPost, "/verify", token, gin.H{"room_id": room, "day": 1, "session": 2, "image": base64.StdEncoding.EncodeToString([]byte("blank"))})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "no_location_data", decode(t, w)["error_code"])

	w = f.do(http.MethodPost, "/verify", token, gin.H{"room_id": room, "day": 1, "session": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_image", decode(t, w)["error_code"])

	w = f.do(http.MethodPost, "/verify", token, gin.H{"room_id": room, "day": 1, "session": 2, "image": "data:image/png,notbase64"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error_code"])
}

func TestVerifyScope(t *testing.T) {
	f := newFixture(t)
	member := f.enroll(t, "m-1", model.RoleMember)
	admin := f.enroll(t, "admin-1", model.RoleAdmin)
	f.enroll(t, "m-2", model.RoleMember)

	body := gin.H{"room_id": "OTHER", "day": 1, "session": 1, "image": dataURL("inside")}
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/verify", member, body).Code)

	body = gin.H{"room_id": room, "participant_id": "m-2", "day": 1, "session": 1, "image": dataURL("inside")}
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/verify", member, body).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/verify", admin, body).Code)
}

func TestVerifyMultipart(t *testing.T) {
	f := newFixture(t)
	token := f.enroll(t, "m-1", model.RoleMember)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("room_id", room))
	require.NoError(t, mw.WriteField("day", "2"))
	require.NoError(t, mw.WriteField("session", "1"))
	part, err := mw.CreateFormFile("image", "photo.jpg")
	require.NoError(t, err)
	_, _ = part.Write([]byte("inside"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/verify", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "D2S1", decode(t, w)["session_key"])
}

func TestEquipment(t *testing.T) {
	f := newFixture(t)
	member := f.enroll(t, "m-1", model.RoleMember)
	admin := f.enroll(t, "admin-1", model.RoleAdmin)

	item := gin.H{"name": "Camera A", "serial_number": "SN-1", "assigned_to_id": "m-1", "status": "Good"}
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/equipment/"+room, member, item).Code)

	w := f.do(http.MethodPost, "/equipment/"+room, admin, item)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["id"])

	bad := gin.H{"name": "Tripod", "status": "Lost"}
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/equipment/"+room, admin, bad).Code)

	w = f.do(http.MethodGet, "/equipment/"+room, member, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["equipment"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "Camera A", list[0].(map[string]any)["name"])
}

func TestWebsocketBoundToTokenRoom(t *testing.T) {
	f := newFixture(t)
	token := f.enroll(t, "m-1", model.RoleMember)

	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	read := func() map[string]any {
		var m map[string]any
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	require.NoError(t, conn.WriteJSON(gin.H{"type": "join", "room_id": "OTHER"}))
	assert.Equal(t, "error", read()["type"])

	require.NoError(t, conn.WriteJSON(gin.H{"type": "join", "room_id": room}))
	msg := read()
	assert.Equal(t, "snapshot", msg["type"])
}
