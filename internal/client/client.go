// Package client is a Go participant for the room hub: it joins over a
// websocket, folds inbound envelopes into local state and pushes throttled
// location telemetry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"eventsync/internal/hub"
	"eventsync/internal/model"
	"eventsync/internal/reconcile"
	"eventsync/internal/throttle"
)

const writeWait = 5 * time.Second

var ErrNotJoined = errors.New("client: not joined")

// ServerError is an error frame returned by the hub for one of our frames.
type ServerError struct {
	Frame   string
	Message string
}

func (e ServerError) Error() string {
	return fmt.Sprintf("server rejected %s: %s", e.Frame, e.Message)
}

type Option func(*Client)

// WithThrottle replaces the default location throttle.
func WithThrottle(t *throttle.Throttle) Option {
	return func(c *Client) { c.throttle = t }
}

// WithListener is called for every envelope after it was applied.
func WithListener(fn func(model.Envelope)) Option {
	return func(c *Client) { c.listener = fn }
}

// WithErrorHandler is called for every error frame.
func WithErrorHandler(fn func(ServerError)) Option {
	return func(c *Client) { c.onError = fn }
}

type Client struct {
	conn     *websocket.Conn
	throttle *throttle.Throttle
	listener func(model.Envelope)
	onError  func(ServerError)

	writeMu sync.Mutex

	mu    sync.RWMutex
	room  string
	self  string
	state reconcile.State
}

// Dial connects to the hub websocket endpoint wsURL (ws://host/ws) with a
// bearer token.
func Dial(ctx context.Context, wsURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	c := &Client{
		conn:     conn,
		throttle: throttle.New(throttle.DefaultMovementThreshold, throttle.DefaultInterval),
		state:    reconcile.NewState(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Join asks the hub to add us to room. The snapshot arrives through Run.
func (c *Client) Join(room string, self model.Participant) error {
	c.mu.Lock()
	c.room, c.self = room, self.ID
	c.mu.Unlock()
	return c.write(hub.Frame{Type: hub.FrameJoin, RoomID: room, Participant: &self})
}

// Run reads envelopes until the connection drops or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var head struct {
		Type  string `json:"type"`
		Error string `json:"error"`
		Frame string `json:"frame"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		log.Warn().Str("module", "client").Err(err).Msg("undecodable frame")
		return
	}
	switch head.Type {
	case hub.FramePong:
		return
	case hub.FrameError:
		se := ServerError{Frame: head.Frame, Message: head.Error}
		log.Warn().Str("module", "client").Str("frame", se.Frame).Msg(se.Message)
		if c.onError != nil {
			c.onError(se)
		}
		return
	}

	env, err := model.DecodeEnvelope(data)
	if err != nil {
		log.Warn().Str("module", "client").Err(err).Msg("invalid envelope")
		return
	}
	c.mu.Lock()
	c.state = reconcile.Apply(c.state, env)
	c.mu.Unlock()
	if c.listener != nil {
		c.listener(env)
	}
}

// State returns the reconciled room state. Callers must not mutate it.
func (c *Client) State() reconcile.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ReportLocation pushes our position unless the throttle suppresses it.
// The throttle baseline only moves when the frame was handed to the socket.
func (c *Client) ReportLocation(pt model.LocationPoint) (bool, error) {
	return c.report(pt, nil)
}

// ReportAttendance pushes pt along with attendance keys. A key not yet held
// locally bypasses the throttle. The hub honours keys from admin sessions
// only, so members do not echo them into local state.
func (c *Client) ReportAttendance(pt model.LocationPoint, keys ...string) (bool, error) {
	return c.report(pt, keys)
}

func (c *Client) report(pt model.LocationPoint, keys []string) (bool, error) {
	c.mu.RLock()
	room, self := c.room, c.self
	me := c.state.Participants[self]
	c.mu.RUnlock()
	if room == "" {
		return false, ErrNotJoined
	}

	fresh := slices.ContainsFunc(keys, func(k string) bool { return !slices.Contains(me.Attendance, k) })
	patch := model.ParticipantPatch{CurrentLocation: &pt}
	if fresh {
		patch.Attendance = keys
	}
	sample := throttle.Sample{Lat: pt.Lat, Lng: pt.Lng, Time: pt.Time()}
	sent, err := c.throttle.Offer(sample, fresh, func() error {
		return c.write(hub.Frame{
			Type:          hub.FrameTelemetry,
			RoomID:        room,
			ParticipantID: self,
			Fields:        &patch,
		})
	})
	if !sent || err != nil {
		return sent, err
	}

	echo := patch
	if me.Role != model.RoleAdmin {
		echo.Attendance = nil
	}
	c.mu.Lock()
	c.state = reconcile.Apply(c.state, model.NewTelemetry(self, echo))
	c.mu.Unlock()
	return true, nil
}

// SendMessage posts a direct message. The id is chosen here so a retry
// after a lost connection is absorbed by the room.
func (c *Client) SendMessage(to, text string) (string, error) {
	id := uuid.NewString()
	return id, c.activity(model.Activity{Kind: model.KindMessage, Message: &model.ChatMessage{
		ID: id, ReceiverID: to, Text: text,
	}})
}

// PostWorkUpdate appends to the room's work-update feed.
func (c *Client) PostWorkUpdate(task string) (string, error) {
	id := uuid.NewString()
	return id, c.activity(model.Activity{Kind: model.KindWorkUpdate, WorkUpdate: &model.WorkUpdate{
		ID: id, Task: task,
	}})
}

func (c *Client) activity(a model.Activity) error {
	c.mu.RLock()
	room := c.room
	c.mu.RUnlock()
	if room == "" {
		return ErrNotJoined
	}
	return c.write(hub.Frame{Type: hub.FrameActivity, RoomID: room, Activity: &a})
}

// Ping asks the hub for a pong.
func (c *Client) Ping() error {
	return c.write(hub.Frame{Type: hub.FramePing})
}

func (c *Client) write(f hub.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

// Close sends a close frame and drops the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Profile is the roster entry sent when enrolling.
type Profile struct {
	Name       string     `json:"name"`
	Email      string     `json:"email,omitempty"`
	Department string     `json:"department,omitempty"`
	Role       model.Role `json:"role,omitempty"`
}

// Enroll obtains an access token from baseURL/v1/tokens, creating the
// roster entry when profile is non-nil.
func Enroll(ctx context.Context, httpClient *http.Client, baseURL, enrollKey, room, participantID string, profile *Profile) (string, error) {
	body, err := json.Marshal(map[string]any{
		"room_id":        room,
		"participant_id": participantID,
		"profile":        profile,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if enrollKey != "" {
		req.Header.Set("X-Enroll-Key", enrollKey)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: enroll: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("client: enroll: decode: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("client: enroll: %d %s", resp.StatusCode, out.Error)
	}
	return out.AccessToken, nil
}
