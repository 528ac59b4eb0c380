package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"eventsync/internal/model"
	"eventsync/internal/observability"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 1 << 20
)

// Inbound frame types.
const (
	FrameJoin      = "join"
	FrameTelemetry = "telemetry"
	FrameActivity  = "activity"
	FramePing      = "ping"
	FrameError     = "error"
	FramePong      = "pong"
)

// Frame is what clients send. Which fields are read depends on Type.
type Frame struct {
	Type          string                  `json:"type"`
	RoomID        string                  `json:"room_id,omitempty"`
	Participant   *model.Participant      `json:"participant,omitempty"`
	ParticipantID string                  `json:"participant_id,omitempty"`
	Fields        *model.ParticipantPatch `json:"fields,omitempty"`
	Activity      *model.Activity         `json:"activity,omitempty"`
}

// ErrorFrame is sent to a single connection when one of its frames is
// rejected. The connection stays open.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Frame string `json:"frame,omitempty"`
}

// ServeConn runs the session for an upgraded connection until either side
// closes it. It blocks; the caller's goroutine becomes the read pump.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, id Identity, queueSize int) {
	s := NewSession(id, queueSize)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info().Str("module", "ws").Str("session", s.ID).Str("participant", id.ParticipantID).Msg("connection opened")

	go h.writePump(ctx, conn, s)
	h.readPump(ctx, conn, s)
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session closed"))
			return
		case frame := <-s.Outbound():
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Str("module", "ws").Str("session", s.ID).Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, s *Session) {
	defer func() {
		h.Leave(context.WithoutCancel(ctx), s)
		_ = conn.Close()
		log.Info().Str("module", "ws").Str("session", s.ID).Msg("connection closed")
	}()

	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("module", "ws").Str("session", s.ID).Err(err).Msg("read failed")
			}
			return
		}
		h.handleFrame(ctx, s, data)
	}
}

func (h *Hub) handleFrame(ctx context.Context, s *Session, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		h.reject(s, "", "malformed frame")
		return
	}
	observability.IncWSEvent("in", f.Type)

	if f.Type != FrameJoin && f.Type != FramePing {
		room := s.Room()
		if room == "" {
			h.reject(s, f.Type, ErrNotJoined.Error())
			return
		}
		if f.RoomID != "" && f.RoomID != room {
			h.reject(s, f.Type, "frame addressed to another room")
			return
		}
	}

	var err error
	switch f.Type {
	case FrameJoin:
		p := model.Participant{ID: s.ParticipantID}
		if f.Participant != nil {
			p = *f.Participant
		}
		err = h.Join(ctx, f.RoomID, p, s)
	case FrameTelemetry:
		if f.Fields == nil {
			err = ErrInvalid
			break
		}
		err = h.Telemetry(ctx, s, f.ParticipantID, *f.Fields)
	case FrameActivity:
		if f.Activity == nil {
			err = ErrInvalid
			break
		}
		_, err = h.Activity(ctx, s, *f.Activity)
	case FramePing:
		b, _ := json.Marshal(map[string]string{"type": FramePong})
		_ = s.TrySend(b)
	default:
		h.reject(s, f.Type, "unknown frame type")
		return
	}
	if err != nil {
		h.reject(s, f.Type, publicMessage(err))
	}
}

func (h *Hub) reject(s *Session, frameType, msg string) {
	b, err := json.Marshal(ErrorFrame{Type: FrameError, Error: msg, Frame: frameType})
	if err != nil {
		return
	}
	h.sendFrame(s, b, FrameError)
}

// publicMessage hides store and transport details from clients.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotJoined), errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalid):
		return err.Error()
	}
	return "request failed"
}
