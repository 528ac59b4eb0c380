// Package audit publishes verification and presence events for downstream
// consumers.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"eventsync/internal/model"
	"eventsync/internal/verify"
)

const (
	EventVerification = "verification"
	EventPresence     = "presence"

	RoutingVerification = "eventsync.verification"
	RoutingPresence     = "eventsync.presence"
)

type Envelope struct {
	SchemaVersion int    `json:"schema_version"`
	EventType     string `json:"event_type"`
	OccurredAt    string `json:"occurred_at"`
	Service       string `json:"service"`
	Environment   string `json:"environment"`
	Room          string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	Payload       any    `json:"payload"`
}

type VerificationPayload struct {
	Hash       string                    `json:"hash"`
	SessionKey string                    `json:"session_key,omitempty"`
	Decision   verify.Decision           `json:"decision"`
	Cached     bool                      `json:"cached"`
	ErrorKind  verify.Kind               `json:"error_kind,omitempty"`
	ErrorCode  string                    `json:"error_code,omitempty"`
	Result     *model.VerificationResult `json:"result,omitempty"`
}

type PresencePayload struct {
	Status   model.Presence `json:"status"`
	LastSeen int64        `json:"last_seen"`
}

// Emitter turns pipeline outcomes and presence transitions into envelopes.
type Emitter struct {
	publisher   Publisher
	service     string
	environment string
	timeout     time.Duration
	now         func() time.Time
}

func NewEmitter(publisher Publisher, service, environment string) *Emitter {
	return &Emitter{
		publisher:   publisher,
		service:     service,
		environment: environment,
		timeout:     5 * time.Second,
		now:         time.Now,
	}
}

// Observe implements verify.Observer.
func (e *Emitter) Observe(ctx context.Context, req verify.Request, out verify.Outcome, err error) {
	payload := VerificationPayload{
		Hash:       out.Hash,
		SessionKey: out.SessionKey,
		Decision:   out.Decision,
		Cached:     out.Cached,
		Result:     out.Result,
	}
	var verr *verify.Error
	if errors.As(err, &verr) {
		payload.ErrorKind, payload.ErrorCode = verr.Kind, verr.Code
	}
	e.emit(ctx, RoutingVerification, EventVerification, req.Room, req.ParticipantID, payload)
}

// PresenceChanged implements hub.PresenceObserver.
func (e *Emitter) PresenceChanged(ctx context.Context, room string, p model.Participant) {
	e.emit(ctx, RoutingPresence, EventPresence, room, p.ID, PresencePayload{Status: p.Status, LastSeen: p.LastSeen})
}

func (e *Emitter) emit(ctx context.Context, routingKey, eventType, room, participantID string, payload any) {
	if e == nil || e.publisher == nil {
		return
	}
	env := Envelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		Room:          room,
		ParticipantID: participantID,
		Payload:       payload,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, routingKey, env); err != nil {
		log.Warn().Str("module", "audit").Str("event_type", eventType).Err(err).Msg("publish failed")
	}
}
