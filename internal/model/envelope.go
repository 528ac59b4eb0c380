package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeType discriminates the three outbound envelope variants.
type EnvelopeType string

const (
	TypeSnapshot  EnvelopeType = "snapshot"
	TypeTelemetry EnvelopeType = "telemetry"
	TypeActivity  EnvelopeType = "activity"
)

// ActivityKind discriminates the item carried by an activity envelope.
type ActivityKind string

const (
	KindMessage    ActivityKind = "message"
	KindWorkUpdate ActivityKind = "work_update"
	KindEquipment  ActivityKind = "equipment"
)

// Envelope is the tagged union sent from the hub to clients. Exactly one of
// Snapshot, Telemetry or Activity is set, matching Type.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	Snapshot  *Snapshot       `json:"snapshot,omitempty"`
	Telemetry *TelemetryPatch `json:"telemetry,omitempty"`
	Activity  *Activity       `json:"activity,omitempty"`
}

// TelemetryPatch is a partial update of one participant. Presence marks
// presence-changed notifications, which carry the full record in Fields.
type TelemetryPatch struct {
	ParticipantID string           `json:"participant_id"`
	Fields        ParticipantPatch `json:"fields"`
	Presence      bool             `json:"presence,omitempty"`
}

// Activity is an append to one of the room feeds.
type Activity struct {
	Kind       ActivityKind `json:"kind"`
	Message    *ChatMessage `json:"message,omitempty"`
	WorkUpdate *WorkUpdate  `json:"work_update,omitempty"`
	Equipment  *Equipment   `json:"equipment,omitempty"`
}

// ItemID returns the id of the carried item.
func (a Activity) ItemID() string {
	switch a.Kind {
	case KindMessage:
		if a.Message != nil {
			return a.Message.ID
		}
	case KindWorkUpdate:
		if a.WorkUpdate != nil {
			return a.WorkUpdate.ID
		}
	case KindEquipment:
		if a.Equipment != nil {
			return a.Equipment.ID
		}
	}
	return ""
}

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Validate checks that the payload matching the kind is present and carries an id.
func (a Activity) Validate() error {
	switch a.Kind {
	case KindMessage:
		if a.Message == nil {
			return fmt.Errorf("%w: message payload missing", ErrInvalidEnvelope)
		}
		if a.Message.SenderID == "" || a.Message.Text == "" {
			return fmt.Errorf("%w: message needs sender and text", ErrInvalidEnvelope)
		}
	case KindWorkUpdate:
		if a.WorkUpdate == nil {
			return fmt.Errorf("%w: work update payload missing", ErrInvalidEnvelope)
		}
		if a.WorkUpdate.UserID == "" || a.WorkUpdate.Task == "" {
			return fmt.Errorf("%w: work update needs user and task", ErrInvalidEnvelope)
		}
	case KindEquipment:
		if a.Equipment == nil {
			return fmt.Errorf("%w: equipment payload missing", ErrInvalidEnvelope)
		}
		if a.Equipment.Name == "" || !a.Equipment.Status.Valid() {
			return fmt.Errorf("%w: equipment needs name and a known status", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown activity kind %q", ErrInvalidEnvelope, a.Kind)
	}
	if a.ItemID() == "" {
		return fmt.Errorf("%w: item id missing", ErrInvalidEnvelope)
	}
	return nil
}

// Validate checks the envelope carries exactly the payload its type names.
func (e Envelope) Validate() error {
	set := 0
	for _, ok := range []bool{e.Snapshot != nil, e.Telemetry != nil, e.Activity != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: expected one payload, got %d", ErrInvalidEnvelope, set)
	}
	switch e.Type {
	case TypeSnapshot:
		if e.Snapshot == nil {
			return fmt.Errorf("%w: snapshot payload missing", ErrInvalidEnvelope)
		}
	case TypeTelemetry:
		if e.Telemetry == nil || e.Telemetry.ParticipantID == "" {
			return fmt.Errorf("%w: telemetry needs a participant id", ErrInvalidEnvelope)
		}
	case TypeActivity:
		if e.Activity == nil {
			return fmt.Errorf("%w: activity payload missing", ErrInvalidEnvelope)
		}
		return e.Activity.Validate()
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

func NewSnapshot(s Snapshot) Envelope {
	return Envelope{Type: TypeSnapshot, Snapshot: &s}
}

func NewTelemetry(participantID string, fields ParticipantPatch) Envelope {
	return Envelope{Type: TypeTelemetry, Telemetry: &TelemetryPatch{ParticipantID: participantID, Fields: fields}}
}

func NewPresence(p Participant) Envelope {
	return Envelope{Type: TypeTelemetry, Telemetry: &TelemetryPatch{ParticipantID: p.ID, Fields: p.FullPatch(), Presence: true}}
}

func NewActivity(a Activity) Envelope {
	return Envelope{Type: TypeActivity, Activity: &a}
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a wire envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
