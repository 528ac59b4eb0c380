package model

import (
	"time"

	"eventsync/internal/geofence"
)

// Role of a participant within an event.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Presence is the connection state of a participant.
type Presence string

const (
	Online  Presence = "Online"
	Offline Presence = "Offline"
)

// HistoryCapacity bounds Participant.LocationHistory.
const HistoryCapacity = 20

// LocationPoint is a single position sample. Timestamp is unix milliseconds.
type LocationPoint struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// Point drops the timestamp for geofence evaluation.
func (l LocationPoint) Point() geofence.Point {
	return geofence.Point{Lat: l.Lat, Lng: l.Lng}
}

// Time returns the capture time.
func (l LocationPoint) Time() time.Time {
	return time.UnixMilli(l.Timestamp)
}

// Participant is the full synchronized record of one person in a room.
type Participant struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Email           string          `json:"email,omitempty"`
	Department      string          `json:"department"`
	Role            Role            `json:"role"`
	Avatar          string          `json:"avatar,omitempty"`
	Status          Presence        `json:"status"`
	CurrentLocation *LocationPoint  `json:"current_location,omitempty"`
	InsideGeofence  bool            `json:"inside_geofence"`
	LocationHistory []LocationPoint `json:"location_history"`
	Attendance      []string        `json:"attendance"`
	LastSeen        int64           `json:"last_seen,omitempty"`
}

// ChatMessage is an append-only direct message.
type ChatMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	IsRead     bool   `json:"is_read"`
}

// WorkUpdate is an append-only free-text status entry.
type WorkUpdate struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Task      string `json:"task"`
	Timestamp int64  `json:"timestamp"`
}

// EquipmentStatus is the condition of a piece of gear.
type EquipmentStatus string

const (
	EquipmentGood         EquipmentStatus = "Good"
	EquipmentNeedsService EquipmentStatus = "Needs Service"
	EquipmentDamaged      EquipmentStatus = "Damaged"
)

// Valid reports whether s is a known status.
func (s EquipmentStatus) Valid() bool {
	switch s {
	case EquipmentGood, EquipmentNeedsService, EquipmentDamaged:
		return true
	}
	return false
}

// Equipment is a registered item of gear. Updates resolve by UpdatedAt.
type Equipment struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	SerialNumber string          `json:"serial_number"`
	AssignedToID string          `json:"assigned_to_id"`
	Status       EquipmentStatus `json:"status"`
	UpdatedAt    int64           `json:"updated_at"`
	Notes        string          `json:"notes,omitempty"`
}

// Snapshot is the full room state delivered to a freshly joined client.
type Snapshot struct {
	Participants map[string]ParticipantPatch `json:"participants"`
	Messages     []ChatMessage               `json:"messages"`
	WorkUpdates  []WorkUpdate                `json:"work_updates"`
	Equipment    []Equipment                 `json:"equipment"`
}

// SnapshotLimits bounds the feeds included in a snapshot.
type SnapshotLimits struct {
	Messages    int
	WorkUpdates int
}

// DefaultSnapshotLimits are used when a caller passes zero values.
var DefaultSnapshotLimits = SnapshotLimits{Messages: 200, WorkUpdates: 100}
