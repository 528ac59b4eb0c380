// Package hub is the room-scoped broadcast hub. It keeps the registry of
// live sessions per room, persists incoming state through the store and
// fans envelopes out to the other members of the same room.
package hub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"eventsync/internal/geofence"
	"eventsync/internal/model"
	"eventsync/internal/observability"
	"eventsync/internal/store"
)

var (
	ErrNotJoined = errors.New("join a room first")
	ErrForbidden = errors.New("not allowed for this participant")
	ErrInvalid   = errors.New("invalid payload")
)

// PresenceObserver hears about Online/Offline transitions.
type PresenceObserver interface {
	PresenceChanged(ctx context.Context, room string, p model.Participant)
}

type Option func(*Hub)

func WithSnapshotLimits(l model.SnapshotLimits) Option {
	return func(h *Hub) { h.limits = l }
}

func WithPresenceObserver(o PresenceObserver) Option {
	return func(h *Hub) { h.presence = append(h.presence, o) }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub maintains the room registry. It is safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}

	// presenceMu serialises join and leave of one participant in one room,
	// striped by (room, participant).
	presenceMu [presenceStripes]sync.Mutex

	store    store.Store
	zone     geofence.Fence
	limits   model.SnapshotLimits
	presence []PresenceObserver
	now      func() time.Time
}

// New creates an empty hub. zone is the event geofence used to derive
// insideGeofence for live positions.
func New(st store.Store, zone geofence.Fence, opts ...Option) *Hub {
	h := &Hub{
		rooms:  make(map[string]map[*Session]struct{}),
		store:  st,
		zone:   zone,
		limits: model.DefaultSnapshotLimits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

const presenceStripes = 64

func (h *Hub) lockPresence(room, participantID string) func() {
	f := fnv.New32a()
	_, _ = f.Write([]byte(room))
	_, _ = f.Write([]byte{0})
	_, _ = f.Write([]byte(participantID))
	mu := &h.presenceMu[f.Sum32()%presenceStripes]
	mu.Lock()
	return mu.Unlock
}

func (h *Hub) add(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Session]struct{})
	}
	if _, ok := h.rooms[room][s]; ok {
		return
	}
	h.rooms[room][s] = struct{}{}
	observability.IncWSActive()
}

// remove reports whether s was registered.
func (h *Hub) remove(room string, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := sessions[s]; !ok {
		return false
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(h.rooms, room)
	}
	observability.DecWSActive()
	return true
}

func (h *Hub) online(room, participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[room] {
		if s.ParticipantID == participantID {
			return true
		}
	}
	return false
}

// Members returns the number of live sessions in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Join registers s in room, marks the participant Online, sends the joiner
// a full snapshot and tells everyone else.
func (h *Hub) Join(ctx context.Context, room string, p model.Participant, s *Session) error {
	if room == "" {
		return fmt.Errorf("%w: room id required", ErrInvalid)
	}
	if p.ID == "" {
		p.ID = s.ParticipantID
	}
	if p.ID != s.ParticipantID {
		return ErrForbidden
	}
	if s.BoundRoom != "" && s.BoundRoom != room {
		return ErrForbidden
	}
	if cur := s.Room(); cur != "" && cur != room {
		return fmt.Errorf("%w: session already joined %s", ErrInvalid, cur)
	}

	unlock := h.lockPresence(room, p.ID)
	defer unlock()

	now := h.now().UnixMilli()
	patch := model.ParticipantPatch{
		Role:     model.Ptr(s.Role),
		Status:   model.Ptr(model.Online),
		LastSeen: &now,
	}
	if p.Name != "" {
		patch.Name = &p.Name
	}
	if p.Email != "" {
		patch.Email = &p.Email
	}
	if p.Department != "" {
		patch.Department = &p.Department
	}
	if p.Avatar != "" {
		patch.Avatar = &p.Avatar
	}

	persisted, err := h.store.UpsertParticipant(ctx, room, p.ID, patch)
	if err != nil {
		log.Error().Str("module", "hub").Err(err).Str("room", room).Str("participant", p.ID).Msg("persist presence failed")
		persisted = model.Participant{ID: p.ID}.Apply(patch)
	}

	s.setRoom(room)
	h.add(room, s)

	snap, err := h.store.LoadSnapshot(ctx, room, h.limits)
	if err != nil {
		log.Error().Str("module", "hub").Err(err).Str("room", room).Msg("load snapshot failed")
		snap = model.Snapshot{
			Participants: map[string]model.ParticipantPatch{},
			Messages:     []model.ChatMessage{},
			WorkUpdates:  []model.WorkUpdate{},
			Equipment:    []model.Equipment{},
		}
	}
	if _, ok := snap.Participants[p.ID]; !ok {
		snap.Participants[p.ID] = persisted.FullPatch()
	}
	h.deliver(s, model.NewSnapshot(snap))

	log.Info().Str("module", "hub").Str("room", room).Str("participant", p.ID).Str("session", s.ID).Msg("joined")
	h.Publish(room, model.NewPresence(persisted), s)
	h.notifyPresence(ctx, room, persisted)
	return nil
}

// Leave unregisters s and closes it. When it was the participant's last
// session in the room the participant goes Offline. Join and Leave of the
// same participant are serialised so a reconnect cannot be overwritten by
// the Offline of the session it replaces.
func (h *Hub) Leave(ctx context.Context, s *Session) {
	defer s.Close()
	room := s.Room()
	if room == "" {
		return
	}
	unlock := h.lockPresence(room, s.ParticipantID)
	defer unlock()

	h.remove(room, s)
	if h.online(room, s.ParticipantID) {
		return
	}

	now := h.now().UnixMilli()
	patch := model.ParticipantPatch{Status: model.Ptr(model.Offline), LastSeen: &now}
	p, err := h.store.UpsertParticipant(ctx, room, s.ParticipantID, patch)
	if err != nil {
		log.Error().Str("module", "hub").Err(err).Str("room", room).Str("participant", s.ParticipantID).Msg("persist offline failed")
		p = model.Participant{ID: s.ParticipantID}.Apply(patch)
	}
	log.Info().Str("module", "hub").Str("room", room).Str("participant", s.ParticipantID).Msg("left")
	h.Publish(room, model.NewPresence(p), nil)
	h.notifyPresence(ctx, room, p)
}

// Publish delivers env to every session in room except exclude.
func (h *Hub) Publish(room string, env model.Envelope, exclude *Session) {
	frame, err := env.Encode()
	if err != nil {
		log.Error().Str("module", "hub").Err(err).Msg("encode envelope")
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		if s != exclude {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.sendFrame(s, frame, string(env.Type))
	}
}

func (h *Hub) deliver(s *Session, env model.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		log.Error().Str("module", "hub").Err(err).Msg("encode envelope")
		return
	}
	h.sendFrame(s, frame, string(env.Type))
}

func (h *Hub) sendFrame(s *Session, frame []byte, typ string) {
	switch err := s.TrySend(frame); {
	case err == nil:
		observability.IncWSEvent("out", typ)
	case errors.Is(err, ErrBackpressure):
		// The client reconnects and gets a fresh snapshot.
		log.Warn().Str("module", "hub").Str("session", s.ID).Str("participant", s.ParticipantID).Msg("outbound queue full, dropping session")
		observability.IncBackpressureDrop()
		h.remove(s.Room(), s)
		s.Close()
	}
}

// Telemetry applies a partial participant update coming from s.
func (h *Hub) Telemetry(ctx context.Context, s *Session, participantID string, patch model.ParticipantPatch) error {
	room := s.Room()
	if room == "" {
		return ErrNotJoined
	}
	if participantID == "" {
		participantID = s.ParticipantID
	}
	if participantID != s.ParticipantID && !s.IsAdmin() {
		return ErrForbidden
	}

	// History is server-maintained; roles and attendance are admin-only.
	patch.LocationHistory = nil
	if !s.IsAdmin() {
		patch.Attendance = nil
		patch.Role = nil
	}
	for _, key := range patch.Attendance {
		if !model.ValidSessionKey(key) {
			return fmt.Errorf("%w: attendance key %q", ErrInvalid, key)
		}
	}
	if patch.CurrentLocation != nil {
		loc := *patch.CurrentLocation
		if loc.Timestamp == 0 {
			loc.Timestamp = h.now().UnixMilli()
		}
		inside := h.zone.Contains(loc.Point())
		patch.CurrentLocation = &loc
		patch.InsideGeofence = &inside
		patch.LastSeen = &loc.Timestamp
	} else {
		patch.InsideGeofence = nil
	}
	if patch.IsEmpty() {
		return nil
	}

	if _, err := h.store.UpsertParticipant(ctx, room, participantID, patch); err != nil {
		log.Error().Str("module", "hub").Err(err).Str("room", room).Str("participant", participantID).Msg("persist telemetry failed")
	}
	if loc := patch.CurrentLocation; loc != nil {
		if err := h.store.AppendLocation(ctx, room, participantID, *loc); err != nil {
			log.Error().Str("module", "hub").Err(err).Str("room", room).Str("participant", participantID).Msg("persist location failed")
		}
	}
	h.Publish(room, model.NewTelemetry(participantID, patch), s)
	return nil
}

// Activity validates, persists and broadcasts a feed item to the whole
// room, sender included. The stored item is returned.
func (h *Hub) Activity(ctx context.Context, s *Session, a model.Activity) (model.Activity, error) {
	room := s.Room()
	if room == "" {
		return a, ErrNotJoined
	}
	now := h.now().UnixMilli()
	switch a.Kind {
	case model.KindMessage:
		if a.Message == nil {
			break
		}
		msg := *a.Message
		msg.SenderID = s.ParticipantID
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = now
		}
		a.Message = &msg
	case model.KindWorkUpdate:
		if a.WorkUpdate == nil {
			break
		}
		wu := *a.WorkUpdate
		wu.UserID = s.ParticipantID
		if wu.ID == "" {
			wu.ID = uuid.NewString()
		}
		if wu.Timestamp == 0 {
			wu.Timestamp = now
		}
		a.WorkUpdate = &wu
	case model.KindEquipment:
		if a.Equipment == nil {
			break
		}
		if !s.IsAdmin() && a.Equipment.AssignedToID != s.ParticipantID {
			return a, ErrForbidden
		}
		eq := *a.Equipment
		if eq.ID == "" {
			eq.ID = uuid.NewString()
		}
		if eq.UpdatedAt == 0 {
			eq.UpdatedAt = now
		}
		a.Equipment = &eq
	}
	if err := a.Validate(); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return h.publishActivity(ctx, room, a)
}

// UpsertEquipment stores and broadcasts an equipment change made outside a
// websocket session.
func (h *Hub) UpsertEquipment(ctx context.Context, room string, eq model.Equipment) (model.Equipment, error) {
	if eq.ID == "" {
		eq.ID = uuid.NewString()
	}
	if eq.UpdatedAt == 0 {
		eq.UpdatedAt = h.now().UnixMilli()
	}
	a := model.Activity{Kind: model.KindEquipment, Equipment: &eq}
	if err := a.Validate(); err != nil {
		return eq, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	out, err := h.publishActivity(ctx, room, a)
	if err != nil {
		return eq, err
	}
	return *out.Equipment, nil
}

func (h *Hub) publishActivity(ctx context.Context, room string, a model.Activity) (model.Activity, error) {
	var err error
	switch a.Kind {
	case model.KindMessage:
		err = h.store.AppendMessage(ctx, room, *a.Message)
	case model.KindWorkUpdate:
		err = h.store.AppendWorkUpdate(ctx, room, *a.WorkUpdate)
	case model.KindEquipment:
		var winner model.Equipment
		winner, err = h.store.UpsertEquipment(ctx, room, *a.Equipment)
		a.Equipment = &winner
	}
	if err != nil {
		return a, fmt.Errorf("persist %s: %w", a.Kind, err)
	}
	h.Publish(room, model.NewActivity(a), nil)
	return a, nil
}

// RecordAttendance durably marks key for a participant and publishes the
// resulting attendance set to the whole room. Marking twice is harmless.
func (h *Hub) RecordAttendance(ctx context.Context, room, participantID, key string) error {
	if !model.ValidSessionKey(key) {
		return fmt.Errorf("%w: attendance key %q", ErrInvalid, key)
	}
	added, err := h.store.MarkAttendance(ctx, room, participantID, key)
	if err != nil {
		return fmt.Errorf("mark attendance: %w", err)
	}
	attendance := []string{key}
	if p, err := h.store.Participant(ctx, room, participantID); err == nil && len(p.Attendance) > 0 {
		attendance = p.Attendance
	}
	log.Info().Str("module", "hub").Str("room", room).Str("participant", participantID).Str("key", key).Bool("added", added).Msg("attendance recorded")
	h.Publish(room, model.NewTelemetry(participantID, model.ParticipantPatch{Attendance: attendance}), nil)
	return nil
}

// Snapshot loads the current room state.
func (h *Hub) Snapshot(ctx context.Context, room string) (model.Snapshot, error) {
	return h.store.LoadSnapshot(ctx, room, h.limits)
}

func (h *Hub) notifyPresence(ctx context.Context, room string, p model.Participant) {
	for _, o := range h.presence {
		o.PresenceChanged(ctx, room, p)
	}
}
