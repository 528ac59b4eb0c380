package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"eventsync/internal/model"
)

type memRoom struct {
	participants map[string]model.Participant
	messages     []model.ChatMessage
	messageIDs   map[string]struct{}
	workUpdates  []model.WorkUpdate
	workIDs      map[string]struct{}
	equipment    map[string]model.Equipment
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*memRoom
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*memRoom)}
}

func (m *Memory) room(id string) *memRoom {
	r, ok := m.rooms[id]
	if !ok {
		r = &memRoom{
			participants: make(map[string]model.Participant),
			messageIDs:   make(map[string]struct{}),
			workIDs:      make(map[string]struct{}),
			equipment:    make(map[string]model.Equipment),
		}
		m.rooms[id] = r
	}
	return r
}

func (m *Memory) UpsertParticipant(_ context.Context, room, id string, patch model.ParticipantPatch) (model.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(room)
	cur, ok := r.participants[id]
	if !ok {
		cur = blankParticipant(id)
	}
	next := withoutHistory(cur, patch)
	r.participants[id] = next
	return clone(next), nil
}

func (m *Memory) Participant(_ context.Context, room, id string) (model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[room]
	if !ok {
		return model.Participant{}, ErrNotFound
	}
	p, ok := r.participants[id]
	if !ok {
		return model.Participant{}, ErrNotFound
	}
	return clone(p), nil
}

func (m *Memory) AppendLocation(_ context.Context, room, id string, pt model.LocationPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(room)
	p, ok := r.participants[id]
	if !ok {
		p = blankParticipant(id)
	}
	if slices.ContainsFunc(p.LocationHistory, func(l model.LocationPoint) bool { return l.Timestamp == pt.Timestamp }) {
		return nil
	}
	p.LocationHistory = model.AppendHistory(p.LocationHistory, pt)
	r.participants[id] = p
	return nil
}

func (m *Memory) MarkAttendance(_ context.Context, room, id, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(room)
	p, ok := r.participants[id]
	if !ok {
		p = blankParticipant(id)
	}
	if model.HasAttendance(p.Attendance, key) {
		return false, nil
	}
	p.Attendance = model.MergeAttendance(p.Attendance, key)
	r.participants[id] = p
	return true, nil
}

func (m *Memory) AppendMessage(_ context.Context, room string, msg model.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(room)
	if _, dup := r.messageIDs[msg.ID]; dup {
		return nil
	}
	r.messageIDs[msg.ID] = struct{}{}
	r.messages = append(r.messages, msg)
	return nil
}

func (m *Memory) AppendWorkUpdate(_ context.Context, room string, wu model.WorkUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(room)
	if _, dup := r.workIDs[wu.ID]; dup {
		return nil
	}
	r.workIDs[wu.ID] = struct{}{}
	r.workUpdates = append(r.workUpdates, wu)
	return nil
}

func (m *Memory) UpsertEquipment(_ context.Context, room string, eq model.Equipment) (model.Equipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(room)
	if cur, ok := r.equipment[eq.ID]; ok && cur.UpdatedAt > eq.UpdatedAt {
		return cur, nil
	}
	r.equipment[eq.ID] = eq
	return eq, nil
}

func (m *Memory) ListEquipment(_ context.Context, room string) ([]model.Equipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[room]
	if !ok {
		return []model.Equipment{}, nil
	}
	return sortedEquipment(r.equipment), nil
}

func (m *Memory) LoadSnapshot(_ context.Context, room string, limits model.SnapshotLimits) (model.Snapshot, error) {
	limits = normalizeLimits(limits)
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := model.Snapshot{
		Participants: map[string]model.ParticipantPatch{},
		Messages:     []model.ChatMessage{},
		WorkUpdates:  []model.WorkUpdate{},
		Equipment:    []model.Equipment{},
	}
	r, ok := m.rooms[room]
	if !ok {
		return snap, nil
	}
	for id, p := range r.participants {
		snap.Participants[id] = p.FullPatch()
	}

	msgs := append([]model.ChatMessage{}, r.messages...)
	slices.SortStableFunc(msgs, func(a, b model.ChatMessage) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	if len(msgs) > limits.Messages {
		msgs = msgs[len(msgs)-limits.Messages:]
	}
	snap.Messages = msgs

	wus := append([]model.WorkUpdate{}, r.workUpdates...)
	slices.SortStableFunc(wus, func(a, b model.WorkUpdate) int { return cmp.Compare(b.Timestamp, a.Timestamp) })
	if len(wus) > limits.WorkUpdates {
		wus = wus[:limits.WorkUpdates]
	}
	snap.WorkUpdates = wus
	snap.Equipment = sortedEquipment(r.equipment)
	return snap, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func clone(p model.Participant) model.Participant {
	p.LocationHistory = slices.Clone(p.LocationHistory)
	p.Attendance = slices.Clone(p.Attendance)
	if p.CurrentLocation != nil {
		loc := *p.CurrentLocation
		p.CurrentLocation = &loc
	}
	return p
}

func sortedEquipment(set map[string]model.Equipment) []model.Equipment {
	out := make([]model.Equipment, 0, len(set))
	for _, eq := range set {
		out = append(out, eq)
	}
	slices.SortFunc(out, func(a, b model.Equipment) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func blankParticipant(id string) model.Participant {
	return model.Participant{ID: id, Role: model.RoleMember, Status: model.Offline}
}
