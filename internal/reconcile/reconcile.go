// Package reconcile folds hub envelopes into a client's local view. It does
// no I/O: Apply is a pure function of (state, envelope).
package reconcile

import (
	"maps"
	"slices"

	"eventsync/internal/model"
)

// State is a client's local view of one room.
type State struct {
	Participants map[string]model.Participant
	Messages     []model.ChatMessage
	WorkUpdates  []model.WorkUpdate
	Equipment    []model.Equipment
}

// NewState seeds a view from a roster.
func NewState(roster []model.Participant) State {
	st := State{Participants: make(map[string]model.Participant, len(roster))}
	for _, p := range roster {
		st.Participants[p.ID] = p
	}
	return st
}

// Apply returns the state that results from folding env into st. st itself
// is left untouched.
func Apply(st State, env model.Envelope) State {
	switch env.Type {
	case model.TypeSnapshot:
		if env.Snapshot != nil {
			return applySnapshot(st, *env.Snapshot)
		}
	case model.TypeTelemetry:
		if env.Telemetry != nil {
			return applyTelemetry(st, *env.Telemetry)
		}
	case model.TypeActivity:
		if env.Activity != nil {
			return applyActivity(st, *env.Activity)
		}
	}
	return st
}

// applySnapshot replaces the feeds and overlays participant fields. Snapshot
// entries for ids the client does not know are adopted, since the snapshot
// is the authoritative roster of the room.
func applySnapshot(st State, snap model.Snapshot) State {
	out := State{
		Participants: maps.Clone(st.Participants),
		Messages:     slices.Clone(snap.Messages),
		WorkUpdates:  slices.Clone(snap.WorkUpdates),
		Equipment:    slices.Clone(snap.Equipment),
	}
	if out.Participants == nil {
		out.Participants = make(map[string]model.Participant, len(snap.Participants))
	}
	for id, fields := range snap.Participants {
		cur, ok := out.Participants[id]
		if !ok {
			cur = model.Participant{ID: id}
		}
		out.Participants[id] = cur.Apply(fields)
	}
	return out
}

// applyTelemetry ignores unknown ids, except for presence notices which
// carry the full record of a newcomer.
func applyTelemetry(st State, patch model.TelemetryPatch) State {
	cur, ok := st.Participants[patch.ParticipantID]
	if !ok {
		if !patch.Presence || patch.ParticipantID == "" {
			return st
		}
		cur = model.Participant{ID: patch.ParticipantID}
	}
	out := st
	out.Participants = maps.Clone(st.Participants)
	out.Participants[patch.ParticipantID] = cur.Apply(patch.Fields)
	return out
}

func applyActivity(st State, a model.Activity) State {
	if a.Validate() != nil {
		return st
	}
	out := st
	switch a.Kind {
	case model.KindMessage:
		if slices.ContainsFunc(st.Messages, func(m model.ChatMessage) bool { return m.ID == a.Message.ID }) {
			return st
		}
		out.Messages = append(slices.Clip(st.Messages), *a.Message)
	case model.KindWorkUpdate:
		if slices.ContainsFunc(st.WorkUpdates, func(w model.WorkUpdate) bool { return w.ID == a.WorkUpdate.ID }) {
			return st
		}
		out.WorkUpdates = append([]model.WorkUpdate{*a.WorkUpdate}, st.WorkUpdates...)
	case model.KindEquipment:
		out.Equipment = upsertEquipment(st.Equipment, *a.Equipment)
	}
	return out
}

// upsertEquipment replaces an item by id when the incoming copy is at least
// as recent, or appends it.
func upsertEquipment(list []model.Equipment, eq model.Equipment) []model.Equipment {
	i := slices.IndexFunc(list, func(e model.Equipment) bool { return e.ID == eq.ID })
	if i < 0 {
		return append(slices.Clip(list), eq)
	}
	if list[i].UpdatedAt > eq.UpdatedAt {
		return list
	}
	out := slices.Clone(list)
	out[i] = eq
	return out
}
