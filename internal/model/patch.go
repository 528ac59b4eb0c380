package model

import "slices"

// ParticipantPatch carries only the fields that changed. A nil pointer (or a
// nil slice) means "absent": the receiver keeps its current value.
type ParticipantPatch struct {
	Name            *string         `json:"name,omitempty"`
	Email           *string         `json:"email,omitempty"`
	Department      *string         `json:"department,omitempty"`
	Role            *Role           `json:"role,omitempty"`
	Avatar          *string         `json:"avatar,omitempty"`
	Status          *Presence       `json:"status,omitempty"`
	CurrentLocation *LocationPoint  `json:"current_location,omitempty"`
	InsideGeofence  *bool           `json:"inside_geofence,omitempty"`
	LocationHistory []LocationPoint `json:"location_history,omitempty"`
	Attendance      []string        `json:"attendance,omitempty"`
	LastSeen        *int64          `json:"last_seen,omitempty"`
}

// IsEmpty reports whether the patch names no field at all.
func (p ParticipantPatch) IsEmpty() bool {
	return p.Name == nil && p.Email == nil && p.Department == nil && p.Role == nil &&
		p.Avatar == nil && p.Status == nil && p.CurrentLocation == nil &&
		p.InsideGeofence == nil && p.LocationHistory == nil && p.Attendance == nil &&
		p.LastSeen == nil
}

// Apply overlays the patch onto p and returns the result. Attendance merges
// as a set union so keys are never lost; a new position is also appended to
// the bounded history.
func (p Participant) Apply(patch ParticipantPatch) Participant {
	out := p
	if patch.Name != nil {
		out.Name = *patch.Name
	}
	if patch.Email != nil {
		out.Email = *patch.Email
	}
	if patch.Department != nil {
		out.Department = *patch.Department
	}
	if patch.Role != nil {
		out.Role = *patch.Role
	}
	if patch.Avatar != nil {
		out.Avatar = *patch.Avatar
	}
	if patch.Status != nil {
		out.Status = *patch.Status
	}
	if patch.InsideGeofence != nil {
		out.InsideGeofence = *patch.InsideGeofence
	}
	if patch.LastSeen != nil {
		out.LastSeen = *patch.LastSeen
	}
	if patch.LocationHistory != nil {
		out.LocationHistory = TrimHistory(append([]LocationPoint(nil), patch.LocationHistory...))
	}
	if patch.CurrentLocation != nil {
		loc := *patch.CurrentLocation
		out.CurrentLocation = &loc
		if patch.LocationHistory == nil && !recorded(p.LocationHistory, loc.Timestamp) {
			out.LocationHistory = AppendHistory(p.LocationHistory, loc)
		}
	}
	if patch.Attendance != nil {
		out.Attendance = MergeAttendance(p.Attendance, patch.Attendance...)
	}
	return out
}

// FullPatch expresses every known field of p as a patch. Zero strings and
// empty slices stay absent so a sparse record never blanks a receiver's
// richer copy.
func (p Participant) FullPatch() ParticipantPatch {
	inside := p.InsideGeofence
	patch := ParticipantPatch{
		Name:           nonZero(p.Name),
		Email:          nonZero(p.Email),
		Department:     nonZero(p.Department),
		Role:           nonZero(p.Role),
		Avatar:         nonZero(p.Avatar),
		Status:         nonZero(p.Status),
		InsideGeofence: &inside,
		LastSeen:       nonZero(p.LastSeen),
	}
	if len(p.LocationHistory) > 0 {
		patch.LocationHistory = append([]LocationPoint(nil), p.LocationHistory...)
	}
	if len(p.Attendance) > 0 {
		patch.Attendance = append([]string(nil), p.Attendance...)
	}
	if p.CurrentLocation != nil {
		loc := *p.CurrentLocation
		patch.CurrentLocation = &loc
	}
	return patch
}

func nonZero[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

// recorded reports whether hist already holds a sample taken at ts. A
// redelivered position is recognised by its timestamp.
func recorded(hist []LocationPoint, ts int64) bool {
	return slices.ContainsFunc(hist, func(l LocationPoint) bool { return l.Timestamp == ts })
}

// Ptr returns a pointer to v. Handy when building patches.
func Ptr[T any](v T) *T { return &v }
