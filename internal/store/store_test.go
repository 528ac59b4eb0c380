package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventsync/internal/model"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "event.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func TestUpsertParticipantOverlays(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertParticipant(ctx, "room-1", "m-1", model.ParticipantPatch{
			Name:       model.Ptr("Rajesh Kumar"),
			Department: model.Ptr("Cinematographers"),
			Status:     model.Ptr(model.Online),
		})
		require.NoError(t, err)

		loc := model.LocationPoint{Lat: 18.5196, Lng: 73.8151, Timestamp: 1_700_000_000_000}
		p, err := s.UpsertParticipant(ctx, "room-1", "m-1", model.ParticipantPatch{
			CurrentLocation: &loc,
			InsideGeofence:  model.Ptr(true),
			LastSeen:        model.Ptr(loc.Timestamp),
		})
		require.NoError(t, err)
		assert.Equal(t, "Rajesh Kumar", p.Name)
		assert.Equal(t, "Cinematographers", p.Department)
		assert.Equal(t, model.Online, p.Status)
		assert.Equal(t, model.RoleMember, p.Role)
		require.NotNil(t, p.CurrentLocation)
		assert.Equal(t, loc, *p.CurrentLocation)
		assert.True(t, p.InsideGeofence)
		assert.Empty(t, p.LocationHistory, "history grows only through AppendLocation")

		_, err = s.Participant(ctx, "room-2", "m-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkAttendanceIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		added, err := s.MarkAttendance(ctx, "room-1", "m-1", "D1S1")
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.MarkAttendance(ctx, "room-1", "m-1", "D1S1")
		require.NoError(t, err)
		assert.False(t, added)

		_, err = s.UpsertParticipant(ctx, "room-1", "m-1", model.ParticipantPatch{Attendance: []string{"D2S3"}})
		require.NoError(t, err)

		p, err := s.Participant(ctx, "room-1", "m-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"D1S1", "D2S3"}, p.Attendance)
	})
}

func TestAppendLocationBounded(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertParticipant(ctx, "room-1", "m-1", model.ParticipantPatch{Name: model.Ptr("Amit Singh")})
		require.NoError(t, err)
		for i := 0; i < model.HistoryCapacity+5; i++ {
			pt := model.LocationPoint{Lat: 18.519 + float64(i)*0.0001, Lng: 73.815, Timestamp: int64(1000 + i)}
			require.NoError(t, s.AppendLocation(ctx, "room-1", "m-1", pt))
		}
		require.NoError(t, s.AppendLocation(ctx, "room-1", "m-1", model.LocationPoint{Lat: 1, Lng: 1, Timestamp: 1024}))

		p, err := s.Participant(ctx, "room-1", "m-1")
		require.NoError(t, err)
		require.Len(t, p.LocationHistory, model.HistoryCapacity)
		assert.Equal(t, int64(1005), p.LocationHistory[0].Timestamp)
		assert.Equal(t, int64(1024), p.LocationHistory[model.HistoryCapacity-1].Timestamp)
		assert.NotEqual(t, 1.0, p.LocationHistory[model.HistoryCapacity-1].Lat, "duplicate timestamp ignored")
	})
}

func TestSnapshotFeedsAndLimits(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			msg := model.ChatMessage{ID: fmt.Sprintf("c%d", i), SenderID: "m-1", ReceiverID: "admin-1", Text: "hi", Timestamp: int64(i)}
			require.NoError(t, s.AppendMessage(ctx, "room-1", msg))
			require.NoError(t, s.AppendMessage(ctx, "room-1", msg))
			require.NoError(t, s.AppendWorkUpdate(ctx, "room-1", model.WorkUpdate{ID: fmt.Sprintf("w%d", i), UserID: "m-1", Task: "task", Timestamp: int64(i)}))
		}
		require.NoError(t, s.AppendMessage(ctx, "room-2", model.ChatMessage{ID: "other", SenderID: "x", Text: "elsewhere", Timestamp: 9}))
		_, err := s.UpsertParticipant(ctx, "room-1", "m-1", model.ParticipantPatch{Name: model.Ptr("Priya Sharma")})
		require.NoError(t, err)

		snap, err := s.LoadSnapshot(ctx, "room-1", model.SnapshotLimits{Messages: 3, WorkUpdates: 2})
		require.NoError(t, err)

		ids := func(msgs []model.ChatMessage) []string {
			var out []string
			for _, m := range msgs {
				out = append(out, m.ID)
			}
			return out
		}
		assert.Equal(t, []string{"c3", "c4", "c5"}, ids(snap.Messages))
		require.Len(t, snap.WorkUpdates, 2)
		assert.Equal(t, "w5", snap.WorkUpdates[0].ID)
		assert.Equal(t, "w4", snap.WorkUpdates[1].ID)
		require.Contains(t, snap.Participants, "m-1")
		assert.Equal(t, "Priya Sharma", *snap.Participants["m-1"].Name)
		assert.NotNil(t, snap.Equipment)
	})
}

func TestSnapshotEmptyFeedsEncodeAsArrays(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertParticipant(ctx, "room-1", "m-1", model.ParticipantPatch{Status: model.Ptr(model.Online)})
		require.NoError(t, err)

		snap, err := s.LoadSnapshot(ctx, "room-1", model.SnapshotLimits{})
		require.NoError(t, err)
		data, err := json.Marshal(snap)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"messages":[]`)
		assert.Contains(t, string(data), `"work_updates":[]`)
		assert.NotContains(t, string(data), `"name":""`)
	})
}

func TestEquipmentLastWriteWins(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		eq := model.Equipment{ID: "eq-1", Name: "DJI Mavic 3 Pro", SerialNumber: "BCS-DRN-001", AssignedToID: "m-2",
			Status: model.EquipmentGood, UpdatedAt: 100}
		got, err := s.UpsertEquipment(ctx, "room-1", eq)
		require.NoError(t, err)
		assert.Equal(t, eq, got)

		stale := eq
		stale.Status, stale.UpdatedAt = model.EquipmentDamaged, 50
		got, err = s.UpsertEquipment(ctx, "room-1", stale)
		require.NoError(t, err)
		assert.Equal(t, model.EquipmentGood, got.Status)

		fresh := eq
		fresh.Status, fresh.UpdatedAt, fresh.Notes = model.EquipmentNeedsService, 150, "gimbal drift"
		got, err = s.UpsertEquipment(ctx, "room-1", fresh)
		require.NoError(t, err)
		assert.Equal(t, fresh, got)

		list, err := s.ListEquipment(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, []model.Equipment{fresh}, list)

		other, err := s.ListEquipment(ctx, "room-2")
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "cassandra", "")
	assert.Error(t, err)
}
