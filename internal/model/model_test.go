package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	key, err := SessionKey(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "D1S1", key)

	_, err = SessionKey(0, 1)
	assert.Error(t, err)
	_, err = SessionKey(1, 5)
	assert.Error(t, err)

	assert.True(t, ValidSessionKey("D3S4"))
	assert.False(t, ValidSessionKey("D4S1"))
	assert.False(t, ValidSessionKey("D1S1x"))
	assert.False(t, ValidSessionKey("garbage"))
}

func TestMergeAttendanceIsIdempotent(t *testing.T) {
	have := []string{"D1S1"}
	got := MergeAttendance(have, "D1S1")
	assert.Equal(t, []string{"D1S1"}, got)

	got = MergeAttendance(got, "D2S3", "D1S2", "D2S3")
	assert.Equal(t, []string{"D1S1", "D1S2", "D2S3"}, got)
	assert.Equal(t, []string{"D1S1"}, have, "input must not be modified")
}

func TestAppendHistoryEvictsOldest(t *testing.T) {
	var hist []LocationPoint
	for i := 0; i < HistoryCapacity+5; i++ {
		hist = AppendHistory(hist, LocationPoint{Lat: float64(i), Timestamp: int64(i)})
	}
	require.Len(t, hist, HistoryCapacity)
	assert.Equal(t, int64(5), hist[0].Timestamp)
	assert.Equal(t, int64(HistoryCapacity+4), hist[len(hist)-1].Timestamp)
}

func TestApplyPatchOverlays(t *testing.T) {
	p := Participant{ID: "m-1", Name: "Riya", Department: "Anchors", Attendance: []string{"D1S1"}}
	loc := LocationPoint{Lat: 18.5196, Lng: 73.8151, Timestamp: 1}

	out := p.Apply(ParticipantPatch{
		Status:          Ptr(Online),
		CurrentLocation: &loc,
		Attendance:      []string{"D1S2"},
	})

	assert.Equal(t, "Riya", out.Name)
	assert.Equal(t, "Anchors", out.Department)
	assert.Equal(t, Online, out.Status)
	require.NotNil(t, out.CurrentLocation)
	assert.Equal(t, loc, *out.CurrentLocation)
	assert.Equal(t, []LocationPoint{loc}, out.LocationHistory)
	assert.Equal(t, []string{"D1S1", "D1S2"}, out.Attendance)
	assert.Nil(t, p.CurrentLocation, "receiver must not be modified")
}

func TestFullPatchRoundTrip(t *testing.T) {
	p := Participant{
		ID: "admin-1", Name: "Admin", Role: RoleAdmin, Status: Online,
		CurrentLocation: &LocationPoint{Lat: 1, Lng: 2, Timestamp: 3},
		LocationHistory: []LocationPoint{{Lat: 1, Lng: 2, Timestamp: 3}},
		Attendance:      []string{"D1S1"},
	}
	out := Participant{ID: "admin-1"}.Apply(p.FullPatch())
	assert.Equal(t, p, out)
}

func TestActivityValidate(t *testing.T) {
	ok := Activity{Kind: KindMessage, Message: &ChatMessage{ID: "x", SenderID: "m-1", Text: "hi"}}
	assert.NoError(t, ok.Validate())

	cases := []Activity{
		{Kind: KindMessage},
		{Kind: KindMessage, Message: &ChatMessage{SenderID: "m-1", Text: "hi"}},
		{Kind: KindWorkUpdate, Message: &ChatMessage{ID: "x", SenderID: "m-1", Text: "hi"}},
		{Kind: KindEquipment, Equipment: &Equipment{ID: "eq", Name: "cam", Status: "Broken"}},
		{Kind: "sticker"},
	}
	for i, a := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.ErrorIs(t, a.Validate(), ErrInvalidEnvelope)
		})
	}
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	env := NewActivity(Activity{Kind: KindWorkUpdate, WorkUpdate: &WorkUpdate{ID: "w1", UserID: "m-2", Task: "covering stage B"}})
	data, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"work_update"`)

	got, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	_, err = DecodeEnvelope([]byte(`{"type":"telemetry"}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
	_, err = DecodeEnvelope([]byte(`{"type":"snapshot","telemetry":{"participant_id":"x","fields":{}}}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}
