package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"eventsync/internal/model"
)

// SQL is a Store over Postgres (pgx) or SQLite. Queries are written with
// '?' placeholders and rebound for the driver in use.
type SQL struct {
	db *sqlx.DB
}

// OpenPostgres connects with the pool defaults used by the API service and
// applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return newSQL(ctx, db)
}

// OpenSQLite opens (creating if needed) a database file. A single
// connection serializes writers.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQL(ctx, db)
}

func newSQL(ctx context.Context, db *sqlx.DB) (*SQL, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			room_id         TEXT NOT NULL,
			id              TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			email           TEXT NOT NULL DEFAULT '',
			department      TEXT NOT NULL DEFAULT '',
			role            TEXT NOT NULL DEFAULT 'MEMBER',
			avatar          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'Offline',
			lat             DOUBLE PRECISION,
			lng             DOUBLE PRECISION,
			location_ts     BIGINT,
			inside_geofence BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen       BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (room_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS locations (
			room_id        TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			lat            DOUBLE PRECISION NOT NULL,
			lng            DOUBLE PRECISION NOT NULL,
			ts             BIGINT NOT NULL,
			PRIMARY KEY (room_id, participant_id, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			room_id        TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			session_key    TEXT NOT NULL,
			marked_at      BIGINT NOT NULL,
			PRIMARY KEY (room_id, participant_id, session_key)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			room_id     TEXT NOT NULL,
			id          TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL DEFAULT '',
			body        TEXT NOT NULL,
			sent_at     BIGINT NOT NULL,
			is_read     BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (room_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_time ON messages (room_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS work_updates (
			room_id    TEXT NOT NULL,
			id         TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			task       TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (room_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_updates_room_time ON work_updates (room_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS equipment (
			room_id        TEXT NOT NULL,
			id             TEXT NOT NULL,
			name           TEXT NOT NULL,
			serial_number  TEXT NOT NULL DEFAULT '',
			assigned_to_id TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			updated_at     BIGINT NOT NULL,
			notes          TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (room_id, id)
		)`,
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

type participantRow struct {
	ID             string          `db:"id"`
	Name           string          `db:"name"`
	Email          string          `db:"email"`
	Department     string          `db:"department"`
	Role           string          `db:"role"`
	Avatar         string          `db:"avatar"`
	Status         string          `db:"status"`
	Lat            sql.NullFloat64 `db:"lat"`
	Lng            sql.NullFloat64 `db:"lng"`
	LocationTS     sql.NullInt64   `db:"location_ts"`
	InsideGeofence bool            `db:"inside_geofence"`
	LastSeen       int64           `db:"last_seen"`
}

func (r participantRow) participant() model.Participant {
	p := model.Participant{
		ID:             r.ID,
		Name:           r.Name,
		Email:          r.Email,
		Department:     r.Department,
		Role:           model.Role(r.Role),
		Avatar:         r.Avatar,
		Status:         model.Presence(r.Status),
		InsideGeofence: r.InsideGeofence,
		LastSeen:       r.LastSeen,
	}
	if r.Lat.Valid && r.Lng.Valid {
		p.CurrentLocation = &model.LocationPoint{Lat: r.Lat.Float64, Lng: r.Lng.Float64, Timestamp: r.LocationTS.Int64}
	}
	return p
}

type locationRow struct {
	ParticipantID string  `db:"participant_id"`
	Lat           float64 `db:"lat"`
	Lng           float64 `db:"lng"`
	TS            int64   `db:"ts"`
}

type attendanceRow struct {
	ParticipantID string `db:"participant_id"`
	SessionKey    string `db:"session_key"`
}

type messageRow struct {
	ID         string `db:"id"`
	SenderID   string `db:"sender_id"`
	ReceiverID string `db:"receiver_id"`
	Body       string `db:"body"`
	SentAt     int64  `db:"sent_at"`
	IsRead     bool   `db:"is_read"`
}

type workUpdateRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Task      string `db:"task"`
	CreatedAt int64  `db:"created_at"`
}

type equipmentRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	SerialNumber string `db:"serial_number"`
	AssignedToID string `db:"assigned_to_id"`
	Status       string `db:"status"`
	UpdatedAt    int64  `db:"updated_at"`
	Notes        string `db:"notes"`
}

func (r equipmentRow) equipment() model.Equipment {
	return model.Equipment{
		ID:           r.ID,
		Name:         r.Name,
		SerialNumber: r.SerialNumber,
		AssignedToID: r.AssignedToID,
		Status:       model.EquipmentStatus(r.Status),
		UpdatedAt:    r.UpdatedAt,
		Notes:        r.Notes,
	}
}

const participantColumns = `id, name, email, department, role, avatar, status, lat, lng, location_ts, inside_geofence, last_seen`

func (s *SQL) UpsertParticipant(ctx context.Context, room, id string, patch model.ParticipantPatch) (model.Participant, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Participant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := loadParticipant(ctx, tx, room, id)
	if errors.Is(err, ErrNotFound) {
		cur, err = blankParticipant(id), nil
	}
	if err != nil {
		return model.Participant{}, err
	}
	next := withoutHistory(cur, patch)

	var lat, lng sql.NullFloat64
	var ts sql.NullInt64
	if loc := next.CurrentLocation; loc != nil {
		lat = sql.NullFloat64{Float64: loc.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: loc.Lng, Valid: true}
		ts = sql.NullInt64{Int64: loc.Timestamp, Valid: true}
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO participants (room_id, `+participantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			department = excluded.department,
			role = excluded.role,
			avatar = excluded.avatar,
			status = excluded.status,
			lat = excluded.lat,
			lng = excluded.lng,
			location_ts = excluded.location_ts,
			inside_geofence = excluded.inside_geofence,
			last_seen = excluded.last_seen
	`), room, next.ID, next.Name, next.Email, next.Department, string(next.Role), next.Avatar, string(next.Status),
		lat, lng, ts, next.InsideGeofence, next.LastSeen)
	if err != nil {
		return model.Participant{}, fmt.Errorf("upsert participant: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, key := range patch.Attendance {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO attendance (room_id, participant_id, session_key, marked_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (room_id, participant_id, session_key) DO NOTHING
		`), room, id, key, now); err != nil {
			return model.Participant{}, fmt.Errorf("mark attendance: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Participant{}, err
	}
	return s.Participant(ctx, room, id)
}

func (s *SQL) Participant(ctx context.Context, room, id string) (model.Participant, error) {
	p, err := loadParticipant(ctx, s.db, room, id)
	if err != nil {
		return model.Participant{}, err
	}
	var hist []locationRow
	if err := sqlx.SelectContext(ctx, s.db, &hist, s.db.Rebind(`
		SELECT participant_id, lat, lng, ts FROM locations
		WHERE room_id = ? AND participant_id = ?
		ORDER BY ts DESC LIMIT ?
	`), room, id, model.HistoryCapacity); err != nil {
		return model.Participant{}, fmt.Errorf("load history: %w", err)
	}
	slices.Reverse(hist)
	for _, h := range hist {
		p.LocationHistory = append(p.LocationHistory, model.LocationPoint{Lat: h.Lat, Lng: h.Lng, Timestamp: h.TS})
	}
	if err := sqlx.SelectContext(ctx, s.db, &p.Attendance, s.db.Rebind(`
		SELECT session_key FROM attendance
		WHERE room_id = ? AND participant_id = ?
		ORDER BY session_key
	`), room, id); err != nil {
		return model.Participant{}, fmt.Errorf("load attendance: %w", err)
	}
	return p, nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

func loadParticipant(ctx context.Context, q queryer, room, id string) (model.Participant, error) {
	var row participantRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+participantColumns+` FROM participants WHERE room_id = ? AND id = ?`), room, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participant{}, ErrNotFound
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	return row.participant(), nil
}

func (s *SQL) AppendLocation(ctx context.Context, room, id string, pt model.LocationPoint) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO locations (room_id, participant_id, lat, lng, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, participant_id, ts) DO NOTHING
	`), room, id, pt.Lat, pt.Lng, pt.Timestamp)
	return err
}

func (s *SQL) MarkAttendance(ctx context.Context, room, id, key string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO participants (room_id, id) VALUES (?, ?)
		ON CONFLICT (room_id, id) DO NOTHING
	`), room, id); err != nil {
		return false, fmt.Errorf("ensure participant: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO attendance (room_id, participant_id, session_key, marked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, participant_id, session_key) DO NOTHING
	`), room, id, key, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("mark attendance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, tx.Commit()
}

func (s *SQL) AppendMessage(ctx context.Context, room string, msg model.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (room_id, id, sender_id, receiver_id, body, sent_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, id) DO NOTHING
	`), room, msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.Timestamp, msg.IsRead)
	return err
}

func (s *SQL) AppendWorkUpdate(ctx context.Context, room string, wu model.WorkUpdate) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO work_updates (room_id, id, user_id, task, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, id) DO NOTHING
	`), room, wu.ID, wu.UserID, wu.Task, wu.Timestamp)
	return err
}

func (s *SQL) UpsertEquipment(ctx context.Context, room string, eq model.Equipment) (model.Equipment, error) {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO equipment (room_id, id, name, serial_number, assigned_to_id, status, updated_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, id) DO UPDATE SET
			name = excluded.name,
			serial_number = excluded.serial_number,
			assigned_to_id = excluded.assigned_to_id,
			status = excluded.status,
			updated_at = excluded.updated_at,
			notes = excluded.notes
		WHERE excluded.updated_at >= equipment.updated_at
	`), room, eq.ID, eq.Name, eq.SerialNumber, eq.AssignedToID, string(eq.Status), eq.UpdatedAt, eq.Notes)
	if err != nil {
		return model.Equipment{}, fmt.Errorf("upsert equipment: %w", err)
	}
	var row equipmentRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, name, serial_number, assigned_to_id, status, updated_at, notes
		FROM equipment WHERE room_id = ? AND id = ?
	`), room, eq.ID); err != nil {
		return model.Equipment{}, err
	}
	return row.equipment(), nil
}

func (s *SQL) ListEquipment(ctx context.Context, room string) ([]model.Equipment, error) {
	var rows []equipmentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, name, serial_number, assigned_to_id, status, updated_at, notes
		FROM equipment WHERE room_id = ?
		ORDER BY name, id
	`), room); err != nil {
		return nil, err
	}
	out := make([]model.Equipment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.equipment())
	}
	return out, nil
}

func (s *SQL) LoadSnapshot(ctx context.Context, room string, limits model.SnapshotLimits) (model.Snapshot, error) {
	limits = normalizeLimits(limits)
	snap := model.Snapshot{Participants: map[string]model.ParticipantPatch{}}

	var prows []participantRow
	if err := s.db.SelectContext(ctx, &prows, s.db.Rebind(
		`SELECT `+participantColumns+` FROM participants WHERE room_id = ?`), room); err != nil {
		return snap, fmt.Errorf("load participants: %w", err)
	}
	people := make(map[string]model.Participant, len(prows))
	for _, r := range prows {
		people[r.ID] = r.participant()
	}

	var hist []locationRow
	if err := s.db.SelectContext(ctx, &hist, s.db.Rebind(`
		SELECT participant_id, lat, lng, ts FROM (
			SELECT participant_id, lat, lng, ts,
				ROW_NUMBER() OVER (PARTITION BY participant_id ORDER BY ts DESC) AS rn
			FROM locations WHERE room_id = ?
		) h WHERE rn <= ?
		ORDER BY participant_id, ts
	`), room, model.HistoryCapacity); err != nil {
		return snap, fmt.Errorf("load history: %w", err)
	}
	for _, h := range hist {
		if p, ok := people[h.ParticipantID]; ok {
			p.LocationHistory = append(p.LocationHistory, model.LocationPoint{Lat: h.Lat, Lng: h.Lng, Timestamp: h.TS})
			people[h.ParticipantID] = p
		}
	}

	var marks []attendanceRow
	if err := s.db.SelectContext(ctx, &marks, s.db.Rebind(`
		SELECT participant_id, session_key FROM attendance
		WHERE room_id = ? ORDER BY participant_id, session_key
	`), room); err != nil {
		return snap, fmt.Errorf("load attendance: %w", err)
	}
	for _, m := range marks {
		if p, ok := people[m.ParticipantID]; ok {
			p.Attendance = append(p.Attendance, m.SessionKey)
			people[m.ParticipantID] = p
		}
	}
	for id, p := range people {
		snap.Participants[id] = p.FullPatch()
	}

	var mrows []messageRow
	if err := s.db.SelectContext(ctx, &mrows, s.db.Rebind(`
		SELECT id, sender_id, receiver_id, body, sent_at, is_read FROM messages
		WHERE room_id = ? ORDER BY sent_at DESC, id DESC LIMIT ?
	`), room, limits.Messages); err != nil {
		return snap, fmt.Errorf("load messages: %w", err)
	}
	slices.Reverse(mrows)
	snap.Messages = make([]model.ChatMessage, 0, len(mrows))
	for _, r := range mrows {
		snap.Messages = append(snap.Messages, model.ChatMessage{
			ID: r.ID, SenderID: r.SenderID, ReceiverID: r.ReceiverID, Text: r.Body, Timestamp: r.SentAt, IsRead: r.IsRead,
		})
	}

	var wrows []workUpdateRow
	if err := s.db.SelectContext(ctx, &wrows, s.db.Rebind(`
		SELECT id, user_id, task, created_at FROM work_updates
		WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
	`), room, limits.WorkUpdates); err != nil {
		return snap, fmt.Errorf("load work updates: %w", err)
	}
	snap.WorkUpdates = make([]model.WorkUpdate, 0, len(wrows))
	for _, r := range wrows {
		snap.WorkUpdates = append(snap.WorkUpdates, model.WorkUpdate{ID: r.ID, UserID: r.UserID, Task: r.Task, Timestamp: r.CreatedAt})
	}

	eq, err := s.ListEquipment(ctx, room)
	if err != nil {
		return snap, fmt.Errorf("load equipment: %w", err)
	}
	snap.Equipment = eq
	return snap, nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
