package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pulse.report/internal/monitoring"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Session is one streaming run from START_STREAM to STOP_STREAM.
type Session struct {
	ID             string     `json:"session_id"`
	Source         string     `json:"source"`
	SampleRate     int        `json:"sample_rate"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	Packets        int64      `json:"packets"`
	CorruptPackets int64      `json:"corrupt_packets"`
	MissingPackets int64      `json:"missing_packets"`
	Beats          int64      `json:"beats"`
	MeanBPM        float64    `json:"mean_bpm"`
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9)).UTC()
}

// StartSession creates a new open session.
func (db *DB) StartSession(ctx context.Context, source string, sampleRate int, started time.Time) (*Session, error) {
	s := &Session{
		ID:         uuid.NewString(),
		Source:     source,
		SampleRate: sampleRate,
		StartedAt:  started.UTC(),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, source, sample_rate, started_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.Source, s.SampleRate, toUnix(started))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// EndSession closes a session and stores its final stream counters.
func (db *DB) EndSession(ctx context.Context, id string, stopped time.Time, snap monitoring.Snapshot) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions
		   SET stopped_at = ?, packets = ?, corrupt_packets = ?, missing_packets = ?
		 WHERE session_id = ?`,
		toUnix(stopped), snap.Packets, snap.CorruptPackets, snap.MissingPackets, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

const sessionColumns = `
	s.session_id, s.source, s.sample_rate, s.started_at, s.stopped_at,
	s.packets, s.corrupt_packets, s.missing_packets,
	(SELECT COUNT(*) FROM beats b WHERE b.session_id = s.session_id),
	(SELECT COALESCE(AVG(b.bpm), 0) FROM beats b WHERE b.session_id = s.session_id AND b.bpm > 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s       Session
		started float64
		stopped sql.NullFloat64
	)
	err := row.Scan(&s.ID, &s.Source, &s.SampleRate, &started, &stopped,
		&s.Packets, &s.CorruptPackets, &s.MissingPackets, &s.Beats, &s.MeanBPM)
	if err != nil {
		return Session{}, err
	}
	s.StartedAt = fromUnix(started)
	if stopped.Valid {
		t := fromUnix(stopped.Float64)
		s.StoppedAt = &t
	}
	return s, nil
}

// Session returns one session with its beat summary.
func (db *DB) Session(ctx context.Context, id string) (*Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &s, nil
}

// Sessions lists the most recent sessions, newest first. A limit of zero or
// less returns all of them.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestSession returns the most recently started session.
func (db *DB) LatestSession(ctx context.Context) (*Session, error) {
	sessions, err := db.Sessions(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}
	return &sessions[0], nil
}
