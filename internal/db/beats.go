package db

import (
	"context"
	"fmt"

	"github.com/banshee-data/pulse.report/internal/pipeline"
)

// Sample is one stored ADC reading.
type Sample struct {
	Index    int64   `json:"index"`
	Time     float64 `json:"time"`
	PacketID uint8   `json:"packet_id"`
	Value    uint16  `json:"value"`
}

// InsertBeat stores one beat for a session.
func (db *DB) InsertBeat(ctx context.Context, sessionID string, b pipeline.Beat) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO beats
			(session_id, sample_index, value, energy, beat_time, packet_id, bpm, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, b.Index, b.Value, b.Energy, b.Time, b.PacketID, b.BPM, toUnix(b.DetectedAt))
	if err != nil {
		return fmt.Errorf("insert beat: %w", err)
	}
	return nil
}

// SessionBeats returns every beat of a session in sample order.
func (db *DB) SessionBeats(ctx context.Context, sessionID string) ([]pipeline.Beat, error) {
	return db.queryBeats(ctx, `
		SELECT sample_index, value, energy, beat_time, packet_id, bpm, detected_at
		  FROM beats WHERE session_id = ? ORDER BY sample_index`, sessionID)
}

// RecentBeats returns the last limit beats of a session in sample order.
func (db *DB) RecentBeats(ctx context.Context, sessionID string, limit int) ([]pipeline.Beat, error) {
	return db.queryBeats(ctx, `
		SELECT * FROM (
			SELECT sample_index, value, energy, beat_time, packet_id, bpm, detected_at
			  FROM beats WHERE session_id = ? ORDER BY sample_index DESC LIMIT ?
		) ORDER BY sample_index`, sessionID, limit)
}

func (db *DB) queryBeats(ctx context.Context, query string, args ...any) ([]pipeline.Beat, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query beats: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Beat
	for rows.Next() {
		var (
			b        pipeline.Beat
			detected float64
		)
		if err := rows.Scan(&b.Index, &b.Value, &b.Energy, &b.Time, &b.PacketID, &b.BPM, &detected); err != nil {
			return nil, fmt.Errorf("scan beat: %w", err)
		}
		b.DetectedAt = fromUnix(detected)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SessionSamples returns the stored samples of a session in index order.
func (db *DB) SessionSamples(ctx context.Context, sessionID string) ([]Sample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sample_index, sample_time, packet_id, value
		  FROM samples WHERE session_id = ? ORDER BY sample_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.Index, &s.Time, &s.PacketID, &s.Value); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
