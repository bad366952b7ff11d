package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/pulse.report/internal/packet"
	"github.com/banshee-data/pulse.report/internal/pipeline"
)

// DefaultBatchPackets is the number of packets buffered before the samples
// are written in one transaction. At 25 packets/s this is two seconds.
const DefaultBatchPackets = 50

// SessionSink stores a session's samples and beats. Samples are batched;
// beats are written as they arrive.
type SessionSink struct {
	db        *DB
	sessionID string
	batch     int

	mu      sync.Mutex
	pending []packet.Packet
	next    int64
}

var _ pipeline.Sink = (*SessionSink)(nil)

// NewSessionSink returns a sink writing to sessionID. batchPackets of zero
// uses DefaultBatchPackets.
func (db *DB) NewSessionSink(sessionID string, batchPackets int) *SessionSink {
	if batchPackets <= 0 {
		batchPackets = DefaultBatchPackets
	}
	return &SessionSink{db: db, sessionID: sessionID, batch: batchPackets}
}

// SessionID returns the session the sink writes to.
func (s *SessionSink) SessionID() string {
	return s.sessionID
}

// RecordPacket queues the packet's samples and flushes a full batch. Sample
// indices follow packet arrival order, matching the detector's indices.
func (s *SessionSink) RecordPacket(ctx context.Context, p packet.Packet) error {
	s.mu.Lock()
	s.pending = append(s.pending, p)
	full := len(s.pending) >= s.batch
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

func (s *SessionSink) RecordBeat(ctx context.Context, b pipeline.Beat) error {
	return s.db.InsertBeat(ctx, s.sessionID, b)
}

// Flush writes the queued samples.
func (s *SessionSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO samples (session_id, sample_index, packet_id, sample_time, value)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	index := s.next
	for _, p := range s.pending {
		times := p.SampleTimes()
		for i, v := range p.Samples {
			if _, err := stmt.ExecContext(ctx, s.sessionID, index, p.ID, times[i], v); err != nil {
				return fmt.Errorf("insert sample %d: %w", index, err)
			}
			index++
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sample batch: %w", err)
	}
	s.next = index
	s.pending = s.pending[:0]
	return nil
}

// Close flushes what remains.
func (s *SessionSink) Close(ctx context.Context) error {
	return s.Flush(ctx)
}
