package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulse.report/internal/beat"
	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/packet"
	"github.com/banshee-data/pulse.report/internal/pipeline"
	"github.com/banshee-data/pulse.report/internal/testutil"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testPacket(id uint8, ts uint32, base uint16) packet.Packet {
	p := packet.Packet{ID: id, TimestampMS: ts}
	for i := range p.Samples {
		p.Samples[i] = base + uint16(i)
	}
	return p
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := setupTestDB(t)

	st, err := db.MigrationStatus()
	require.NoError(t, err)
	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)
	assert.Equal(t, MigrationStatus{Current: latest, Latest: latest}, st)
	assert.False(t, st.Pending())

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateDownAndUp(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.MigrateDown())
	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)

	_, err = db.Exec("SELECT packets FROM sessions")
	assert.Error(t, err, "column should be gone after rolling back")

	require.NoError(t, db.MigrateUp())
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestOpenDB_NoSchema(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	st, err := db.MigrationStatus()
	require.NoError(t, err)
	assert.True(t, st.Pending())
}

func TestSessions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := db.StartSession(ctx, "serial:/dev/ttyUSB0", 250, t0)
	require.NoError(t, err)
	second, err := db.StartSession(ctx, "mock", 250, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.NoError(t, db.InsertBeat(ctx, first.ID, pipeline.Beat{Index: 600, BPM: 0, DetectedAt: t0}))
	require.NoError(t, db.InsertBeat(ctx, first.ID, pipeline.Beat{Index: 800, BPM: 75, DetectedAt: t0}))
	require.NoError(t, db.InsertBeat(ctx, first.ID, pipeline.Beat{Index: 1000, BPM: 85, DetectedAt: t0}))

	snap := monitoring.Snapshot{Packets: 120, CorruptPackets: 2, MissingPackets: 1}
	require.NoError(t, db.EndSession(ctx, first.ID, t0.Add(time.Minute), snap))

	got, err := db.Session(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "serial:/dev/ttyUSB0", got.Source)
	assert.Equal(t, t0, got.StartedAt)
	require.NotNil(t, got.StoppedAt)
	assert.Equal(t, t0.Add(time.Minute), *got.StoppedAt)
	assert.Equal(t, int64(120), got.Packets)
	assert.Equal(t, int64(2), got.CorruptPackets)
	assert.Equal(t, int64(1), got.MissingPackets)
	assert.Equal(t, int64(3), got.Beats)
	assert.InDelta(t, 80.0, got.MeanBPM, 1e-9)

	list, err := db.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Nil(t, list[0].StoppedAt)

	latest, err := db.LatestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestSession_NotFound(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Session(ctx, "nope")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	err = db.EndSession(ctx, "nope", time.Now(), monitoring.Snapshot{})
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	_, err = db.LatestSession(ctx)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestRecentBeats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	s, err := db.StartSession(ctx, "mock", 250, time.Now())
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, db.InsertBeat(ctx, s.ID, pipeline.Beat{Index: i * 200, Value: float64(i), PacketID: uint8(i)}))
	}
	beats, err := db.RecentBeats(ctx, s.ID, 2)
	require.NoError(t, err)
	require.Len(t, beats, 2)
	assert.Equal(t, int64(800), beats[0].Index)
	assert.Equal(t, int64(1000), beats[1].Index)
	assert.Equal(t, uint8(5), beats[1].PacketID)
}

func TestSessionSink_BatchesSamples(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	s, err := db.StartSession(ctx, "mock", 250, time.Now())
	require.NoError(t, err)

	sink := db.NewSessionSink(s.ID, 3)
	require.NoError(t, sink.RecordPacket(ctx, testPacket(1, 1000, 100)))
	require.NoError(t, sink.RecordPacket(ctx, testPacket(2, 1040, 200)))

	samples, err := db.SessionSamples(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, samples, "nothing written before the batch fills")

	require.NoError(t, sink.RecordPacket(ctx, testPacket(3, 1080, 300)))
	require.NoError(t, sink.RecordPacket(ctx, testPacket(4, 1120, 400)))
	samples, err = db.SessionSamples(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, samples, 30)

	require.NoError(t, sink.Close(ctx))
	samples, err = db.SessionSamples(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, samples, 40)
	for i, smp := range samples {
		assert.Equal(t, int64(i), smp.Index)
	}
	assert.Equal(t, Sample{Index: 13, Time: 1.052, PacketID: 2, Value: 203}, samples[13])
	assert.Equal(t, uint8(4), samples[39].PacketID)
}

func TestSessionSink_AsPipelineSink(t *testing.T) {
	monitoring.SetLogger(nil)
	db := setupTestDB(t)
	ctx := context.Background()
	s, err := db.StartSession(ctx, "test", 250, time.Now())
	require.NoError(t, err)

	sink := db.NewSessionSink(s.ID, 0)
	p, err := pipeline.New(defaultBeatConfig(), pipeline.WithSink(sink))
	require.NoError(t, err)

	stream, _ := impulseStream(120)
	beats := p.Feed(ctx, stream)
	require.NoError(t, sink.Close(ctx))
	require.NotEmpty(t, beats)

	stored, err := db.SessionBeats(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored, len(beats))
	for i := range beats {
		assert.Equal(t, beats[i].Index, stored[i].Index)
		assert.Equal(t, beats[i].PacketID, stored[i].PacketID)
		assert.InDelta(t, beats[i].BPM, stored[i].BPM, 1e-9)
	}

	samples, err := db.SessionSamples(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, samples, 120*packet.SamplesPerPacket)
	// The stored sample at each beat index is the beat's raw value.
	for _, b := range beats {
		assert.Equal(t, b.Value, float64(samples[b.Index].Value))
	}
}

func TestAdminRoutes_Backup(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.StartSession(context.Background(), "mock", 250, time.Now())
	require.NoError(t, err)

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "SQLite format 3"))
}

func defaultBeatConfig() beat.Config {
	return beat.DefaultConfig()
}

// impulseStream encodes an impulse train as n consecutive packets.
func impulseStream(n int) ([]byte, []int) {
	samples, spikes := testutil.ImpulseTrain(n*packet.SamplesPerPacket, 600, 200, 2048, 3000)
	var out []byte
	for i := 0; i < n; i++ {
		p := packet.Packet{ID: uint8(i), TimestampMS: uint32(40 * i)}
		copy(p.Samples[:], samples[i*packet.SamplesPerPacket:])
		out = packet.AppendEncoded(out, p)
	}
	return out, spikes
}
