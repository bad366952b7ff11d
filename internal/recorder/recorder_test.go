package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/packet"
	"github.com/banshee-data/pulse.report/internal/pipeline"
	"github.com/banshee-data/pulse.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var t0 = time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestWriter_BatchesOnTick(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	path := filepath.Join(t.TempDir(), "out.csv")
	w, err := NewWriter(path, []string{"a", "b"}, time.Second, clock)
	require.NoError(t, err)

	w.Log("1", "x")
	w.Log("2", "y")
	assert.Equal(t, []string{"a,b"}, readLines(t, path), "rows stay queued until the tick")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return w.Written() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a,b", "1,x", "2,y"}, readLines(t, path))

	w.Log("3", "z")
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, w.Stop())
	assert.Equal(t, 3, w.Written())
	assert.Equal(t, []string{"a,b", "1,x", "2,y", "3,z"}, readLines(t, path))

	meta := w.Metadata()
	assert.Equal(t, path, meta.CSVFile)
	assert.Equal(t, t0, meta.StartTime)
	assert.Equal(t, t0.Add(1500*time.Millisecond), meta.StopTime)
	assert.Equal(t, 3, meta.SamplesWritten)

	require.NoError(t, w.Stop(), "second Stop is a no-op")
}

func TestWriter_QuotesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.csv")
	w, err := NewWriter(path, []string{"note"}, time.Hour, timeutil.NewMockClock(t0))
	require.NoError(t, err)
	w.Log("a,b")
	require.NoError(t, w.Stop())
	assert.Equal(t, []string{"note", `"a,b"`}, readLines(t, path))
}

func TestNewWriter_BadPath(t *testing.T) {
	_, err := NewWriter(filepath.Join(t.TempDir(), "missing", "x.csv"), []string{"a"}, 0, nil)
	assert.Error(t, err)
}

func TestWriter_StopReportsWriteError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.csv")
	w, err := NewWriter(path, []string{"a"}, time.Hour, timeutil.NewMockClock(t0))
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	w.Log("1")
	assert.Error(t, w.Stop())
	assert.Zero(t, w.Written())
}

func TestRecorder_WritesRun(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	dir := filepath.Join(t.TempDir(), "run-1")
	r, err := New(dir, Options{Clock: clock, SessionID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, dir, r.Dir())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p := packet.Packet{ID: uint8(254 + i), TimestampMS: uint32(2000 + 40*i)}
		for j := range p.Samples {
			p.Samples[j] = uint16(100*i + j)
		}
		require.NoError(t, r.RecordPacket(ctx, p))
	}
	require.NoError(t, r.RecordBeat(ctx, pipeline.Beat{Index: 12, Value: 102, BPM: 0, Time: 2.048, PacketID: 255}))
	require.NoError(t, r.RecordBeat(ctx, pipeline.Beat{Index: 25, Value: 205, BPM: 1153.8461538461538, Time: 2.1, PacketID: 0}))

	clock.Advance(2 * time.Second)
	require.NoError(t, r.Close())

	samples, err := ReadSamples(filepath.Join(dir, SamplesFile))
	require.NoError(t, err)
	require.Len(t, samples, 30)
	assert.Equal(t, SampleRow{Time: 2.052, PacketID: 255, Index: 13, Value: 103}, samples[13])
	assert.Equal(t, uint8(0), samples[29].PacketID)

	beats, err := ReadBeats(filepath.Join(dir, BeatsFile))
	require.NoError(t, err)
	want := []BeatRow{
		{Index: 12, Value: 102, BPM: 0, Time: 2.048, PacketID: 255},
		{Index: 25, Value: 205, BPM: 1153.8461538461538, Time: 2.1, PacketID: 0},
	}
	if diff := cmp.Diff(want, beats); diff != "" {
		t.Errorf("beats mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	require.NoError(t, err)
	var meta RunMetadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "abc", meta.SessionID)
	assert.Equal(t, 30, meta.Samples.SamplesWritten)
	assert.Equal(t, 2, meta.Beats.SamplesWritten)
	assert.True(t, meta.StopTime.Equal(t0.Add(2*time.Second)))
	assert.Contains(t, string(raw), `"csv_file"`)
}

func TestReadBeats_ReferenceLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.csv")
	require.NoError(t, os.WriteFile(path, []byte("R_peak_index,Digital Value,Instantaneous_BPM\n100,3000,0\n300,2990,75\n"), 0o644))

	beats, err := ReadBeats(path)
	require.NoError(t, err)
	require.Len(t, beats, 2)
	assert.Equal(t, BeatRow{Index: 300, Value: 2990, BPM: 75}, beats[1])
}

func TestReadCSV_Errors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err := ReadBeats(empty)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("time,packet_id,sample_index,value\n1.0,1,0,notanumber\n"), 0o644))
	_, err = ReadSamples(bad)
	assert.ErrorContains(t, err, "line 2")

	short := filepath.Join(dir, "short.csv")
	require.NoError(t, os.WriteFile(short, []byte("time,packet_id,sample_index,value\n1.0,1\n"), 0o644))
	_, err = ReadSamples(short)
	assert.Error(t, err)

	_, err = ReadSamples(filepath.Join(dir, "nope.csv"))
	assert.Error(t, err)
}
