package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/db"
	"github.com/banshee-data/pulse.report/internal/gateway"
	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/pipeline"
	"github.com/banshee-data/pulse.report/internal/recorder"
	"github.com/banshee-data/pulse.report/internal/security"
	"github.com/banshee-data/pulse.report/internal/timeutil"
)

// outputs is the set of sinks for one streaming session.
type outputs struct {
	sink      pipeline.MultiSink
	sessionID string

	closeOnce sync.Once
	closers   []func(monitoring.Snapshot) error
}

// openOutputs starts a database session and a CSV run as configured. With
// persistence disabled the session id is derived from the start time.
func openOutputs(ctx context.Context, cfg *config.Config, database *db.DB, sourceName string, clock timeutil.Clock) (*outputs, error) {
	out := &outputs{}
	started := clock.Now()
	rate := cfg.BeatConfig().SampleRate

	if database != nil {
		sess, err := database.StartSession(ctx, sourceName, rate, started)
		if err != nil {
			return nil, err
		}
		sink := database.NewSessionSink(sess.ID, cfg.GetDBBatchPackets())
		out.sessionID = sess.ID
		out.sink = append(out.sink, sink)
		out.closers = append(out.closers, func(snap monitoring.Snapshot) error {
			bg := context.Background()
			if err := sink.Close(bg); err != nil {
				return fmt.Errorf("flush samples: %w", err)
			}
			return database.EndSession(bg, sess.ID, clock.Now(), snap)
		})
		log.Printf("recording session %s to %s", sess.ID, database.Path())
	} else {
		out.sessionID = started.UTC().Format("20060102T150405Z")
	}

	if dir := cfg.GetCSVDir(); dir != "" {
		runDir := filepath.Join(dir, security.SanitizeFilename(out.sessionID))
		rec, err := recorder.New(runDir, recorder.Options{
			WriteInterval: cfg.GetCSVWriteInterval(),
			Clock:         clock,
			SessionID:     out.sessionID,
		})
		if err != nil {
			out.close(monitoring.Snapshot{})
			return nil, err
		}
		out.sink = append(out.sink, rec)
		out.closers = append(out.closers, func(monitoring.Snapshot) error { return rec.Close() })
		log.Printf("writing CSV run to %s", runDir)
	}
	return out, nil
}

// close flushes every sink and ends the session. Only the first call has an
// effect.
func (o *outputs) close(snap monitoring.Snapshot) {
	o.closeOnce.Do(func() {
		for _, c := range o.closers {
			if err := c(snap); err != nil {
				log.Printf("failed to close output: %v", err)
			}
		}
	})
}

// captureTo mirrors every chunk of in to a pcap file as UDP datagrams to port
// and forwards it unchanged. The file is closed when in closes or ctx ends.
func captureTo(ctx context.Context, path string, port int, in <-chan []byte) (<-chan []byte, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	w, err := gateway.NewPCAPWriter(f, port)
	if err != nil {
		f.Close()
		return nil, err
	}
	log.Printf("capturing raw stream to %s", path)

	out := make(chan []byte, chunkBuffer)
	go func() {
		defer close(out)
		defer f.Close()
		failed := false
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				if !failed {
					if err := w.WriteDatagram(time.Now(), chunk); err != nil {
						log.Printf("capture write failed, continuing without it: %v", err)
						failed = true
					}
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
