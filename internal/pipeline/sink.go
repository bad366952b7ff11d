package pipeline

import (
	"context"
	"errors"

	"github.com/banshee-data/pulse.report/internal/packet"
)

// Sink receives the pipeline's output. Calls are made synchronously from the
// pipeline goroutine in stream order, so implementations must buffer rather
// than block for long. Errors are logged and do not stop the stream.
type Sink interface {
	RecordPacket(ctx context.Context, p packet.Packet) error
	RecordBeat(ctx context.Context, b Beat) error
}

// MultiSink fans out to several sinks. Every sink is called even when an
// earlier one fails; the errors are joined.
type MultiSink []Sink

func (m MultiSink) RecordPacket(ctx context.Context, p packet.Packet) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordPacket(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) RecordBeat(ctx context.Context, b Beat) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordBeat(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFuncs adapts plain functions to a Sink. Nil fields are skipped.
type SinkFuncs struct {
	Packet func(context.Context, packet.Packet) error
	Beat   func(context.Context, Beat) error
}

func (f SinkFuncs) RecordPacket(ctx context.Context, p packet.Packet) error {
	if f.Packet == nil {
		return nil
	}
	return f.Packet(ctx, p)
}

func (f SinkFuncs) RecordBeat(ctx context.Context, b Beat) error {
	if f.Beat == nil {
		return nil
	}
	return f.Beat(ctx, b)
}
