package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if mux.port != port {
		t.Error("SerialMux port not set correctly")
	}
	if mux.subscribers == nil || mux.ordered == nil {
		t.Error("SerialMux subscriber maps not initialised")
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	if id1 == "" || id1 == id2 {
		t.Fatalf("subscription ids %q and %q should be unique and non-empty", id1, id2)
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	mux.Unsubscribe(id1) // second call is a no-op

	mux.subscriberMu.Lock()
	n := len(mux.subscribers)
	mux.subscriberMu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 remaining subscriber, got %d", n)
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"appends newline", CommandStartStream, "START_STREAM\n"},
		{"keeps existing newline", "STOP_STREAM\n", "STOP_STREAM\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestableSerialPort()
			mux := NewSerialMux(port)
			if err := mux.SendCommand(tt.command); err != nil {
				t.Fatalf("SendCommand: %v", err)
			}
			if got := string(port.GetWrittenData()); got != tt.want {
				t.Errorf("wrote %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSerialMux_SendCommandErrors(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	writeErr := errors.New("boom")
	port.WriteError = writeErr
	if err := mux.SendCommand("X"); !errors.Is(err, writeErr) {
		t.Errorf("expected write error, got %v", err)
	}

	port.ShortWrite = true
	if err := mux.SendCommand("X"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("expected ErrWriteFailed, got %v", err)
	}
}

func TestSerialMux_StartStopStreaming(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.StartStreaming(); err != nil {
		t.Fatal(err)
	}
	if err := mux.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	if got := string(port.GetWrittenData()); got != "START_STREAM\nSTOP_STREAM\n" {
		t.Errorf("wrote %q", got)
	}

	port.WriteError = io.ErrClosedPipe
	if err := mux.StartStreaming(); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected wrapped write error, got %v", err)
	}
}

func TestSerialMux_OrderedSubscriberIsLossless(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.SubscribeOrdered(0)

	var want []byte
	for i := 0; i < 200; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 1+i%7)
		want = append(want, chunk...)
	}
	port.AddReadData(want)
	port.EOFWhenEmpty = true

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	var got []byte
	for chunk := range ch {
		got = append(got, chunk...)
		// a slow consumer must not lose data
		time.Sleep(time.Millisecond)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ordered subscriber received %d bytes, want %d", len(got), len(want))
	}
	if err := <-done; err != nil {
		t.Errorf("Monitor returned %v at EOF", err)
	}
}

func TestSerialMux_MonitorFansOutChunks(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, tail := mux.Subscribe()
	_, ordered := mux.SubscribeOrdered(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte{0xAA, 0x55})

	select {
	case chunk := <-tail:
		if !bytes.Equal(chunk, []byte{0xAA, 0x55}) {
			t.Errorf("tail got %x", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tail chunk")
	}
	select {
	case chunk := <-ordered:
		if !bytes.Equal(chunk, []byte{0xAA, 0x55}) {
			t.Errorf("ordered got %x", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ordered chunk")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor returned %v, want context.Canceled", err)
	}
	if _, ok := <-ordered; ok {
		t.Error("ordered channel should be closed when Monitor returns")
	}
}

func TestSerialMux_MonitorReturnsReadError(t *testing.T) {
	port := NewTestableSerialPort()
	readErr := errors.New("device unplugged")
	port.ReadError = readErr
	mux := NewSerialMux(port)

	if err := mux.Monitor(context.Background()); !errors.Is(err, readErr) {
		t.Errorf("Monitor returned %v, want %v", err, readErr)
	}
}

func TestSerialMux_CloseStopsMonitor(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, tail := mux.Subscribe()
	_, ordered := mux.SubscribeOrdered(0)

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v after Close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	if _, ok := <-tail; ok {
		t.Error("tail channel should be closed")
	}
	if _, ok := <-ordered; ok {
		t.Error("ordered channel should be closed")
	}
	if !port.Closed {
		t.Error("port should be closed")
	}
	if err := mux.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestSerialMux_SubscribeAfterClose(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	mux.Close()

	_, ch := mux.Subscribe()
	if _, ok := <-ch; ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
	_, ordered := mux.SubscribeOrdered(1)
	if _, ok := <-ordered; ok {
		t.Error("SubscribeOrdered after Close should return a closed channel")
	}
}

func TestSerialMux_UnsubscribeOrderedUnblocksMonitor(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	id, _ := mux.SubscribeOrdered(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	// Nobody reads the ordered channel, so Monitor blocks on the first chunk
	// until the subscriber leaves.
	port.AddReadData([]byte{1})
	time.Sleep(10 * time.Millisecond)
	mux.Unsubscribe(id)

	_, tail := mux.Subscribe()
	port.AddReadData([]byte{2})
	timeout := time.After(time.Second)
	for {
		select {
		case chunk := <-tail:
			if bytes.IndexByte(chunk, 2) >= 0 {
				return
			}
		case <-timeout:
			t.Fatal("Monitor still blocked after ordered subscriber left")
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		known bool
	}{
		{"START_STREAM", CommandStartStream, true},
		{"  stop_stream\n", CommandStopStream, true},
		{"reset", "RESET", false},
	}
	for _, tt := range tests {
		got, known := ParseCommand(tt.in)
		if got != tt.want || known != tt.known {
			t.Errorf("ParseCommand(%q) = %q, %v; want %q, %v", tt.in, got, known, tt.want, tt.known)
		}
	}
}
