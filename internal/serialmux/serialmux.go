// Serialmux provides an abstraction over the gateway's serial port with the
// ability for multiple clients to subscribe to the raw byte stream and send
// commands to a single serial device.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// readChunkSize is the largest chunk handed to subscribers per read.
const readChunkSize = 512

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// orderedSub is a lossless subscription. Monitor blocks until the consumer
// takes each chunk, so the consumer sees the stream exactly as read.
type orderedSub struct {
	ch   chan []byte
	gone chan struct{}
	once sync.Once
}

func (o *orderedSub) leave() { o.once.Do(func() { close(o.gone) }) }

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to the byte stream of a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan []byte
	ordered      map[string]*orderedSub
	monitoring   bool
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	done         chan struct{}
	closeOnce    sync.Once
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a best-effort channel of raw byte chunks. Chunks are
	// dropped for a subscriber that is not ready. The channel ID is used to
	// identify the unique channel when unsubscribing.
	Subscribe() (string, chan []byte)
	// SubscribeOrdered creates a lossless channel of raw byte chunks. The
	// channel is closed when monitoring ends.
	SubscribeOrdered(buffer int) (string, <-chan []byte)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// StartStreaming asks the gateway to begin sending packets.
	StartStreaming() error
	// StopStreaming asks the gateway to stop sending packets.
	StopStreaming() error
	// Monitor reads from the serial port and fans chunks out to subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan []byte),
		ordered:     make(map[string]*orderedSub),
		done:        make(chan struct{}),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id := randomID()
	ch := make(chan []byte, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.isClosed() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) SubscribeOrdered(buffer int) (string, <-chan []byte) {
	if buffer < 0 {
		buffer = 0
	}
	id := randomID()
	sub := &orderedSub{ch: make(chan []byte, buffer), gone: make(chan struct{})}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.isClosed() {
		close(sub.ch)
		return id, sub.ch
	}
	s.ordered[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber from the serial mux. A best-effort channel
// is closed; an ordered channel is abandoned and must not be read further.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
	if sub, ok := s.ordered[id]; ok {
		sub.leave()
		delete(s.ordered, id)
	}
}

// SendCommand sends a newline terminated command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

func (s *SerialMux[T]) StartStreaming() error {
	if err := s.SendCommand(CommandStartStream); err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	return nil
}

func (s *SerialMux[T]) StopStreaming() error {
	if err := s.SendCommand(CommandStopStream); err != nil {
		return fmt.Errorf("failed to stop streaming: %w", err)
	}
	return nil
}

func (s *SerialMux[T]) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Monitor reads raw chunks from the serial port and delivers them to
// subscribers in read order. It returns nil when the port reaches EOF or the
// mux is closed, and ctx.Err() when ctx is cancelled. Ordered channels are
// closed on return.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	s.subscriberMu.Lock()
	s.monitoring = true
	s.subscriberMu.Unlock()
	defer s.closeOrdered()

	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// The blocking Read runs in its own goroutine so that the loop below can
	// still observe cancellation.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, readChunkSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := bytes.Clone(buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErrChan <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.done:
			return nil

		case chunk, ok := <-chunkChan:
			if !ok {
				select {
				case err := <-readErrChan:
					if s.isClosed() {
						return nil
					}
					return err
				default:
					return nil
				}
			}
			if err := s.dispatch(ctx, chunk); err != nil {
				return err
			}
		}
	}
}

func (s *SerialMux[T]) dispatch(ctx context.Context, chunk []byte) error {
	s.subscriberMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
			// slow best-effort readers miss chunks rather than stall the port
		}
	}
	ordered := make([]*orderedSub, 0, len(s.ordered))
	for _, sub := range s.ordered {
		ordered = append(ordered, sub)
	}
	s.subscriberMu.Unlock()

	for _, sub := range ordered {
		select {
		case sub.ch <- chunk:
		case <-sub.gone:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
	return nil
}

func (s *SerialMux[T]) closeOrdered() {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.monitoring = false
	for id, sub := range s.ordered {
		close(sub.ch)
		delete(s.ordered, id)
	}
}

func (s *SerialMux[T]) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		return nil
	}

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	// A running Monitor closes ordered channels itself on the way out.
	if !s.monitoring {
		for id, sub := range s.ordered {
			close(sub.ch)
			delete(s.ordered, id)
		}
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

// attachAdminRoutes registers the command form and hex tail for any mux.
func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the ECG gateway", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct{ Commands []string }{Commands: KnownCommands()}
		if err := sendCommandTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// Server-Sent Events with each raw chunk hex encoded, one event per chunk.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case chunk, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", hex.EncodeToString(chunk)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
