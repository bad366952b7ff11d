// Package gateway receives the ECG byte stream over the network and replays
// recorded captures. Both sources deliver ordered chunks on a channel for the
// pipeline to consume.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/pulse.report/internal/monitoring"
)

// DefaultUDPPort is the port the Wi-Fi gateway sends datagrams to.
const DefaultUDPPort = 5005

const readDeadline = 100 * time.Millisecond

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	// Address to bind, for example ":5005".
	Address string
	// RcvBuf is the socket receive buffer size in bytes. Zero keeps the
	// system default.
	RcvBuf int
}

// UDPListener receives datagrams and forwards each payload as one chunk.
type UDPListener struct {
	cfg  UDPListenerConfig
	conn *net.UDPConn
}

// NewUDPListener creates a listener. Call Listen, then Serve.
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", DefaultUDPPort)
	}
	return &UDPListener{cfg: cfg}
}

// Listen binds the socket.
func (l *UDPListener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer size to %d: %v", l.cfg.RcvBuf, err)
		}
	}
	l.conn = conn
	monitoring.Logf("UDP listener started on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *UDPListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled, sending each payload to out
// in arrival order. The socket is closed on return.
func (l *UDPListener) Serve(ctx context.Context, out chan<- []byte) error {
	if l.conn == nil {
		return errors.New("udp listener: Serve called before Listen")
	}
	defer l.conn.Close()

	buf := make([]byte, 65536)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The deadline lets the loop observe cancellation.
		l.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("udp read: %w", err)
		}
		if n == 0 {
			continue
		}
		select {
		case out <- bytes.Clone(buf[:n]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start is Listen followed by Serve.
func (l *UDPListener) Start(ctx context.Context, out chan<- []byte) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx, out)
}
