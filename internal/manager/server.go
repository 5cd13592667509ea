package manager

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/stnd-dev/batch-run-monitor/internal/protocol"
	"github.com/stnd-dev/batch-run-monitor/internal/registry"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// PortEnv pins the listener to a fixed port. Without it the OS assigns
// a free one, so multiple monitors can coexist on a host.
const PortEnv = "MONITOR_SOCKET_PORT"

// Manager owns the registry and ingests self-report messages from jobs,
// one handling goroutine per live connection.
type Manager struct {
	reg   *registry.Registry
	inbox chan protocol.Envelope

	ln     net.Listener
	closed atomic.Bool

	idleTimeout    time.Duration
	maxIdleRetries int
}

func New(reg *registry.Registry) *Manager {
	return &Manager{
		reg:            reg,
		inbox:          make(chan protocol.Envelope, 1024),
		idleTimeout:    15 * time.Second,
		maxIdleRetries: 40,
	}
}

// Start binds the listener and begins accepting connections. Returns
// the bound address so job payloads can be pointed at it.
func (m *Manager) Start() (string, error) {
	port := 0
	if v := os.Getenv(PortEnv); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
			return "", fmt.Errorf("invalid %s value %q", PortEnv, v)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", fmt.Errorf("bind message listener: %w", err)
	}
	m.ln = ln

	addr := ln.Addr().String()
	log.Info("Server listening on %s", addr)
	if port == 0 {
		log.Info("No %s set; using an OS-assigned free port so multiple monitors can run", PortEnv)
	}

	go m.acceptLoop()
	return addr, nil
}

// Inbox exposes applied envelopes to any downstream consumer.
func (m *Manager) Inbox() <-chan protocol.Envelope {
	return m.inbox
}

func (m *Manager) Addr() string {
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

func (m *Manager) Close() {
	m.closed.Store(true)
	if m.ln != nil {
		m.ln.Close()
	}
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if m.closed.Load() {
				return
			}
			log.Warn("Accept failed: %v", err)
			continue
		}
		log.Debug("New client connection from %s", conn.RemoteAddr())
		go m.handleConn(conn)
	}
}

// handleConn runs the per-connection read loop. Any fault terminates
// this connection only; the manager keeps serving the others.
func (m *Manager) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		header, ok := m.readExact(conn, protocol.HeaderSize)
		if !ok {
			return
		}

		bodyLen, err := protocol.BodyLength(header)
		if err != nil {
			log.Warn("Dropping connection from %s: %v", conn.RemoteAddr(), err)
			return
		}

		body, ok := m.readExact(conn, bodyLen)
		if !ok {
			log.Warn("Incomplete message from %s, expected %d bytes", conn.RemoteAddr(), bodyLen)
			return
		}

		env, err := protocol.DecodeBody(body)
		if err != nil {
			log.Warn("Failed to deserialize message from %s: %v", conn.RemoteAddr(), err)
			return
		}

		m.reg.ApplyEnvelope(env)

		// Hand the raw envelope to downstream consumers without ever
		// blocking the connection on a slow reader.
		select {
		case m.inbox <- env:
		default:
		}

		if _, err := conn.Write([]byte(protocol.AckToken)); err != nil {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// readExact reads exactly n bytes. An idle read deadline only counts
// against the connection when no data arrives at all; too many
// consecutive silent timeouts drop it. Returns false when the peer
// closed or the read cannot complete.
func (m *Manager) readExact(conn net.Conn, n int) ([]byte, bool) {
	if n <= 0 {
		return []byte{}, true
	}

	buf := make([]byte, n)
	read := 0
	idle := 0
	for read < n {
		if m.closed.Load() {
			return nil, false
		}

		conn.SetReadDeadline(time.Now().Add(m.idleTimeout))
		k, err := conn.Read(buf[read:])
		read += k
		if err == nil {
			idle = 0
			continue
		}

		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			if k > 0 {
				idle = 0
				continue
			}
			idle++
			if idle >= m.maxIdleRetries {
				log.Debug("Connection from %s idle too long, dropping", conn.RemoteAddr())
				return nil, false
			}
			continue
		}

		// Peer closed or hard error.
		return nil, false
	}
	return buf, true
}
