package protocol

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

const (
	// ClusterJobIDEnv carries the execution id the scheduler assigned to
	// the job payload. Local runs fall back to their own process id.
	ClusterJobIDEnv = "CLUSTER_JOB_ID"
	// AddrEnv tells job payloads where the monitor's socket listens.
	AddrEnv = "MONITOR_ADDR"
	// UpdatesDirEnv tells job payloads where to append file updates when
	// the batch runs in file-transport mode.
	UpdatesDirEnv = "MONITOR_UPDATES_DIR"
)

// Client delivers self-report envelopes to the monitor over a socket.
// Updates are buffered locally and the queue is cleared only after a
// confirmed ACK, so a disconnect never loses the newest value of a key.
type Client struct {
	addr  string
	jobID int64

	dialTimeout time.Duration
	ackTimeout  time.Duration
	retryDelay  time.Duration
	maxAttempts int

	mu     sync.Mutex
	conn   net.Conn
	queue  []Item
	latest map[string]string
}

func NewClient(addr string) *Client {
	return &Client{
		addr:        addr,
		jobID:       SelfJobID(),
		dialTimeout: 10 * time.Second,
		ackTimeout:  10 * time.Second,
		retryDelay:  2 * time.Second,
		maxAttempts: 10,
		latest:      make(map[string]string),
	}
}

// SelfJobID resolves the reporting id for the current process.
func SelfJobID() int64 {
	if v := os.Getenv(ClusterJobIDEnv); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return int64(os.Getpid())
}

func (c *Client) JobID() int64 {
	return c.jobID
}

// SendStart announces the job to the monitor and flushes immediately.
func (c *Client) SendStart() error {
	return c.Send(JobStarted, "", "", true)
}

// SendKeyVal queues a result update. With sync it is flushed right away.
func (c *Client) SendKeyVal(key, value string, sync bool) error {
	return c.Send(JobResultUpdate, key, value, sync)
}

// SendFinished reports completion and flushes the queue.
func (c *Client) SendFinished() error {
	return c.Send(JobFinished, "", "", true)
}

func (c *Client) Send(msgType MessageType, key, value string, sync bool) error {
	c.mu.Lock()
	if msgType == JobResultUpdate {
		c.latest[key] = value
	}
	c.queue = append(c.queue, Item{Type: msgType, Key: key, Value: value})
	c.mu.Unlock()

	if sync {
		return c.Flush()
	}
	return nil
}

// Latest returns the newest locally buffered value per key, kept as a
// backup so results survive even when the monitor is unreachable.
func (c *Client) Latest() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ret := make(map[string]string, len(c.latest))
	for k, v := range c.latest {
		ret[k] = v
	}
	return ret
}

// Flush sends every queued item in one frame and waits for the ACK.
// On timeout or I/O failure it reconnects and retries with a fixed delay;
// the queue is cleared only after a confirmed ACK.
func (c *Client) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil
	}

	frame, err := EncodeFrame(Envelope{JobID: c.jobID, Messages: c.queue})
	if err != nil {
		return err
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay)
		}
		if c.conn == nil {
			if err := c.reconnectLocked(); err != nil {
				log.Warn("Message client cannot reach %s: %v", c.addr, err)
				continue
			}
		}

		if err := c.deliverLocked(frame); err != nil {
			log.Warn("Message delivery failed, reconnecting: %v", err)
			c.closeLocked()
			continue
		}

		c.queue = nil
		return nil
	}

	return fmt.Errorf("failed to deliver messages after %d attempts", c.maxAttempts)
}

func (c *Client) deliverLocked(frame []byte) error {
	c.conn.SetWriteDeadline(time.Time{})
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.ackTimeout))
	buf := make([]byte, len(AckToken))
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return fmt.Errorf("await ack: %w", err)
	}
	if string(buf) != AckToken {
		return fmt.Errorf("unexpected reply %q", buf)
	}
	return nil
}

func (c *Client) reconnectLocked() error {
	c.closeLocked()
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}
