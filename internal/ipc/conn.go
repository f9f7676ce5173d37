package ipc

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/jand/internal/event"
)

// DefaultWriteTimeout bounds a single write to a peer.
const DefaultWriteTimeout = 2 * time.Second

// DefaultQueueSize is how many frames may wait for a peer before it is
// dropped as too slow.
const DefaultQueueSize = 1024

// ErrQueueFull is returned when a peer stopped reading and its outbound
// queue overflowed. The connection is closed.
var ErrQueueFull = errors.New("outbound queue full")

// Conn is one client session: the socket plus its subscription state.
// Frames are written by a single writer goroutine, so senders never block
// on the peer.
type Conn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration

	out       chan []byte
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	smu     sync.RWMutex
	mask    event.Kind
	outSubs map[string]struct{}
	errSubs map[string]struct{}
}

// NewConn wraps nc with empty subscriptions and starts its writer.
func NewConn(nc net.Conn) *Conn {
	return newConn(nc, DefaultQueueSize)
}

func newConn(nc net.Conn, queue int) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		nc:           nc,
		writeTimeout: DefaultWriteTimeout,
		out:          make(chan []byte, queue),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		outSubs:      make(map[string]struct{}),
		errSubs:      make(map[string]struct{}),
	}
	go c.writeLoop()
	return c
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// Send queues one complete frame without waiting for the peer. A peer
// whose queue is full is disconnected.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.quit:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.abort()
		return ErrQueueFull
	}
}

// Reply queues a response line, waiting at most the write timeout for
// room in the queue.
func (c *Conn) Reply(s string) error {
	frame := append([]byte(s), '\n')
	t := time.NewTimer(c.writeTimeout)
	defer t.Stop()
	select {
	case c.out <- frame:
		return nil
	case <-c.quit:
		return net.ErrClosed
	case <-t.C:
		c.abort()
		return ErrQueueFull
	}
}

// Close flushes queued frames, bounded by the write timeout, and closes
// the socket.
func (c *Conn) Close() error {
	c.stop()
	<-c.done
	return nil
}

func (c *Conn) stop() { c.closeOnce.Do(func() { close(c.quit) }) }

// abort closes the socket at once, interrupting a write in progress.
func (c *Conn) abort() {
	c.stop()
	_ = c.nc.Close()
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer func() { _ = c.nc.Close() }()
	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				// a partial frame may be on the wire; nothing may follow it
				c.stop()
				return
			}
		case <-c.quit:
			for {
				select {
				case frame := <-c.out:
					if c.write(frame) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.nc.Write(frame)
	return err
}

// Subscribe ORs kinds into the event mask.
func (c *Conn) Subscribe(k event.Kind) {
	c.smu.Lock()
	c.mask |= k
	c.smu.Unlock()
}

// Unsubscribe XORs kinds out of the event mask.
func (c *Conn) Unsubscribe(k event.Kind) {
	c.smu.Lock()
	c.mask ^= k
	c.smu.Unlock()
}

// Mask returns the current event mask.
func (c *Conn) Mask() event.Kind {
	c.smu.RLock()
	defer c.smu.RUnlock()
	return c.mask
}

// SubscribeLog adds name to the stdout and/or stderr subscription sets.
func (c *Conn) SubscribeLog(name string, out, errs bool) {
	c.smu.Lock()
	if out {
		c.outSubs[name] = struct{}{}
	}
	if errs {
		c.errSubs[name] = struct{}{}
	}
	c.smu.Unlock()
}

// UnsubscribeLog removes name from both subscription sets.
func (c *Conn) UnsubscribeLog(name string) {
	c.smu.Lock()
	delete(c.outSubs, name)
	delete(c.errSubs, name)
	c.smu.Unlock()
}

// Wants reports whether an event should be delivered to this connection.
// Log events also require a subscription to the process's stream.
func (c *Conn) Wants(k event.Kind, process string) bool {
	c.smu.RLock()
	defer c.smu.RUnlock()
	if !c.mask.Has(k) {
		return false
	}
	switch k {
	case event.OutLog:
		_, ok := c.outSubs[process]
		return ok
	case event.ErrLog:
		_, ok := c.errSubs[process]
		return ok
	}
	return true
}
