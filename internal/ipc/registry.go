package ipc

import (
	"log/slog"
	"sync"

	"github.com/loykin/jand/internal/event"
	"github.com/loykin/jand/internal/metrics"
)

// Registry holds the live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
	metrics.ConnOpened()
}

// Remove unregisters c; removing an unknown connection is a no-op.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	_, ok := r.conns[c.ID()]
	delete(r.conns, c.ID())
	r.mu.Unlock()
	if ok {
		metrics.ConnClosed()
	}
}

// Snapshot returns the connections registered at the time of the call.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcaster fans events out to subscribed connections and to in-process
// listeners.
type Broadcaster struct {
	reg *Registry
	log *slog.Logger

	lmu       sync.RWMutex
	listeners []event.Publisher
}

func NewBroadcaster(reg *Registry, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{reg: reg, log: log.With("component", "broadcast")}
}

// AddListener registers an in-process consumer of every event.
func (b *Broadcaster) AddListener(p event.Publisher) {
	b.lmu.Lock()
	b.listeners = append(b.listeners, p)
	b.lmu.Unlock()
}

// Publish queues e on every connection whose subscription matches. It never
// waits for a peer; a connection that cannot keep up is dropped and counted.
func (b *Broadcaster) Publish(e event.Event) {
	metrics.IncEvent(e.Kind.String())
	var frame []byte
	for _, c := range b.reg.Snapshot() {
		if !c.Wants(e.Kind, e.Process) {
			continue
		}
		if frame == nil {
			var err error
			if frame, err = e.Encode(); err != nil {
				b.log.Error("encode event", "event", e.Kind.String(), "error", err)
				return
			}
		}
		if err := c.Send(frame); err != nil {
			metrics.IncEventWriteFailure()
			b.log.Debug("event not delivered", "conn", c.ID(), "event", e.Kind.String(), "error", err)
		}
	}

	b.lmu.RLock()
	ls := b.listeners
	b.lmu.RUnlock()
	for _, l := range ls {
		l.Publish(e)
	}
}
