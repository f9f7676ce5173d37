package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/jand/internal/event"
)

// DefaultQueueSize bounds the events waiting for the sink.
const DefaultQueueSize = 256

// SendTimeout bounds a single sink write.
var SendTimeout = 5 * time.Second

// Lookup returns the process state recorded alongside an event.
type Lookup func(name string) (Record, bool)

// Recorder forwards lifecycle events to a Sink from a single goroutine so
// publishers never wait on the database. Events arriving while the queue
// is full are dropped and logged.
type Recorder struct {
	sink   Sink
	lookup Lookup
	log    *slog.Logger
	queue  chan Event

	closeOnce sync.Once
	done      chan struct{}
}

func NewRecorder(sink Sink, lookup Lookup, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sink:   sink,
		lookup: lookup,
		log:    log.With("component", "history"),
		queue:  make(chan Event, DefaultQueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Publish implements event.Publisher.
func (r *Recorder) Publish(e event.Event) {
	typ, ok := TypeOf(e.Kind)
	if !ok {
		return
	}
	rec := Record{Name: e.Process, PID: -1, ExitCode: -1, Detail: e.Value}
	if r.lookup != nil {
		// renames are published under the old name
		name := e.Process
		if e.Kind == event.ProcessRenamed {
			name = e.Value
		}
		if got, ok := r.lookup(name); ok {
			got.Name = e.Process
			got.Detail = e.Value
			rec = got
		}
	}
	ev := Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec}
	select {
	case r.queue <- ev:
	default:
		r.log.Warn("history queue full, dropping event", "type", typ, "name", e.Process)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
		if err := r.sink.Send(ctx, ev); err != nil {
			r.log.Error("history send failed", "type", ev.Type, "name", ev.Record.Name, "error", err)
		}
		cancel()
	}
}

// Close drains the queue and closes the sink. Publish must not be called
// afterwards.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
		err = r.sink.Close()
	})
	return err
}
