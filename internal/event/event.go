package event

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Kind is a bit in a connection's subscription mask.
type Kind int

const (
	OutLog                 Kind = 1
	ErrLog                 Kind = 2
	ProcessStopped         Kind = 4
	ProcessStarted         Kind = 8
	ProcessAdded           Kind = 16
	ProcessDeleted         Kind = 32
	ProcessRenamed         Kind = 64
	ProcessPropertyUpdated Kind = 128
)

// All is the mask with every category set.
const All = OutLog | ErrLog | ProcessStopped | ProcessStarted | ProcessAdded |
	ProcessDeleted | ProcessRenamed | ProcessPropertyUpdated

var tags = map[Kind]string{
	OutLog:                 "outlog",
	ErrLog:                 "errlog",
	ProcessStopped:         "procstop",
	ProcessStarted:         "procstart",
	ProcessAdded:           "procadd",
	ProcessDeleted:         "procdel",
	ProcessRenamed:         "procren",
	ProcessPropertyUpdated: "procprop",
}

// Tag returns the wire name of a single-bit kind, or "" for anything else.
func (k Kind) Tag() string { return tags[k] }

func (k Kind) String() string {
	if t := k.Tag(); t != "" {
		return t
	}
	return strconv.Itoa(int(k))
}

// Has reports whether every bit of o is set in k.
func (k Kind) Has(o Kind) bool { return o != 0 && k&o == o }

// IsLog reports whether k is one of the log-line kinds.
func (k Kind) IsLog() bool { return k == OutLog || k == ErrLog }

// ParseTag maps a wire name back to its kind.
func ParseTag(tag string) (Kind, bool) {
	for k, t := range tags {
		if t == tag {
			return k, true
		}
	}
	return 0, false
}

// ParseMask parses the decimal mask carried by subscribe-events requests.
func ParseMask(s string) (Kind, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return Kind(n), nil
}

// Event is a single lifecycle or log notification.
type Event struct {
	Kind    Kind
	Process string
	Value   string
	// HasValue distinguishes an empty Value from an absent one.
	HasValue bool
}

// New builds an event without a value.
func New(k Kind, process string) Event { return Event{Kind: k, Process: process} }

// WithValue builds an event carrying a value.
func WithValue(k Kind, process, value string) Event {
	return Event{Kind: k, Process: process, Value: value, HasValue: true}
}

type envelope struct {
	Event   string  `json:"Event"`
	Process string  `json:"Process"`
	Value   *string `json:"Value,omitempty"`
}

// Envelope is the decoded form of a streamed event frame.
type Envelope struct {
	Event   string `json:"Event"`
	Process string `json:"Process"`
	Value   string `json:"Value,omitempty"`
}

// Encode renders the event as one compact JSON object followed by '\n'.
// Values are JSON-escaped so the frame never contains a raw newline.
func (e Event) Encode() ([]byte, error) {
	env := envelope{Event: e.Kind.Tag(), Process: e.Process}
	if e.HasValue {
		v := e.Value
		env.Value = &v
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoder.Encode appends the terminating newline.
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Publisher receives events from process entries and the daemon.
// Implementations must not block for long.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(e Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
