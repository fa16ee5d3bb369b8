// Package wire defines the envelopes exchanged between meshroute nodes and the
// codecs used to put them on a transport.
package wire

import "errors"

var (
	ErrMalformed     = errors.New("wire: malformed envelope")
	ErrTooLargeFrame = errors.New("wire: frame exceeds the maximum size")
	ErrUnknownType   = errors.New("wire: unknown message type")
)

// MaxFrameSize bounds a single encoded envelope.
const MaxFrameSize = 16 << 20

type MessageType uint8

const (
	TypeUnspecified MessageType = iota
	TypeJoin
	TypePing
	TypeCall
)

func (t MessageType) String() string {
	switch t {
	case TypeJoin:
		return "join"
	case TypePing:
		return "ping"
	case TypeCall:
		return "call"
	default:
		return "unspecified"
	}
}

// ErrorCode is the failure reported by a responder. Transport-level failures
// never travel on the wire, the sender observes them directly.
type ErrorCode uint8

const (
	CodeNone ErrorCode = iota
	CodeNotFound
	CodeHandler
	CodeTimeout
	CodeProtocol
	CodeShuttingDown
)

// Descriptor is how a node describes itself, or a peer it knows about.
type Descriptor struct {
	// Addr is the "host:port" of the node transport.
	Addr  string   `json:"addr"`
	Name  string   `json:"name,omitempty"`
	Paths []string `json:"paths,omitempty"`
	// LastSeen is a unix timestamp in nanoseconds, set by whoever observed
	// the node alive last.
	LastSeen int64 `json:"last_seen,omitempty"`
}

type Request struct {
	Type          MessageType `json:"type"`
	CorrelationID string      `json:"correlation_id"`
	ServicePath   string      `json:"service_path,omitempty"`
	Payload       []byte      `json:"payload,omitempty"`
	Sender        Descriptor  `json:"sender"`
	// Deadline is the unix timestamp in nanoseconds after which the sender
	// stops waiting. Zero means no deadline.
	Deadline int64 `json:"deadline,omitempty"`
}

type Response struct {
	CorrelationID string    `json:"correlation_id"`
	Error         ErrorCode `json:"error,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Body          []byte    `json:"body,omitempty"`

	// Responder carries the responder's own path advertisement.
	Responder Descriptor `json:"responder"`
	// Summary lists the addresses the responder currently considers alive.
	Summary []string `json:"summary,omitempty"`
	// Cluster is only filled in JOIN responses.
	Cluster []Descriptor `json:"cluster,omitempty"`
}

// Validate checks the invariants every request must hold before being
// handled.
func (r *Request) Validate() error {
	switch r.Type {
	case TypeJoin, TypePing:
	case TypeCall:
		if r.ServicePath == "" {
			return errors.Join(ErrMalformed, errors.New("call without service path"))
		}
	default:
		return ErrUnknownType
	}
	if r.Sender.Addr == "" {
		return errors.Join(ErrMalformed, errors.New("missing sender address"))
	}
	return nil
}
