package meshroute

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/meshroute/pkg/wire"
)

var (
	ErrNotFound      = errors.New("router: no server known for path")
	ErrTimeout       = errors.New("router: destination did not answer in time")
	ErrTransport     = errors.New("router: transport failure")
	ErrHandler       = errors.New("router: handler failed")
	ErrDuplicatePath = errors.New("registry: path already registered locally")
	ErrPathInvalid   = errors.New("registry: paths must be printable, non-empty and less than 256 bytes")

	ErrInvalidCfg  = errors.New("node: invalid options")
	ErrNodeClosed  = errors.New("node: shutting down")
	ErrJoinCluster = errors.New("node: could not join cluster")
	ErrAddrInvalid = errors.New("node: address must be host:port")

	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrUnknownStreamMode = errors.New("transport: unknown stream mode")
	ErrUnexpectedStatus  = errors.New("transport: unexpected status code")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamCancelled         = quic.StreamErrorCode(0x1)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// ErrorKind classifies a failed call.
type ErrorKind uint8

const (
	KindNotFound ErrorKind = iota + 1
	KindTimeout
	KindTransport
	KindHandler
)

func (kind ErrorKind) String() string {
	switch kind {
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

func (kind ErrorKind) sentinel() error {
	switch kind {
	case KindNotFound:
		return ErrNotFound
	case KindTimeout:
		return ErrTimeout
	case KindHandler:
		return ErrHandler
	default:
		return ErrTransport
	}
}

// CallError is returned by every failed call.
//
// Local is true when the caller's own node answered the failure without any
// network send (e.g. no server known for the path), it is false when a
// destination was contacted but failed or did not answer.
type CallError struct {
	Kind    ErrorKind
	Path    string
	Addr    NodeAddress
	Local   bool
	Message string

	cause error
}

func (callErr *CallError) Error() string {
	where := "local"
	if !callErr.Local {
		where = callErr.Addr.String()
	}
	msg := fmt.Sprintf("call %q (%s): %s", callErr.Path, where, callErr.Kind.sentinel())
	if callErr.Message != "" {
		msg = msg + ": " + callErr.Message
	}
	return msg
}

func (callErr *CallError) Unwrap() []error {
	if callErr.cause != nil {
		return []error{callErr.Kind.sentinel(), callErr.cause}
	}
	return []error{callErr.Kind.sentinel()}
}

// KindOf returns the kind of a call error, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}
	return 0
}

func kindFromCode(code wire.ErrorCode) ErrorKind {
	switch code {
	case wire.CodeNotFound:
		return KindNotFound
	case wire.CodeHandler:
		return KindHandler
	case wire.CodeTimeout:
		return KindTimeout
	default:
		return KindTransport
	}
}

func codeFromKind(kind ErrorKind) wire.ErrorCode {
	switch kind {
	case KindNotFound:
		return wire.CodeNotFound
	case KindHandler:
		return wire.CodeHandler
	case KindTimeout:
		return wire.CodeTimeout
	default:
		return wire.CodeProtocol
	}
}
