package meshroute

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshroute/pkg/wire"
)

// InboundHandler answers an envelope received from a peer. It must always
// return a response, failures are reported through `wire.Response.Error`.
type InboundHandler func(ctx context.Context, req *wire.Request) *wire.Response

// Transport moves envelopes between nodes.
//
// Send blocks until a response is received, the transport fails or ctx is
// done. Implementations must be safe for concurrent use.
type Transport interface {
	// Listen starts serving inbound envelopes with handler and returns
	// the address other nodes must use to reach us.
	Listen(handler InboundHandler) (NodeAddress, error)
	Send(ctx context.Context, to NodeAddress, req *wire.Request) (*wire.Response, error)
	Close() error
}

// TransportConfig is shared by the transports shipped with meshroute.
type TransportConfig struct {
	// BindAddr and BindPort are where the transport listens. A zero port
	// picks a random one.
	BindAddr string
	BindPort int

	// AdvertiseHost is the host other nodes use to reach us. It defaults to
	// BindAddr, or the loopback if BindAddr is unspecified.
	AdvertiseHost string

	// TlsConfig is required by QUIC and optional for HTTP. Use mTLS in
	// production.
	TlsConfig *tls.Config

	// BufferSize of the requested UDP kernel buffer (QUIC only).
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// DialTimeout bounds connection establishment and the read of an inbound
	// envelope.
	DialTimeout time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

func (cfg *TransportConfig) logger() *slog.Logger {
	if cfg.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.LogHandler)
}

func (cfg *TransportConfig) sink() metrics.MetricSink {
	if cfg.MetricSink == nil {
		return &metrics.BlackholeSink{}
	}
	return cfg.MetricSink
}

func (cfg *TransportConfig) dialTimeout() time.Duration {
	if cfg.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return cfg.DialTimeout
}

func (cfg *TransportConfig) advertised(port int) NodeAddress {
	host := cfg.AdvertiseHost
	if host == "" {
		host = cfg.BindAddr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return NodeAddress{Host: host, Port: port}
}

// classifySendErr tells apart a destination that did not answer in time
// from any other transport failure.
func classifySendErr(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

// deadlineContext derives the context an inbound request is served under.
func deadlineContext(parent context.Context, req *wire.Request) (context.Context, context.CancelFunc) {
	if req.Deadline == 0 {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, time.Unix(0, req.Deadline))
}

// protocolError builds the response sent back for an envelope that could
// not be decoded.
func protocolError(correlationID string, err error) *wire.Response {
	return &wire.Response{
		CorrelationID: correlationID,
		Error:         wire.CodeProtocol,
		ErrorMessage:  err.Error(),
	}
}
