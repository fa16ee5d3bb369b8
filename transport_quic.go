package meshroute

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/meshroute/pkg/wire"
)

const (
	defaultUDPBufferSize int = 1 << 21

	// ALPN negotiated by every meshroute QUIC connection.
	ALPN = "meshroute/1"
)

// streamMode is the first byte written on every stream.
type streamMode byte

const (
	streamModeEnvelope streamMode = iota + 1
	streamModeGossip
)

// QUICTransport carries protobuf-encoded envelopes over QUIC. Each envelope
// uses its own bidirectional stream, multiplexed on one connection per peer.
//
// mTLS is mandatory: the `tls.Config` must present a certificate and verify
// the one of the peer.
type QUICTransport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	codec  wire.ProtoCodec

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	handler InboundHandler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// outbound connections, keyed by the advertised address of the peer.
	cxs     map[NodeAddress]quic.Connection
	cxsLock sync.Mutex

	// memberlist protocol, see transport_gossip.go.
	packetCh   chan *memberlist.Packet
	streamCh   chan net.Conn
	gossipDone chan struct{}
	gossipOnce sync.Once

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

var _ Transport = (*QUICTransport)(nil)

func NewQUICTransport(cfg *TransportConfig) (t *QUICTransport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &QUICTransport{
		cfg:    cfg,
		logger: cfg.logger().With("transport", "quic"),
		msink:  cfg.sink(),
		cxs:    make(map[NodeAddress]quic.Connection),

		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
		gossipDone: make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}
	return t, nil
}

func (t *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:             []quic.Version{quic.Version2, quic.Version1},
		HandshakeIdleTimeout: t.cfg.dialTimeout(),
		MaxIdleTimeout:       1 * time.Minute,
		KeepAlivePeriod:      15 * time.Second,
		MaxIncomingStreams:   10000,
		EnableDatagrams:      true,
	}
}

func (t *QUICTransport) tlsConfig() *tls.Config {
	tc := t.cfg.TlsConfig.Clone()
	tc.NextProtos = []string{ALPN}
	return tc
}

func (t *QUICTransport) Listen(handler InboundHandler) (NodeAddress, error) {
	ln, err := t.tr.Listen(t.tlsConfig(), t.quicConfig())
	if err != nil {
		return NodeAddress{}, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln
	t.handler = handler

	t.wg.Add(1)
	go t.acceptCx()

	advertised := t.cfg.advertised(t.udpLn.LocalAddr().(*net.UDPAddr).Port)
	t.logger.Info("listening for envelopes", "addr", t.udpLn.LocalAddr().String(), "advertise", advertised)
	return advertised, nil
}

func (t *QUICTransport) Send(ctx context.Context, to NodeAddress, req *wire.Request) (*wire.Response, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	buf, err := t.codec.MarshalRequest(req)
	if err != nil {
		return nil, err
	}

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(to.String()))
	conn, err := t.getActiveCx(ctx, to)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("no_conn_to_host")))
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("cannot_open_stream")))
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
	})
	defer stop()

	if _, err := stream.Write([]byte{byte(streamModeEnvelope)}); err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("cannot_write_mode")))
		return nil, errors.Join(ctx.Err(), err)
	}
	if err := wire.WriteFrame(stream, buf); err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("cannot_write_frame")))
		return nil, errors.Join(ctx.Err(), err)
	}
	// half-close, we only read from now on.
	stream.Close()

	frame, err := wire.ReadFrame(stream)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("cannot_read_frame")))
		return nil, errors.Join(ctx.Err(), err)
	}

	var resp wire.Response
	if err := t.codec.UnmarshalResponse(frame, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *QUICTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	t.cancel()

	t.cxsLock.Lock()
	for addr, cx := range t.cxs {
		QErrShutdown.Close(cx, "we are shutting down! bye!")
		delete(t.cxs, addr)
	}
	t.cxsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *QUICTransport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *QUICTransport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.msink.IncrCounterWithLabels(MetricTransportConnCount, 1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(conn.RemoteAddr().String())))
		t.wg.Add(2)
		go t.handleStreams(conn)
		go t.receiveDatagrams(conn)
	}
}

func (t *QUICTransport) handleStreams(conn quic.Connection) {
	defer t.wg.Done()
	logger := t.logger.With("remote", conn.RemoteAddr().String())
	ctx := conn.Context()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if !t.gracefulTerm.Load() && ctx.Err() == nil {
				logger.Warn("error accepting stream", LabelError.L(err))
			}
			return
		}

		t.wg.Add(1)
		go t.dispatchStream(conn, stream, logger)
	}
}

// dispatchStream reads the mode of a new stream and hands it to the
// envelope handler or to memberlist.
func (t *QUICTransport) dispatchStream(conn quic.Connection, stream quic.Stream, logger *slog.Logger) {
	defer t.wg.Done()
	logger = logger.With("stream_id", stream.StreamID())

	stream.SetReadDeadline(time.Now().Add(t.cfg.dialTimeout()))
	var mode [1]byte
	if _, err := io.ReadFull(stream, mode[:]); err != nil {
		logger.Debug("stream closed before its mode was sent", LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return
	}

	switch streamMode(mode[0]) {
	case streamModeEnvelope:
		t.serveStream(stream, logger)
	case streamModeGossip:
		stream.SetReadDeadline(time.Time{})
		t.acceptGossipStream(conn, stream)
	default:
		logger.Warn("protocol violation", LabelError.L(ErrUnknownStreamMode), "mode", mode[0])
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			withLabels(t.cfg.MetricLabels, LabelError.M("protocol_violation")))
	}
}

func (t *QUICTransport) serveStream(stream quic.Stream, logger *slog.Logger) {
	mLabels := t.cfg.MetricLabels

	frame, err := wire.ReadFrame(stream)
	if err != nil {
		logger.Warn("protocol violation: could not read envelope", LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			withLabels(mLabels, LabelError.M("protocol_violation")))
		return
	}

	var req wire.Request
	var resp *wire.Response
	if err := t.codec.UnmarshalRequest(frame, &req); err != nil {
		logger.Warn("protocol violation: malformed envelope", LabelError.L(err))
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			withLabels(mLabels, LabelError.M("protocol_violation")))
		resp = protocolError("", err)
	} else {
		ctx, cancel := deadlineContext(t.ctx, &req)
		resp = t.handler(ctx, &req)
		cancel()
	}

	out, err := t.codec.MarshalResponse(resp)
	if err != nil {
		stream.CancelWrite(QErrStreamProtocolViolation)
		return
	}

	stream.SetWriteDeadline(time.Now().Add(t.cfg.dialTimeout()))
	if err := wire.WriteFrame(stream, out); err != nil {
		logger.Debug("could not write response", LabelError.L(err))
		return
	}
	stream.Close()
}

func (t *QUICTransport) getActiveCx(ctx context.Context, to NodeAddress) (quic.Connection, error) {
	t.cxsLock.Lock()
	cx, hasCx := t.cxs[to]
	t.cxsLock.Unlock()
	if hasCx && cx.Context().Err() == nil {
		return cx, nil
	}
	return t.dial(ctx, to)
}

func (t *QUICTransport) dial(ctx context.Context, to NodeAddress) (quic.Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", to.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAddrInvalid, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.dialTimeout())
	defer cancel()
	cx, err := t.tr.Dial(dialCtx, addr, t.tlsConfig(), t.quicConfig())
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}

	t.cxsLock.Lock()
	defer t.cxsLock.Unlock()
	if current, has := t.cxs[to]; has && current.Context().Err() == nil {
		// someone else dialed concurrently, keep theirs
		QErrInternal.Close(cx, "duplicate connection")
		return current, nil
	}
	t.cxs[to] = cx
	t.msink.IncrCounterWithLabels(MetricTransportConnCount, 1.0,
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(to.String())))
	t.logger.Debug("new connection to peer", LabelPeerAddr.L(to))
	return cx, nil
}
