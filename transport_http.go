package meshroute

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshroute/pkg/wire"
)

// EnvelopePath is the HTTP route every envelope is posted to.
const EnvelopePath = "/meshroute/v1/envelope"

// HTTPTransport carries JSON envelopes over plain HTTP/1.1, or HTTPS when a
// `tls.Config` is given.
type HTTPTransport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	codec  wire.JSONCodec
	scheme string

	client *http.Client
	srv    *http.Server

	closed atomic.Bool
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(cfg *TransportConfig) *HTTPTransport {
	t := &HTTPTransport{
		cfg:    cfg,
		logger: cfg.logger().With("transport", "http"),
		msink:  cfg.sink(),
		scheme: "http",
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: cfg.dialTimeout()}).DialContext
	if cfg.TlsConfig != nil {
		tr.TLSClientConfig = cfg.TlsConfig.Clone()
		t.scheme = "https"
	}
	// no client-level timeout: every send carries its own deadline.
	t.client = &http.Client{Transport: tr}
	return t
}

func (t *HTTPTransport) Listen(handler InboundHandler) (NodeAddress, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(t.cfg.BindAddr, strconv.Itoa(t.cfg.BindPort)))
	if err != nil {
		return NodeAddress{}, fmt.Errorf("transport: failed to allocate TCP listener: %w", err)
	}
	if t.cfg.TlsConfig != nil {
		ln = tls.NewListener(ln, t.cfg.TlsConfig.Clone())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+EnvelopePath, func(w http.ResponseWriter, r *http.Request) {
		t.serveEnvelope(w, r, handler)
	})
	t.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: t.cfg.dialTimeout(),
		ErrorLog:          slog.NewLogLogger(t.logger.Handler(), slog.LevelWarn),
	}

	go func() {
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("unexpected HTTP listener closure", LabelError.L(err))
		}
	}()

	advertised := t.cfg.advertised(ln.Addr().(*net.TCPAddr).Port)
	t.logger.Info("listening for envelopes", "addr", ln.Addr().String(), "advertise", advertised)
	return advertised, nil
}

func (t *HTTPTransport) serveEnvelope(w http.ResponseWriter, r *http.Request, handler InboundHandler) {
	if t.closed.Load() {
		http.Error(w, ErrShutdown.Error(), http.StatusServiceUnavailable)
		return
	}

	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, wire.MaxFrameSize))
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			withLabels(t.cfg.MetricLabels, LabelError.M("read_body")))
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	var req wire.Request
	var resp *wire.Response
	if err := t.codec.UnmarshalRequest(buf, &req); err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			withLabels(t.cfg.MetricLabels, LabelError.M("protocol_violation")))
		t.logger.Warn("malformed envelope", LabelError.L(err), "remote", r.RemoteAddr)
		resp = protocolError("", err)
	} else {
		ctx, cancel := deadlineContext(r.Context(), &req)
		resp = handler(ctx, &req)
		cancel()
	}

	out, err := t.codec.MarshalResponse(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", t.codec.ContentType())
	if _, err := w.Write(out); err != nil {
		t.logger.Debug("could not write response", LabelError.L(err), "remote", r.RemoteAddr)
	}
}

func (t *HTTPTransport) Send(ctx context.Context, to NodeAddress, req *wire.Request) (*wire.Response, error) {
	if t.closed.Load() {
		return nil, ErrShutdown
	}

	buf, err := t.codec.MarshalRequest(req)
	if err != nil {
		return nil, err
	}

	url := t.scheme + "://" + to.String() + EnvelopePath
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", t.codec.ContentType())

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(to.String()))
	hresp, err := t.client.Do(hreq)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("send")))
		return nil, err
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("status")))
		return nil, fmt.Errorf("%w: %s answered %d", ErrUnexpectedStatus, to, hresp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(hresp.Body, wire.MaxFrameSize))
	if err != nil {
		return nil, err
	}

	var resp wire.Response
	if err := t.codec.UnmarshalResponse(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer t.client.CloseIdleConnections()
	if t.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.srv.Shutdown(ctx)
}
