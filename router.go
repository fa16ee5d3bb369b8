package meshroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshroute/pkg/wire"
	"golang.org/x/sync/semaphore"
)

// Strategy decides which destination serves a call.
type Strategy uint8

const (
	// FirstFound serves the call locally when possible, otherwise sends it
	// to the first peer returned by `Registry.LookupCluster`. A failed send
	// is not retried on another peer.
	FirstFound Strategy = iota
)

func (s Strategy) String() string {
	switch s {
	case FirstFound:
		return "first_found"
	default:
		return "unknown"
	}
}

type callConfig struct {
	strategy Strategy
	timeout  time.Duration
}

// CallOption tunes a single call.
type CallOption func(*callConfig)

func WithStrategy(strategy Strategy) CallOption {
	return func(c *callConfig) {
		c.strategy = strategy
	}
}

const defaultCallTimeout = 5 * time.Second

// WithCallTimeout bounds the call, overriding the node default when positive.
// The deadline of the context passed to `Call` still applies if it is sooner.
func WithCallTimeout(timeout time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = timeout
	}
}

// responseObserver is told about every response received from a peer.
type responseObserver interface {
	Observe(from NodeAddress, resp *wire.Response)
}

// Router resolves a service path to a destination and dispatches the call.
type Router struct {
	reg      *Registry
	tr       Transport
	self     func() wire.Descriptor
	observer responseObserver

	// independent from the probe budget so application calls never
	// starve liveness probing.
	sem     *semaphore.Weighted
	timeout time.Duration

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func (r *Router) Call(ctx context.Context, path string, payload []byte, opts ...CallOption) ([]byte, error) {
	cfg := callConfig{strategy: FirstFound, timeout: r.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.strategy != FirstFound {
		return nil, fmt.Errorf("%w: unsupported strategy %s", ErrInvalidCfg, cfg.strategy)
	}

	// every call is bounded, a non positive timeout means the default.
	if cfg.timeout <= 0 {
		cfg.timeout = r.timeout
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	start := time.Now()
	body, route, err := r.firstFound(ctx, path, payload)

	mLabels := withLabels(r.labels, LabelRoute.M(route))
	r.msink.IncrCounterWithLabels(MetricCallCount, 1.0, mLabels)
	r.msink.AddSampleWithLabels(MetricCallLatencyMs, float32(time.Since(start).Milliseconds()), mLabels)
	if err != nil {
		r.msink.IncrCounterWithLabels(MetricCallErrorCount, 1.0,
			append(mLabels, LabelKind.M(KindOf(err).String())))
		r.logger.Debug("call failed", LabelPath.L(path), LabelRoute.L(route), LabelError.L(err))
		return nil, err
	}
	return body, nil
}

func (r *Router) firstFound(ctx context.Context, path string, payload []byte) ([]byte, string, error) {
	// local-first: never leave the node when we can serve ourselves.
	if handler, err := r.reg.LookupLocal(path); err == nil {
		body, err := serve(ctx, handler, payload)
		if err != nil {
			return nil, "local", localFailure(ctx, path, err)
		}
		return body, "local", nil
	}

	candidates := r.reg.LookupCluster(path)
	if len(candidates) == 0 {
		return nil, "none", &CallError{Kind: KindNotFound, Path: path, Local: true}
	}
	dest := candidates[0]

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, "remote", &CallError{
			Kind:    KindTimeout,
			Path:    path,
			Local:   true,
			Message: "too many calls in flight",
			cause:   err,
		}
	}
	defer r.sem.Release(1)

	req := &wire.Request{
		Type:          wire.TypeCall,
		CorrelationID: uuid.NewString(),
		ServicePath:   path,
		Payload:       payload,
		Sender:        r.self(),
	}
	if dl, ok := ctx.Deadline(); ok {
		req.Deadline = dl.UnixNano()
	}

	logger := r.logger.With(LabelCorrelation.L(req.CorrelationID), LabelPeerAddr.L(dest))
	logger.Debug("sending call", LabelPath.L(path))

	resp, err := r.tr.Send(ctx, dest, req)
	if err != nil {
		return nil, "remote", &CallError{
			Kind:  classifySendErr(err),
			Path:  path,
			Addr:  dest,
			cause: err,
		}
	}
	if resp.CorrelationID != req.CorrelationID {
		return nil, "remote", &CallError{
			Kind:    KindTransport,
			Path:    path,
			Addr:    dest,
			Message: "correlation id mismatch",
			cause:   ErrProtocolViolation,
		}
	}

	r.reg.Touch(dest, time.Now())
	if r.observer != nil {
		r.observer.Observe(dest, resp)
	}

	if resp.Error != wire.CodeNone {
		return nil, "remote", &CallError{
			Kind:    kindFromCode(resp.Error),
			Path:    path,
			Addr:    dest,
			Message: resp.ErrorMessage,
		}
	}
	return resp.Body, "remote", nil
}

func localFailure(ctx context.Context, path string, err error) *CallError {
	kind := KindHandler
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		kind = KindTimeout
	}
	return &CallError{
		Kind:    kind,
		Path:    path,
		Local:   true,
		Message: err.Error(),
		cause:   err,
	}
}
