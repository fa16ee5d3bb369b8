package meshroute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshroute/pkg/wire"
	"golang.org/x/sync/semaphore"
)

// Node is one process of the mesh. It serves its registered handlers to the
// other nodes, discovers them, and routes calls to whoever serves a path.
type Node struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	reg    *Registry
	router *Router
	tr     Transport
	disc   Discovery

	// synchronisation
	lk      sync.Mutex
	started bool
	self    atomic.Pointer[NodeAddress]

	// serialises Start and Shutdown.
	lifecycle sync.Mutex

	seedsLk    sync.Mutex
	knownSeeds map[NodeAddress]struct{}

	// in-flight calls are cancelled with callsCtx on shutdown.
	calls       sync.WaitGroup
	callsCtx    context.Context
	cancelCalls context.CancelFunc

	// 2-phase close:
	// phase 1: shutdown notification, graceful termination.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// Result is the single terminal outcome of an asynchronous call.
type Result struct {
	Body []byte
	Err  error
}

func NewNode(opts ...Option) (*Node, error) {
	n := &Node{
		config:     defaultConfig(),
		knownSeeds: make(map[NodeAddress]struct{}),
		shutdownCh: make(chan struct{}),
	}
	n.callsCtx, n.cancelCalls = context.WithCancel(context.Background())

	for _, opt := range opts {
		if err := opt(&n.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	cfg := &n.config

	// Logging implementations.
	if cfg.logHandler != nil {
		n.logger = slog.New(cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	if cfg.name != "" {
		n.logger = n.logger.With("node", cfg.name)
	}

	// Metrics implementations.
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
		cfg.trCfg.MetricSink = cfg.msink
	}
	n.msink = cfg.msink

	n.reg = NewRegistry(n.logger, n.msink, cfg.metricLabels)

	switch {
	case cfg.customTr != nil:
		n.tr = cfg.customTr
	case cfg.transport == TransportQUIC:
		tr, err := NewQUICTransport(&cfg.trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.tr = tr
	default:
		n.tr = NewHTTPTransport(&cfg.trCfg)
	}

	if cfg.mlCfg != nil {
		cfg.mlCfg.Name = cfg.name
		cfg.mlCfg.Logger = slog.NewLogLogger(n.logger.Handler(), slog.LevelDebug)
		cfg.mlCfg.MetricLabels = toLegacyLabels(cfg.metricLabels)
		// gossip over the mTLS QUIC endpoint instead of plaintext UDP/TCP.
		if qtr, ok := n.tr.(*QUICTransport); ok {
			cfg.mlCfg.Transport = qtr
			cfg.mlCfg.UDPBufferSize = gossipPacketSize
		}
		n.disc = newMemberlistDiscovery(n.reg, cfg.mlCfg, n.logger, n.msink, cfg.metricLabels)
	} else {
		n.disc = newProbeEngine(n.reg, n.tr, cfg.probe, n.logger, n.msink, cfg.metricLabels)
	}

	n.router = &Router{
		reg:      n.reg,
		tr:       n.tr,
		self:     n.describe,
		observer: n.disc,
		sem:      semaphore.NewWeighted(cfg.maxInflightCalls),
		timeout:  cfg.callTimeout,
		logger:   n.logger,
		msink:    n.msink,
		labels:   cfg.metricLabels,
	}
	return n, nil
}

// Register exposes handler under path. It can be called before or after
// `Start`, a registration made after is advertised on the next probe.
func (n *Node) Register(path string, handler Handler) error {
	if err := n.reg.Register(path, handler); err != nil {
		return err
	}

	n.lk.Lock()
	started := n.started && !n.shutdown
	n.lk.Unlock()
	if started {
		n.disc.Advertise()
	}
	return nil
}

// Start listens for envelopes and starts discovering the cluster from the
// configured seeds. It does not wait for seeds to answer.
func (n *Node) Start(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.lk.Lock()
	shutdown, started := n.shutdown, n.started
	n.lk.Unlock()
	if shutdown {
		return ErrNodeClosed
	}
	if started {
		return nil
	}

	self, err := n.tr.Listen(n.handleInbound)
	if err != nil {
		return err
	}
	n.self.Store(&self)
	n.reg.setSelf(self)

	seedAddr, err := n.disc.Start(self, n.describe)
	if err != nil {
		return err
	}
	// our own seed address may come back from the provider.
	n.seedsLk.Lock()
	n.knownSeeds[seedAddr] = struct{}{}
	n.seedsLk.Unlock()

	n.lk.Lock()
	n.started = true
	n.lk.Unlock()

	if registrar, ok := n.config.seeds.(SeedRegistrar); ok {
		if err := registrar.Announce(ctx, seedAddr, n.config.name); err != nil {
			n.logger.Warn("could not announce as seed", LabelError.L(err))
		}
	}

	n.discoverSeeds(ctx)
	n.wg.Add(1)
	go n.pollSeeds()

	n.logger.Info("node started", "addr", self, "seed_addr", seedAddr)
	return nil
}

// Join synchronously contacts seeds and returns how many answered. It is
// only needed to join peers that are not in the seed list.
func (n *Node) Join(ctx context.Context, seeds ...string) (int, error) {
	n.lk.Lock()
	started, shutdown := n.started, n.shutdown
	n.lk.Unlock()
	if shutdown {
		return 0, ErrNodeClosed
	}
	if !started {
		return 0, fmt.Errorf("%w: node is not started", ErrJoinCluster)
	}

	addrs := make([]NodeAddress, 0, len(seeds))
	for _, seed := range seeds {
		addr, err := ParseAddress(seed)
		if err != nil {
			return 0, err
		}
		addrs = append(addrs, addr)
	}

	joined, err := n.disc.Join(ctx, addrs)
	if err != nil {
		return joined, err
	}
	n.logger.Info("cluster joined", "joined", joined, "expected", len(addrs))
	return joined, nil
}

// Call serves path, locally if possible, remotely otherwise. It returns the
// body produced by the handler, or a `*CallError`.
//
// Call can be used before `Start`, only local handlers are reachable then.
func (n *Node) Call(ctx context.Context, path string, payload []byte, opts ...CallOption) ([]byte, error) {
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil, ErrNodeClosed
	}
	n.calls.Add(1)
	n.lk.Unlock()
	defer n.calls.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(n.callsCtx, cancel)
	defer stop()

	return n.router.Call(ctx, path, payload, opts...)
}

// CallAsync is `Call` returning a channel which yields exactly one `Result`
// and is then closed.
func (n *Node) CallAsync(ctx context.Context, path string, payload []byte, opts ...CallOption) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		body, err := n.Call(ctx, path, payload, opts...)
		ch <- Result{Body: body, Err: err}
	}()
	return ch
}

// Address returns the address other nodes use to reach us, it is zero
// until `Start` returns.
func (n *Node) Address() NodeAddress {
	if self := n.self.Load(); self != nil {
		return *self
	}
	return NodeAddress{}
}

func (n *Node) Registry() *Registry {
	return n.reg
}

// Peers returns our current view of the cluster, in discovery order.
func (n *Node) Peers() []NodeDescriptor {
	return n.reg.Peers()
}

// ScanPaths lists the paths served by us or a known peer starting with
// prefix.
func (n *Node) ScanPaths(prefix string) []string {
	return n.reg.ScanPaths(prefix)
}

func (n *Node) Shutdown() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	started := n.started
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	n.logger.Debug("shutdown: cancel in-flight calls")
	n.cancelCalls()
	n.calls.Wait()

	if registrar, ok := n.config.seeds.(SeedRegistrar); ok && started {
		n.logger.Debug("shutdown: withdraw from seeds")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := registrar.Withdraw(ctx); err != nil {
			n.logger.Warn("could not withdraw from seeds", LabelError.L(err))
		}
		cancel()
	}

	var errs []error
	if started {
		n.logger.Debug("shutdown: leave cluster")
		errs = append(errs, n.disc.Stop())
	}

	// Phase 2: Drop all resources.
	n.logger.Debug("shutdown: release transport")
	errs = append(errs, n.tr.Close())
	if closer, ok := n.config.seeds.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}

	n.logger.Debug("shutdown: wait for sub-tasks to finish")
	n.wg.Wait()

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return errors.Join(errs...)
}

func (n *Node) isShuttingDown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// describe is how we advertise ourselves to peers.
func (n *Node) describe() wire.Descriptor {
	return wire.Descriptor{
		Addr:     n.Address().String(),
		Name:     n.config.name,
		Paths:    n.reg.LocalPaths(),
		LastSeen: time.Now().UnixNano(),
	}
}

func (n *Node) handleInbound(ctx context.Context, req *wire.Request) *wire.Response {
	mLabels := withLabels(n.config.metricLabels, LabelMessageType.M(req.Type.String()))
	n.msink.IncrCounterWithLabels(MetricInboundCount, 1.0, mLabels)

	if err := req.Validate(); err != nil {
		n.msink.IncrCounterWithLabels(MetricInboundErrorCount, 1.0,
			append(mLabels, LabelError.M("protocol_violation")))
		return protocolError(req.CorrelationID, err)
	}
	if n.isShuttingDown() {
		return &wire.Response{
			CorrelationID: req.CorrelationID,
			Error:         wire.CodeShuttingDown,
			ErrorMessage:  ErrNodeClosed.Error(),
		}
	}

	n.disc.Inbound(req)

	resp := &wire.Response{
		CorrelationID: req.CorrelationID,
		Responder:     n.describe(),
	}
	for _, addr := range n.reg.AlivePeers() {
		resp.Summary = append(resp.Summary, addr.String())
	}

	switch req.Type {
	case wire.TypeJoin:
		for _, peer := range n.reg.Peers() {
			if peer.Status != StatusAlive || peer.Address.String() == req.Sender.Addr {
				continue
			}
			resp.Cluster = append(resp.Cluster, peer.toWire())
		}
	case wire.TypeCall:
		n.serveCall(ctx, req, resp)
		if resp.Error != wire.CodeNone {
			n.msink.IncrCounterWithLabels(MetricInboundErrorCount, 1.0,
				append(mLabels, LabelKind.M(kindFromCode(resp.Error).String())))
		}
	}
	return resp
}

// serveCall never forwards: a node asked for a path it does not serve
// answers NotFound.
func (n *Node) serveCall(ctx context.Context, req *wire.Request, resp *wire.Response) {
	logger := n.logger.With(LabelCorrelation.L(req.CorrelationID), LabelPath.L(req.ServicePath))

	handler, err := n.reg.LookupLocal(req.ServicePath)
	if err != nil {
		resp.Error = wire.CodeNotFound
		resp.ErrorMessage = err.Error()
		return
	}

	body, err := serve(ctx, handler, req.Payload)
	if err != nil {
		callErr := localFailure(ctx, req.ServicePath, err)
		resp.Error = codeFromKind(callErr.Kind)
		resp.ErrorMessage = err.Error()
		logger.Debug("handler failed", LabelError.L(err), LabelKind.L(callErr.Kind.String()))
		return
	}
	resp.Body = body
}

// discoverSeeds hands newly found seeds to discovery.
func (n *Node) discoverSeeds(ctx context.Context) {
	seeds, err := n.config.seeds.Seeds(ctx)
	if err != nil {
		n.logger.Warn("could not list seeds", LabelError.L(err))
		return
	}

	self := n.Address()
	var fresh []NodeAddress
	n.seedsLk.Lock()
	for _, seed := range seeds {
		if _, known := n.knownSeeds[seed]; known || seed == self {
			continue
		}
		n.knownSeeds[seed] = struct{}{}
		fresh = append(fresh, seed)
	}
	n.seedsLk.Unlock()

	if len(fresh) > 0 {
		n.logger.Debug("new seeds", "count", len(fresh))
		n.disc.AddSeeds(fresh)
	}
}

func (n *Node) pollSeeds() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.seedPoll)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), n.config.seedPoll)
		n.discoverSeeds(ctx)
		cancel()
	}
}
