package meshroute

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshroute/pkg/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Discovery keeps the `Registry` in sync with the rest of the cluster.
type Discovery interface {
	// Start begins discovery for the node reachable at self. describe is
	// called every time the node must advertise itself. It returns the
	// address other nodes must use as a seed to reach this discovery.
	Start(self NodeAddress, describe func() wire.Descriptor) (NodeAddress, error)

	// Join contacts seeds synchronously and returns how many answered.
	Join(ctx context.Context, seeds []NodeAddress) (int, error)

	// AddSeeds remembers seeds, they are contacted in the background.
	AddSeeds(seeds []NodeAddress)

	// Inbound is told about every envelope received from a peer.
	Inbound(req *wire.Request)

	// Observe is told about every response received from a peer.
	Observe(from NodeAddress, resp *wire.Response)

	// Advertise is called when the local path list changed.
	Advertise()

	Stop() error
}

type probeConfig struct {
	interval      time.Duration
	timeout       time.Duration
	graceFailures int
	maxInflight   int64
}

// probeEngine discovers peers by sending JOIN and PING envelopes on the
// node transport. Every known peer is probed by its own goroutine on its own
// ticker, so a slow peer never delays the probing of others.
//
// The `Registry` is the source of truth for the status of a peer: a peer
// absent from it is PROBING and gets JOIN envelopes, others get PING.
type probeEngine struct {
	reg  *Registry
	tr   Transport
	cfg  probeConfig
	sem  *semaphore.Weighted
	self NodeAddress

	describe func() wire.Descriptor

	lk    sync.Mutex
	peers map[NodeAddress]*peer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

var _ Discovery = (*probeEngine)(nil)

func newProbeEngine(
	reg *Registry,
	tr Transport,
	cfg probeConfig,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
) *probeEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &probeEngine{
		reg:    reg,
		tr:     tr,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.maxInflight),
		peers:  make(map[NodeAddress]*peer),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("discovery", "probe"),
		msink:  msink,
		labels: labels,
	}
}

func (e *probeEngine) Start(self NodeAddress, describe func() wire.Descriptor) (NodeAddress, error) {
	e.lk.Lock()
	defer e.lk.Unlock()
	e.self = self
	e.describe = describe
	return self, nil
}

func (e *probeEngine) Join(ctx context.Context, seeds []NodeAddress) (int, error) {
	var (
		lk     sync.Mutex
		joined int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range seeds {
		if seed == e.self {
			continue
		}
		seed := seed
		g.Go(func() error {
			resp, err := e.probe(gctx, seed, wire.TypeJoin)
			if err != nil {
				e.logger.Warn("could not join seed", LabelPeerAddr.L(seed), LabelError.L(err))
				return nil
			}
			e.absorb(seed, resp)
			lk.Lock()
			joined++
			lk.Unlock()
			return nil
		})
	}
	g.Wait()

	e.AddSeeds(seeds)
	if joined == 0 && len(seeds) > 0 {
		return 0, ErrJoinCluster
	}
	return joined, nil
}

func (e *probeEngine) AddSeeds(seeds []NodeAddress) {
	for _, seed := range seeds {
		e.ensurePeer(seed, true)
	}
}

func (e *probeEngine) Inbound(req *wire.Request) {
	sender, err := descriptorFromWire(req.Sender)
	if err != nil {
		return
	}
	sender.LastSeen = time.Now()
	e.merge(sender, true)
}

func (e *probeEngine) Observe(from NodeAddress, resp *wire.Response) {
	e.absorb(from, resp)
}

// Advertise is a no-op: the descriptor is built for every envelope.
func (e *probeEngine) Advertise() {}

func (e *probeEngine) Stop() error {
	// ensurePeer checks ctx under lk before adding to wg.
	e.lk.Lock()
	e.cancel()
	e.lk.Unlock()
	e.wg.Wait()
	return nil
}

// probe sends a JOIN or PING to addr under the probe budget.
func (e *probeEngine) probe(ctx context.Context, addr NodeAddress, typ wire.MessageType) (*wire.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
	defer cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	req := &wire.Request{
		Type:          typ,
		CorrelationID: uuid.NewString(),
		Sender:        e.describe(),
	}
	if dl, ok := ctx.Deadline(); ok {
		req.Deadline = dl.UnixNano()
	}

	mLabels := withLabels(e.labels, LabelMessageType.M(typ.String()))
	e.msink.IncrCounterWithLabels(MetricProbeCount, 1.0, mLabels)

	resp, err := e.tr.Send(ctx, addr, req)
	if err == nil {
		switch {
		case resp.CorrelationID != req.CorrelationID:
			err = ErrProtocolViolation
		case resp.Error != wire.CodeNone:
			err = &CallError{Kind: kindFromCode(resp.Error), Addr: addr, Message: resp.ErrorMessage}
		}
	}
	if err != nil {
		e.msink.IncrCounterWithLabels(MetricProbeErrorCount, 1.0,
			append(mLabels, LabelKind.M(classifySendErr(err).String())))
		return nil, err
	}
	return resp, nil
}

// absorb merges everything a peer told us in a response.
func (e *probeEngine) absorb(from NodeAddress, resp *wire.Response) {
	now := time.Now()
	if responder, err := descriptorFromWire(resp.Responder); err == nil {
		responder.LastSeen = now
		if responder.Address != from {
			e.logger.Debug("peer advertises another address",
				LabelPeerAddr.L(from), "advertised", responder.Address)
		}
		e.merge(responder, true)
	}

	for _, known := range resp.Cluster {
		desc, err := descriptorFromWire(known)
		if err != nil {
			continue
		}
		// stamped by another clock.
		if desc.LastSeen.After(now) {
			desc.LastSeen = now
		}
		e.merge(desc, false)
	}

	for _, raw := range resp.Summary {
		addr, err := ParseAddress(raw)
		if err != nil {
			continue
		}
		e.ensurePeer(addr, false)
	}
}

// merge applies desc to the registry. direct descriptors come from the peer
// itself and bypass last-write-wins.
func (e *probeEngine) merge(desc NodeDescriptor, direct bool) {
	previous, known := e.reg.Get(desc.Address)
	var merged bool
	if direct {
		merged = e.reg.MergeDirect(desc)
	} else {
		merged = e.reg.MergeRemote(desc)
	}
	if !merged {
		return
	}
	switch {
	case !known:
		e.transition(desc.Address, StatusProbing, StatusAlive)
	case previous.Status != StatusAlive:
		e.transition(desc.Address, previous.Status, StatusAlive)
	}
	e.ensurePeer(desc.Address, false)
}

func (e *probeEngine) transition(addr NodeAddress, from, to Status) {
	e.msink.IncrCounterWithLabels(MetricPeerTransitions, 1.0,
		withLabels(e.labels, LabelFromState.M(from.String()), LabelToState.M(to.String())))

	level := slog.LevelDebug
	if (to == StatusAlive && from == StatusProbing) || to == StatusDead {
		level = slog.LevelInfo
	}
	e.logger.Log(e.ctx, level, "peer changed status",
		LabelPeerAddr.L(addr), LabelFromState.L(from.String()), LabelToState.L(to.String()))
}

// ensurePeer starts probing addr if nobody does yet.
func (e *probeEngine) ensurePeer(addr NodeAddress, seed bool) {
	e.lk.Lock()
	defer e.lk.Unlock()
	if e.ctx.Err() != nil || addr == e.self || addr.IsZero() {
		return
	}

	if p, has := e.peers[addr]; has {
		if seed {
			p.seed.Store(true)
		}
		return
	}

	p := &peer{addr: addr, engine: e}
	p.seed.Store(seed)
	e.peers[addr] = p
	e.wg.Add(1)
	go p.run()
}

func (e *probeEngine) forget(p *peer) {
	e.lk.Lock()
	defer e.lk.Unlock()
	if current, has := e.peers[p.addr]; has && current == p {
		delete(e.peers, p.addr)
	}
}

// probedPeers lists the addresses currently probed, for tests and topology.
func (e *probeEngine) probedPeers() []NodeAddress {
	e.lk.Lock()
	defer e.lk.Unlock()
	addrs := make([]NodeAddress, 0, len(e.peers))
	for addr := range e.peers {
		addrs = append(addrs, addr)
	}
	return addrs
}
