package meshroute

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/meshroute/pkg/wire"
)

// memberlistDiscovery delegates liveness to the SWIM protocol of memberlist.
// The node metadata gossiped by memberlist carries the transport address,
// name and paths of every node, which is all the `Registry` needs.
//
// Seeds are gossip addresses here, not transport addresses.
type memberlistDiscovery struct {
	reg   *Registry
	mlCfg *memberlist.Config
	ml    *memberlist.Memberlist
	codec wire.ProtoCodec

	lk       sync.Mutex
	describe func() wire.Descriptor
	// memberlist node name -> transport address from its metadata.
	members map[string]NodeAddress

	wg     sync.WaitGroup
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

var (
	_ Discovery                = (*memberlistDiscovery)(nil)
	_ memberlist.Delegate      = (*memberlistDiscovery)(nil)
	_ memberlist.EventDelegate = (*memberlistDiscovery)(nil)
)

func newMemberlistDiscovery(
	reg *Registry,
	mlCfg *memberlist.Config,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
) *memberlistDiscovery {
	return &memberlistDiscovery{
		reg:     reg,
		mlCfg:   mlCfg,
		members: make(map[string]NodeAddress),
		logger:  logger.With("discovery", "memberlist"),
		msink:   msink,
		labels:  labels,
	}
}

func (g *memberlistDiscovery) Start(self NodeAddress, describe func() wire.Descriptor) (NodeAddress, error) {
	g.lk.Lock()
	g.describe = describe
	g.lk.Unlock()

	if g.mlCfg.Name == "" {
		g.mlCfg.Name = self.String()
	}
	g.mlCfg.Delegate = g
	g.mlCfg.Events = g

	ml, err := memberlist.Create(g.mlCfg)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.ml = ml

	local := ml.LocalNode()
	return NodeAddress{Host: local.Addr.String(), Port: int(local.Port)}, nil
}

func (g *memberlistDiscovery) Join(ctx context.Context, seeds []NodeAddress) (int, error) {
	existing := make([]string, len(seeds))
	for i, seed := range seeds {
		existing[i] = seed.String()
	}

	type result struct {
		joined int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		joined, err := g.ml.Join(existing)
		done <- result{joined, err}
	}()

	select {
	case res := <-done:
		if res.joined == 0 && len(seeds) > 0 {
			return 0, fmt.Errorf("%w: %w", ErrJoinCluster, res.err)
		}
		if res.err != nil {
			g.logger.Warn("not all seeds are reachable", "joined", res.joined, "expected", len(seeds), LabelError.L(res.err))
		}
		return res.joined, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrJoinCluster, ctx.Err())
	}
}

func (g *memberlistDiscovery) AddSeeds(seeds []NodeAddress) {
	if len(seeds) == 0 {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.mlCfg.TCPTimeout*time.Duration(len(seeds)+1))
		defer cancel()
		if _, err := g.Join(ctx, seeds); err != nil {
			g.logger.Warn("could not join seeds", LabelError.L(err))
		}
	}()
}

// Inbound is a no-op: memberlist owns liveness.
func (g *memberlistDiscovery) Inbound(*wire.Request) {}

// Observe is a no-op: memberlist owns liveness.
func (g *memberlistDiscovery) Observe(NodeAddress, *wire.Response) {}

func (g *memberlistDiscovery) Advertise() {
	if g.ml == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.ml.UpdateNode(5 * time.Second); err != nil {
			g.logger.Warn("could not propagate local paths", LabelError.L(err))
		}
	}()
}

func (g *memberlistDiscovery) Stop() error {
	if g.ml == nil {
		return nil
	}
	g.wg.Wait()
	if err := g.ml.Leave(5 * time.Second); err != nil {
		g.logger.Warn("could not leave the cluster gracefully", LabelError.L(err))
	}
	return g.ml.Shutdown()
}

func (g *memberlistDiscovery) NodeMeta(limit int) []byte {
	g.lk.Lock()
	describe := g.describe
	g.lk.Unlock()
	if describe == nil {
		return nil
	}

	desc := describe()
	// only the local clock matters for memberlist
	desc.LastSeen = 0
	meta := g.codec.MarshalDescriptor(&desc)
	for len(meta) > limit && len(desc.Paths) > 0 {
		desc.Paths = desc.Paths[:len(desc.Paths)-1]
		meta = g.codec.MarshalDescriptor(&desc)
	}
	if dropped := len(describe().Paths) - len(desc.Paths); dropped > 0 {
		g.logger.Warn("too many paths to fit in gossip metadata", "dropped", dropped)
	}
	return meta
}

func (g *memberlistDiscovery) NotifyMsg([]byte) {}

func (g *memberlistDiscovery) GetBroadcasts(int, int) [][]byte {
	return nil
}

func (g *memberlistDiscovery) LocalState(bool) []byte {
	return nil
}

func (g *memberlistDiscovery) MergeRemoteState([]byte, bool) {}

func (g *memberlistDiscovery) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer joined cluster")
	g.record(node)
}

func (g *memberlistDiscovery) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer updated")
	g.record(node)
}

func (g *memberlistDiscovery) NotifyLeave(node *memberlist.Node) {
	logger := withLogNode(g.logger, node)

	g.lk.Lock()
	addr, has := g.members[node.Name]
	delete(g.members, node.Name)
	g.lk.Unlock()

	if has && g.reg.Evict(addr) {
		logger.Info("peer left cluster", LabelPeerAddr.L(addr))
		g.msink.IncrCounterWithLabels(MetricPeerEvictions, 1.0, g.labels)
		g.msink.IncrCounterWithLabels(MetricPeerTransitions, 1.0,
			withLabels(g.labels, LabelFromState.M(StatusAlive.String()), LabelToState.M(StatusDead.String())))
	}
}

func (g *memberlistDiscovery) record(node *memberlist.Node) {
	if node.Name == g.mlCfg.Name || len(node.Meta) == 0 {
		return
	}

	logger := withLogNode(g.logger, node)
	var raw wire.Descriptor
	if err := g.codec.UnmarshalDescriptor(node.Meta, &raw); err != nil {
		logger.Warn("peer sent invalid metadata", LabelError.L(err))
		return
	}
	desc, err := descriptorFromWire(raw)
	if err != nil {
		logger.Warn("peer advertises an invalid address", LabelError.L(err))
		return
	}
	desc.LastSeen = time.Now()

	g.lk.Lock()
	previous, had := g.members[node.Name]
	g.members[node.Name] = desc.Address
	g.lk.Unlock()

	if had && previous != desc.Address {
		// the node moved its transport, forget the old one
		g.reg.Evict(previous)
	}
	if g.reg.MergeRemote(desc) && !had {
		logger.Info("new peer discovered", LabelPeerAddr.L(desc.Address))
		g.msink.IncrCounterWithLabels(MetricPeerTransitions, 1.0,
			withLabels(g.labels, LabelFromState.M(StatusProbing.String()), LabelToState.M(StatusAlive.String())))
	}
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		"gossip_addr", net.JoinHostPort(node.Addr.String(), fmt.Sprint(node.Port)),
	)
}
