package meshroute

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshroute/pkg/wire"
	"github.com/stretchr/testify/require"
)

func startMemNode(t *testing.T, mesh *memNetwork, port int, paths ...string) *Node {
	t.Helper()
	node := newMemNode(t, mesh, port)
	for _, path := range paths {
		require.NoError(t, node.Register(path, echoHandler()))
	}
	require.NoError(t, node.Start(context.Background()))
	return node
}

func TestDiscovery_JoinConverges(t *testing.T) {
	mesh := newMemNetwork()
	seed := startMemNode(t, mesh, 1, "task/cpu")
	joiner := startMemNode(t, mesh, 2, "task/io")

	joined, err := joiner.Join(context.Background(), seed.Address().String())
	require.NoError(t, err)
	require.Equal(t, 1, joined)

	// the JOIN exchange is enough for both sides to learn each other.
	require.Equal(t, []NodeAddress{seed.Address()}, joiner.Registry().LookupCluster("task/cpu"))
	require.Equal(t, []NodeAddress{joiner.Address()}, seed.Registry().LookupCluster("task/io"))

	peers := seed.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "node2", peers[0].Name)
	require.Equal(t, StatusAlive, peers[0].Status)
}

func TestDiscovery_JoinFailsWithoutSeed(t *testing.T) {
	mesh := newMemNetwork()
	node := startMemNode(t, mesh, 1)

	_, err := node.Join(context.Background(), memAddr(9).String())
	require.ErrorIs(t, err, ErrJoinCluster)

	_, err = node.Join(context.Background(), "not an address")
	require.ErrorIs(t, err, ErrAddrInvalid)
}

func TestDiscovery_RegisterAfterStartIsAdvertised(t *testing.T) {
	mesh := newMemNetwork()
	seed := startMemNode(t, mesh, 1)
	joiner := startMemNode(t, mesh, 2)
	_, err := joiner.Join(context.Background(), seed.Address().String())
	require.NoError(t, err)

	require.NoError(t, seed.Register("task/late", echoHandler()))
	require.Eventually(t, func() bool {
		return slices.Equal(joiner.Registry().LookupCluster("task/late"), []NodeAddress{seed.Address()})
	}, time.Second, 5*time.Millisecond)
}

func TestDiscovery_Transitive(t *testing.T) {
	mesh := newMemNetwork()
	hub := startMemNode(t, mesh, 1)
	left := startMemNode(t, mesh, 2, "task/left")
	right := startMemNode(t, mesh, 3, "task/right")

	_, err := left.Join(context.Background(), hub.Address().String())
	require.NoError(t, err)
	_, err = right.Join(context.Background(), hub.Address().String())
	require.NoError(t, err)

	// left and right never talked directly, the hub summary introduces them.
	require.Eventually(t, func() bool {
		return slices.Equal(left.Registry().LookupCluster("task/right"), []NodeAddress{right.Address()}) &&
			slices.Equal(right.Registry().LookupCluster("task/left"), []NodeAddress{left.Address()})
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDiscovery_EvictionAndSeedRejoin(t *testing.T) {
	mesh := newMemNetwork()
	seed := startMemNode(t, mesh, 1, "task/cpu")
	joiner := startMemNode(t, mesh, 2)
	_, err := joiner.Join(context.Background(), seed.Address().String())
	require.NoError(t, err)
	require.NotEmpty(t, joiner.Registry().LookupCluster("task/cpu"))

	mesh.kill(seed.Address())
	require.Eventually(t, func() bool {
		_, known := joiner.Registry().Get(seed.Address())
		return !known && len(joiner.Registry().LookupCluster("task/cpu")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// seeds are probed again after eviction.
	mesh.revive(seed.Address())
	require.Eventually(t, func() bool {
		return slices.Equal(joiner.Registry().LookupCluster("task/cpu"), []NodeAddress{seed.Address()})
	}, 2*time.Second, 5*time.Millisecond)
}

func newTestEngine(t *testing.T, mesh *memNetwork, port int, cfg probeConfig) (*probeEngine, *Registry) {
	t.Helper()
	logger := slog.New(testLogHandler("engine"))
	reg := NewRegistry(logger, nil, nil)
	tr := mesh.transport(port)
	engine := newProbeEngine(reg, tr, cfg, logger, &metrics.BlackholeSink{}, nil)

	self := memAddr(port)
	reg.setSelf(self)
	_, err := engine.Start(self, func() wire.Descriptor {
		return wire.Descriptor{Addr: self.String(), Paths: reg.LocalPaths()}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Stop())
		require.NoError(t, tr.Close())
	})
	return engine, reg
}

func TestProbeEngine_SuspectStaysRoutable(t *testing.T) {
	mesh := newMemNetwork()
	first := startMemNode(t, mesh, 2, "task/cpu")
	second := startMemNode(t, mesh, 3, "task/cpu")

	engine, reg := newTestEngine(t, mesh, 1, probeConfig{
		interval:      10 * time.Millisecond,
		timeout:       20 * time.Millisecond,
		graceFailures: 1000,
		maxInflight:   4,
	})
	_, err := engine.Join(context.Background(), []NodeAddress{first.Address(), second.Address()})
	require.NoError(t, err)
	require.ElementsMatch(t, []NodeAddress{first.Address(), second.Address()}, reg.LookupCluster("task/cpu"))

	mesh.kill(first.Address())
	require.Eventually(t, func() bool {
		desc, known := reg.Get(first.Address())
		return known && desc.Status == StatusSuspect
	}, time.Second, 5*time.Millisecond)

	// suspects are still candidates, behind alive peers.
	require.Equal(t, []NodeAddress{second.Address(), first.Address()}, reg.LookupCluster("task/cpu"))

	mesh.revive(first.Address())
	require.Eventually(t, func() bool {
		desc, _ := reg.Get(first.Address())
		return desc.Status == StatusAlive
	}, time.Second, 5*time.Millisecond)
}

func TestProbeEngine_ForgetsUnreachablePeers(t *testing.T) {
	mesh := newMemNetwork()
	engine, reg := newTestEngine(t, mesh, 1, probeConfig{
		interval:      5 * time.Millisecond,
		timeout:       10 * time.Millisecond,
		graceFailures: 2,
		maxInflight:   4,
	})

	gone := memAddr(8)
	seed := memAddr(9)
	engine.ensurePeer(gone, false)
	engine.AddSeeds([]NodeAddress{seed})

	require.Eventually(t, func() bool {
		return !slices.Contains(engine.probedPeers(), gone)
	}, time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		return !slices.Contains(engine.probedPeers(), seed)
	}, 100*time.Millisecond, 5*time.Millisecond)
	require.Empty(t, reg.Peers())
	require.Positive(t, mesh.countSends(memAddr(1), wire.TypeJoin))
	require.Zero(t, mesh.countSends(memAddr(1), wire.TypePing))
}

func TestProbeEngine_NeverProbesItself(t *testing.T) {
	mesh := newMemNetwork()
	engine, _ := newTestEngine(t, mesh, 1, probeConfig{
		interval:      5 * time.Millisecond,
		timeout:       10 * time.Millisecond,
		graceFailures: 2,
		maxInflight:   4,
	})

	engine.AddSeeds([]NodeAddress{memAddr(1)})
	require.Empty(t, engine.probedPeers())
}

func TestProbeEngine_DirectAnswersBeatSnapshotClocks(t *testing.T) {
	mesh := newMemNetwork()
	target := startMemNode(t, mesh, 2, "task/cpu")

	// a seed whose clock runs one hour ahead.
	seedTr := mesh.transport(9)
	_, err := seedTr.Listen(func(_ context.Context, req *wire.Request) *wire.Response {
		return &wire.Response{
			CorrelationID: req.CorrelationID,
			Responder:     wire.Descriptor{Addr: memAddr(9).String()},
			Cluster: []wire.Descriptor{{
				Addr:     target.Address().String(),
				Paths:    []string{"task/cpu"},
				LastSeen: time.Now().Add(time.Hour).UnixNano(),
			}},
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { seedTr.Close() })

	engine, reg := newTestEngine(t, mesh, 1, probeConfig{
		interval:      5 * time.Millisecond,
		timeout:       20 * time.Millisecond,
		graceFailures: 1000,
		maxInflight:   4,
	})
	_, err = engine.Join(context.Background(), []NodeAddress{memAddr(9)})
	require.NoError(t, err)

	desc, known := reg.Get(target.Address())
	require.True(t, known)
	require.False(t, desc.LastSeen.After(time.Now()), "snapshot timestamps are clamped on receipt")

	require.NoError(t, target.Register("task/late", echoHandler()))
	require.Eventually(t, func() bool {
		return slices.Equal(reg.LookupCluster("task/late"), []NodeAddress{target.Address()})
	}, time.Second, 5*time.Millisecond)

	mesh.kill(target.Address())
	require.Eventually(t, func() bool {
		desc, _ := reg.Get(target.Address())
		return desc.Status == StatusSuspect
	}, time.Second, 5*time.Millisecond)

	mesh.revive(target.Address())
	require.Eventually(t, func() bool {
		desc, _ := reg.Get(target.Address())
		return desc.Status == StatusAlive
	}, time.Second, 5*time.Millisecond)
}

func TestProbeEngine_JoinSkipsSuspectPeers(t *testing.T) {
	mesh := newMemNetwork()
	hub := startMemNode(t, mesh, 1)
	healthy, suspect := memAddr(5), memAddr(6)
	now := time.Now()
	hub.Registry().MergeRemote(NodeDescriptor{Address: suspect, Paths: []string{"task/cpu"}, LastSeen: now})
	hub.Registry().MergeRemote(NodeDescriptor{Address: healthy, Paths: []string{"task/cpu"}, LastSeen: now})
	require.True(t, hub.Registry().SetStatus(suspect, StatusSuspect))
	require.Equal(t, []NodeAddress{healthy, suspect}, hub.Registry().LookupCluster("task/cpu"))

	engine, reg := newTestEngine(t, mesh, 2, probeConfig{
		interval:      time.Hour,
		timeout:       50 * time.Millisecond,
		graceFailures: 3,
		maxInflight:   4,
	})
	_, err := engine.Join(context.Background(), []NodeAddress{hub.Address()})
	require.NoError(t, err)

	_, known := reg.Get(suspect)
	require.False(t, known, "a peer suspected by the seed is not handed out as alive")
	require.Equal(t, []NodeAddress{healthy}, reg.LookupCluster("task/cpu"))
}

func TestProbeEngine_StopWhileLearningPeers(t *testing.T) {
	mesh := newMemNetwork()
	engine, _ := newTestEngine(t, mesh, 1, probeConfig{
		interval:      5 * time.Millisecond,
		timeout:       10 * time.Millisecond,
		graceFailures: 2,
		maxInflight:   4,
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := 100 * (i + 1); port < 100*(i+1)+50; port++ {
				engine.ensurePeer(memAddr(port), false)
			}
		}()
	}

	require.NoError(t, engine.Stop())
	wg.Wait()
	require.Empty(t, engine.probedPeers(), "no probing loop survives Stop")
}
