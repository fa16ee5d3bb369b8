package meshroute

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/meshroute/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestMemberlistDiscovery_NodeMetaFitsLimit(t *testing.T) {
	reg := NewRegistry(slog.Default(), nil, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, reg.Register(fmt.Sprintf("service/number-%03d", i), echoHandler()))
	}

	g := newMemberlistDiscovery(reg, memberlist.DefaultLANConfig(), slog.Default(), &metrics.BlackholeSink{}, nil)
	g.describe = func() wire.Descriptor {
		return wire.Descriptor{Addr: "127.0.0.1:7946", Name: "node1", Paths: reg.LocalPaths()}
	}

	meta := g.NodeMeta(memberlist.MetaMaxSize)
	require.LessOrEqual(t, len(meta), memberlist.MetaMaxSize)

	var desc wire.Descriptor
	require.NoError(t, g.codec.UnmarshalDescriptor(meta, &desc))
	require.Equal(t, "127.0.0.1:7946", desc.Addr)
	require.Equal(t, "node1", desc.Name)
	require.NotEmpty(t, desc.Paths)
	require.Less(t, len(desc.Paths), 100)
	require.Equal(t, reg.LocalPaths()[:len(desc.Paths)], desc.Paths)
}

func TestMemberlistDiscovery_RecordAndLeave(t *testing.T) {
	reg := NewRegistry(slog.Default(), nil, nil)
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = "self"
	g := newMemberlistDiscovery(reg, cfg, slog.Default(), &metrics.BlackholeSink{}, nil)

	meta := g.codec.MarshalDescriptor(&wire.Descriptor{Addr: "10.0.0.2:7000", Paths: []string{"task/cpu"}})
	peer := &memberlist.Node{Name: "peer", Meta: meta}

	g.NotifyJoin(peer)
	require.Equal(t, []NodeAddress{{Host: "10.0.0.2", Port: 7000}}, reg.LookupCluster("task/cpu"))

	// a moved transport replaces the old address.
	peer.Meta = g.codec.MarshalDescriptor(&wire.Descriptor{Addr: "10.0.0.2:7001", Paths: []string{"task/cpu"}})
	g.NotifyUpdate(peer)
	require.Equal(t, []NodeAddress{{Host: "10.0.0.2", Port: 7001}}, reg.LookupCluster("task/cpu"))
	require.Len(t, reg.Peers(), 1)

	// our own metadata and garbage are ignored.
	g.NotifyJoin(&memberlist.Node{Name: "self", Meta: meta})
	g.NotifyJoin(&memberlist.Node{Name: "garbage", Meta: []byte{0xff, 0xff}})
	require.Len(t, reg.Peers(), 1)

	g.NotifyLeave(peer)
	require.Empty(t, reg.LookupCluster("task/cpu"))
}

func TestNode_OverMemberlist(t *testing.T) {
	newNode := func(name string, gossipPort int, opts ...Option) *Node {
		node, err := NewNode(append([]Option{
			WithName(name),
			WithListenOn("127.0.0.1", 0),
			WithLog(testLogHandler(name)),
			WithMemberlist("127.0.0.1", gossipPort),
		}, opts...)...)
		require.NoError(t, err)
		t.Cleanup(func() { node.Shutdown() })
		return node
	}

	worker := newNode("worker", 17946)
	require.NoError(t, worker.Register("task/cpu", fibHandler()))
	require.NoError(t, worker.Start(context.Background()))

	client := newNode("client", 17947, WithSeeds("127.0.0.1:17946"))
	require.NoError(t, client.Start(context.Background()))

	require.Eventually(t, func() bool {
		body, err := client.Call(context.Background(), "task/cpu", []byte("11"))
		return err == nil && string(body) == "89"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, worker.Register("task/late", echoHandler()))
	require.Eventually(t, func() bool {
		return slices.Equal(client.Registry().LookupCluster("task/late"), []NodeAddress{worker.Address()})
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, worker.Shutdown())
	require.Eventually(t, func() bool {
		return len(client.Registry().LookupCluster("task/cpu")) == 0
	}, 10*time.Second, 20*time.Millisecond)
}

func TestNode_MemberlistOverQUIC(t *testing.T) {
	tlsConfs := testTLSConfigs(t, "worker", "client")
	newNode := func(name string, tlsConf *tls.Config, opts ...Option) *Node {
		node, err := NewNode(append([]Option{
			WithName(name),
			WithTransport(TransportQUIC),
			WithTlsConfig(tlsConf),
			WithListenOn("127.0.0.1", 0),
			WithLog(testLogHandler(name)),
			WithMemberlist("127.0.0.1", 0),
		}, opts...)...)
		require.NoError(t, err)
		t.Cleanup(func() { node.Shutdown() })
		return node
	}

	worker := newNode("worker", tlsConfs[0])
	require.NoError(t, worker.Register("task/cpu", fibHandler()))
	require.NoError(t, worker.Start(context.Background()))

	// gossip shares the QUIC endpoint, there is no second port.
	g, ok := worker.disc.(*memberlistDiscovery)
	require.True(t, ok)
	local := g.ml.LocalNode()
	require.Equal(t, worker.Address(), NodeAddress{Host: local.Addr.String(), Port: int(local.Port)})

	client := newNode("client", tlsConfs[1], WithSeeds(worker.Address().String()))
	require.NoError(t, client.Start(context.Background()))

	require.Eventually(t, func() bool {
		body, err := client.Call(context.Background(), "task/cpu", []byte("10"))
		return err == nil && string(body) == "55"
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return slices.Equal(worker.Registry().AlivePeers(), []NodeAddress{client.Address()})
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, worker.Shutdown())
	require.Eventually(t, func() bool {
		return len(client.Registry().LookupCluster("task/cpu")) == 0
	}, 10*time.Second, 20*time.Millisecond)
}
