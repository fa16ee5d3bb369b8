package meshroute

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeEtcd keeps keys in memory. Get always behaves as if WithPrefix was
// given and Put attaches the key to the last granted lease.
type fakeEtcd struct {
	lk        sync.Mutex
	kvs       map[string]string
	leases    map[clientv3.LeaseID][]string
	lastLease clientv3.LeaseID
}

var _ etcdClient = (*fakeEtcd)(nil)

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		kvs:    make(map[string]string),
		leases: make(map[clientv3.LeaseID][]string),
	}
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.lastLease++
	f.leases[f.lastLease] = nil
	return &clientv3.LeaseGrantResponse{ID: f.lastLease, TTL: ttl}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ch := make(chan *clientv3.LeaseKeepAliveResponse, 1)
	ch <- &clientv3.LeaseKeepAliveResponse{ID: id, TTL: 10}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	for _, key := range f.leases[id] {
		delete(f.kvs, key)
	}
	delete(f.leases, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.kvs[key] = val
	f.leases[f.lastLease] = append(f.leases[f.lastLease], key)
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Get(_ context.Context, prefix string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	keys := make([]string, 0, len(f.kvs))
	for key := range f.kvs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	resp := &clientv3.GetResponse{}
	for _, key := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(key), Value: []byte(f.kvs[key])})
	}
	return resp, nil
}

func (f *fakeEtcd) keys() []string {
	f.lk.Lock()
	defer f.lk.Unlock()
	keys := make([]string, 0, len(f.kvs))
	for key := range f.kvs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func TestStaticSeeds(t *testing.T) {
	seeds := StaticSeeds{testAddr(1), testAddr(2)}
	listed, err := seeds.Seeds(context.Background())
	require.NoError(t, err)
	require.Equal(t, []NodeAddress{testAddr(1), testAddr(2)}, listed)

	listed[0] = testAddr(3)
	require.Equal(t, testAddr(1), seeds[0], "callers get a copy")
}

func TestEtcdSeeds(t *testing.T) {
	fake := newFakeEtcd()
	provider := newEtcdSeeds(fake, "/mesh/", slog.Default())
	other := newEtcdSeeds(fake, "/mesh", slog.Default())
	ctx := context.Background()

	require.NoError(t, other.Announce(ctx, testAddr(1), "node1"))
	require.NoError(t, provider.Announce(ctx, testAddr(2), ""))
	fake.Put(ctx, "/mesh/broken", "not an address")
	fake.Put(ctx, "/other/node", testAddr(9).String())

	require.Equal(t, []string{"/mesh/127.0.0.1:2", "/mesh/broken", "/mesh/node1"}, fake.keys())

	seeds, err := provider.Seeds(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []NodeAddress{testAddr(1), testAddr(2)}, seeds)

	require.NoError(t, provider.Withdraw(ctx))
	require.NoError(t, provider.Withdraw(ctx), "withdrawing twice is a no-op")
	require.NotContains(t, fake.keys(), "/mesh/127.0.0.1:2")
	require.Contains(t, fake.keys(), "/mesh/node1")
	require.NoError(t, other.Withdraw(ctx))
	require.NoError(t, provider.Close())
}

func TestNode_EtcdSeedProvider(t *testing.T) {
	mesh := newMemNetwork()
	fake := newFakeEtcd()
	newNode := func(port int, paths ...string) *Node {
		node := newMemNode(t, mesh, port, WithSeedProvider(newEtcdSeeds(fake, "", slog.Default()), 20*time.Millisecond))
		for _, path := range paths {
			require.NoError(t, node.Register(path, echoHandler()))
		}
		require.NoError(t, node.Start(context.Background()))
		return node
	}

	first := newNode(1, "task/cpu")
	second := newNode(2, "task/io")
	require.Equal(t, []string{"/meshroute/nodes/node1", "/meshroute/nodes/node2"}, fake.keys())

	require.Eventually(t, func() bool {
		return slices.Equal(second.Registry().LookupCluster("task/cpu"), []NodeAddress{first.Address()}) &&
			slices.Equal(first.Registry().LookupCluster("task/io"), []NodeAddress{second.Address()})
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, first.Shutdown())
	require.Equal(t, []string{"/meshroute/nodes/node2"}, fake.keys())
}
