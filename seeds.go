package meshroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

var ErrSeedProvider = errors.New("seeds: provider failure")

// SeedProvider lists the addresses used to bootstrap discovery. It is
// polled periodically, so the list may change over time.
type SeedProvider interface {
	Seeds(ctx context.Context) ([]NodeAddress, error)
}

// SeedRegistrar is implemented by providers the node must announce itself
// to, so it becomes a seed for others.
type SeedRegistrar interface {
	Announce(ctx context.Context, self NodeAddress, name string) error
	Withdraw(ctx context.Context) error
}

// StaticSeeds is a fixed seed list, usually from configuration.
type StaticSeeds []NodeAddress

func (seeds StaticSeeds) Seeds(context.Context) ([]NodeAddress, error) {
	return slices.Clone(seeds), nil
}

// etcdClient is the subset of `clientv3.Client` used by `EtcdSeeds`.
type etcdClient interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdSeeds keeps the seed list in etcd: every node announces itself under
// `<prefix>/<name>` with a lease kept alive for as long as it runs, and
// lists the prefix to find seeds.
type EtcdSeeds struct {
	cli    etcdClient
	prefix string
	ttl    int64
	logger *slog.Logger

	// owned is closed by Close.
	owned *clientv3.Client

	lk       sync.Mutex
	lease    clientv3.LeaseID
	stopKeep context.CancelFunc
}

var (
	_ SeedProvider  = (*EtcdSeeds)(nil)
	_ SeedRegistrar = (*EtcdSeeds)(nil)
)

// DialEtcdSeeds connects to etcd and returns a provider using prefix.
func DialEtcdSeeds(endpoints []string, prefix string, logger *slog.Logger) (*EtcdSeeds, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSeedProvider, err)
	}
	seeds := newEtcdSeeds(cli, prefix, logger)
	seeds.owned = cli
	return seeds, nil
}

func newEtcdSeeds(cli etcdClient, prefix string, logger *slog.Logger) *EtcdSeeds {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "/meshroute/nodes"
	}
	return &EtcdSeeds{
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		ttl:    10,
		logger: logger.With("seeds", "etcd"),
	}
}

func (s *EtcdSeeds) Seeds(ctx context.Context) ([]NodeAddress, error) {
	resp, err := s.cli.Get(ctx, s.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSeedProvider, err)
	}

	seeds := make([]NodeAddress, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addr, err := ParseAddress(string(kv.Value))
		if err != nil {
			s.logger.Warn("ignoring invalid seed", "key", string(kv.Key), LabelError.L(err))
			continue
		}
		seeds = append(seeds, addr)
	}
	return seeds, nil
}

func (s *EtcdSeeds) Announce(ctx context.Context, self NodeAddress, name string) error {
	if name == "" {
		name = self.String()
	}
	key := s.prefix + "/" + name

	lease, err := s.cli.Grant(ctx, s.ttl)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSeedProvider, err)
	}
	if _, err := s.cli.Put(ctx, key, self.String(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("%w: %w", ErrSeedProvider, err)
	}

	keepCtx, stop := context.WithCancel(context.Background())
	keepCh, err := s.cli.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		stop()
		return fmt.Errorf("%w: %w", ErrSeedProvider, err)
	}

	s.lk.Lock()
	s.lease = lease.ID
	s.stopKeep = stop
	s.lk.Unlock()

	go func() {
		// drain, etcd stops renewing if nobody reads.
		for range keepCh {
		}
		if keepCtx.Err() == nil {
			s.logger.Warn("seed lease is not renewed anymore", "key", key)
		}
	}()

	s.logger.Info("announced as seed", "key", key, LabelPeerAddr.L(self))
	return nil
}

func (s *EtcdSeeds) Withdraw(ctx context.Context) error {
	s.lk.Lock()
	lease, stop := s.lease, s.stopKeep
	s.lease, s.stopKeep = 0, nil
	s.lk.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	if _, err := s.cli.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("%w: %w", ErrSeedProvider, err)
	}
	return nil
}

// Close releases the etcd client if the provider dialed it.
func (s *EtcdSeeds) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}
