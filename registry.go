package meshroute

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
)

// Registry holds the handlers served by the local node and an eventually
// consistent view of which peer serves which path.
//
// Writes are serialised by a mutex. Descriptors are replaced as a whole and
// copied out, so readers never observe a half-updated one. The path index is
// an immutable radix tree swapped atomically: `LookupCluster` never blocks on
// discovery.
type Registry struct {
	lk      sync.RWMutex
	local   map[string]Handler
	cluster map[NodeAddress]*clusterEntry
	self    NodeAddress

	// a local monotonic clock recording in which order peers were
	// discovered.
	clock uint64

	// path -> []pathOwner, sorted by discovery order.
	index atomic.Pointer[iradix.Tree]

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

type clusterEntry struct {
	desc NodeDescriptor
	seq  uint64
}

type pathOwner struct {
	addr   NodeAddress
	seq    uint64
	status Status
}

func NewRegistry(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	reg := &Registry{
		local:   make(map[string]Handler),
		cluster: make(map[NodeAddress]*clusterEntry),
		logger:  logger,
		msink:   msink,
		labels:  labels,
	}
	reg.index.Store(iradix.New())
	return reg
}

// setSelf tells the registry which address is ours, so gossip about
// ourselves is never merged.
func (reg *Registry) setSelf(addr NodeAddress) {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	reg.self = addr
	if entry, has := reg.cluster[addr]; has {
		reg.removeLocked(entry)
	}
}

// Register exposes handler under path on the local node.
func (reg *Registry) Register(path string, handler Handler) error {
	if !ValidatePath(path) {
		return ErrPathInvalid
	}
	if handler == nil {
		return ErrInvalidCfg
	}

	reg.lk.Lock()
	defer reg.lk.Unlock()
	if _, has := reg.local[path]; has {
		return ErrDuplicatePath
	}
	reg.local[path] = handler
	reg.logger.Debug("registered local handler", LabelPath.L(path))
	return nil
}

func (reg *Registry) LookupLocal(path string) (Handler, error) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	handler, has := reg.local[path]
	if !has {
		return nil, ErrNotFound
	}
	return handler, nil
}

// LocalPaths returns the sorted list of locally served paths.
func (reg *Registry) LocalPaths() []string {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	paths := make([]string, 0, len(reg.local))
	for path := range reg.local {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

// LookupCluster returns the peers advertising path: alive ones first, then
// suspect ones, each group in discovery order. Dead peers are never
// returned since they are evicted.
func (reg *Registry) LookupCluster(path string) []NodeAddress {
	raw, has := reg.index.Load().Get([]byte(path))
	if !has {
		return nil
	}
	owners := raw.([]pathOwner)
	found := make([]NodeAddress, 0, len(owners))
	for _, owner := range owners {
		if owner.status == StatusAlive {
			found = append(found, owner.addr)
		}
	}
	for _, owner := range owners {
		if owner.status == StatusSuspect {
			found = append(found, owner.addr)
		}
	}
	return found
}

// ScanPaths lists every path starting with prefix, served locally or by a
// known peer.
func (reg *Registry) ScanPaths(prefix string) []string {
	var found []string
	reg.lk.RLock()
	for path := range reg.local {
		if strings.HasPrefix(path, prefix) {
			found = append(found, path)
		}
	}
	reg.lk.RUnlock()

	reg.index.Load().Root().WalkPrefix([]byte(prefix), func(k []byte, _ interface{}) bool {
		found = append(found, string(k))
		return false
	})

	slices.Sort(found)
	return slices.Compact(found)
}

// MergeRemote upserts the advertisement of a peer and marks it alive.
//
// Last write wins, keyed by the time the peer was last seen: an
// advertisement older than what we hold is ignored and false is returned.
func (reg *Registry) MergeRemote(desc NodeDescriptor) bool {
	return reg.merge(desc, false)
}

// MergeDirect upserts a descriptor the peer sent about itself. It is always
// applied and marks the peer alive; LastSeen never moves backward.
func (reg *Registry) MergeDirect(desc NodeDescriptor) bool {
	return reg.merge(desc, true)
}

func (reg *Registry) merge(desc NodeDescriptor, direct bool) bool {
	if desc.Address.IsZero() {
		return false
	}
	desc = desc.clone()
	slices.Sort(desc.Paths)
	desc.Paths = slices.DeleteFunc(slices.Compact(desc.Paths), func(path string) bool {
		return !ValidatePath(path)
	})
	desc.Status = StatusAlive

	reg.lk.Lock()
	defer reg.lk.Unlock()
	if desc.Address == reg.self {
		return false
	}

	entry, has := reg.cluster[desc.Address]
	if has {
		if entry.desc.LastSeen.After(desc.LastSeen) {
			if !direct {
				return false
			}
			desc.LastSeen = entry.desc.LastSeen
		}
		previous := entry.desc
		reg.cluster[desc.Address] = &clusterEntry{desc: desc, seq: entry.seq}
		reg.reindexLocked(desc.Address, entry.seq, previous.Paths, desc.Paths, desc.Status)
		if previous.Status != StatusAlive {
			reg.logger.Debug(
				"peer is alive again",
				LabelPeerAddr.L(desc.Address),
				LabelFromState.L(previous.Status.String()),
			)
		}
		return true
	}

	reg.clock = reg.clock + 1
	reg.cluster[desc.Address] = &clusterEntry{desc: desc, seq: reg.clock}
	reg.reindexLocked(desc.Address, reg.clock, nil, desc.Paths, desc.Status)
	reg.msink.SetGaugeWithLabels(MetricRegistryPeers, float32(len(reg.cluster)), reg.labels)
	reg.logger.Debug("new peer in registry", slog.Any("peer", desc))
	return true
}

// SetStatus changes the status of a known peer. Only discovery calls it.
func (reg *Registry) SetStatus(addr NodeAddress, status Status) bool {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	entry, has := reg.cluster[addr]
	if !has || entry.desc.Status == status {
		return false
	}
	desc := entry.desc.clone()
	desc.Status = status
	reg.cluster[addr] = &clusterEntry{desc: desc, seq: entry.seq}
	reg.reindexLocked(addr, entry.seq, desc.Paths, desc.Paths, status)
	return true
}

// Touch records that addr answered at the given time.
func (reg *Registry) Touch(addr NodeAddress, at time.Time) {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	entry, has := reg.cluster[addr]
	if !has || !at.After(entry.desc.LastSeen) {
		return
	}
	desc := entry.desc.clone()
	desc.LastSeen = at
	reg.cluster[addr] = &clusterEntry{desc: desc, seq: entry.seq}
}

// Evict forgets everything about addr.
func (reg *Registry) Evict(addr NodeAddress) bool {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	entry, has := reg.cluster[addr]
	if !has {
		return false
	}
	reg.removeLocked(entry)
	reg.logger.Info("peer evicted from registry", LabelPeerAddr.L(addr))
	return true
}

func (reg *Registry) Get(addr NodeAddress) (NodeDescriptor, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	entry, has := reg.cluster[addr]
	if !has {
		return NodeDescriptor{}, false
	}
	return entry.desc.clone(), true
}

// Peers returns a copy of every known peer in discovery order.
func (reg *Registry) Peers() []NodeDescriptor {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	entries := make([]*clusterEntry, 0, len(reg.cluster))
	for _, entry := range reg.cluster {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *clusterEntry) int {
		return cmp.Compare(a.seq, b.seq)
	})
	peers := make([]NodeDescriptor, len(entries))
	for i, entry := range entries {
		peers[i] = entry.desc.clone()
	}
	return peers
}

// AlivePeers returns the addresses of alive peers in discovery order.
func (reg *Registry) AlivePeers() []NodeAddress {
	var alive []NodeAddress
	for _, peer := range reg.Peers() {
		if peer.Status == StatusAlive {
			alive = append(alive, peer.Address)
		}
	}
	return alive
}

// not thread safe!
// must be called by an holder of Write lock
func (reg *Registry) removeLocked(entry *clusterEntry) {
	delete(reg.cluster, entry.desc.Address)
	reg.reindexLocked(entry.desc.Address, entry.seq, entry.desc.Paths, nil, StatusDead)
	reg.msink.SetGaugeWithLabels(MetricRegistryPeers, float32(len(reg.cluster)), reg.labels)
}

// not thread safe!
// must be called by an holder of Write lock
func (reg *Registry) reindexLocked(addr NodeAddress, seq uint64, oldPaths, newPaths []string, status Status) {
	txn := reg.index.Load().Txn()
	for _, path := range oldPaths {
		key := []byte(path)
		raw, has := txn.Get(key)
		if !has {
			continue
		}
		owners := slices.DeleteFunc(slices.Clone(raw.([]pathOwner)), func(owner pathOwner) bool {
			return owner.addr == addr
		})
		if len(owners) == 0 {
			txn.Delete(key)
		} else {
			txn.Insert(key, owners)
		}
	}

	for _, path := range newPaths {
		key := []byte(path)
		var owners []pathOwner
		if raw, has := txn.Get(key); has {
			owners = slices.Clone(raw.([]pathOwner))
		}
		owner := pathOwner{addr: addr, seq: seq, status: status}
		idx, _ := slices.BinarySearchFunc(owners, seq, func(o pathOwner, target uint64) int {
			return cmp.Compare(o.seq, target)
		})
		owners = slices.Insert(owners, idx, owner)
		txn.Insert(key, owners)
	}

	tree := txn.Commit()
	reg.index.Store(tree)
	reg.msink.SetGaugeWithLabels(MetricRegistryPaths, float32(tree.Len()), reg.labels)
}
