package meshroute

import (
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/raskyld/meshroute/pkg/wire"
)

// NodeAddress uniquely identifies a node of the mesh. It must be reachable by
// every other node.
type NodeAddress struct {
	Host string
	Port int
}

func ParseAddress(hostport string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("%w: %w", ErrAddrInvalid, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("%w: invalid port %q", ErrAddrInvalid, portStr)
	}
	if host == "" {
		return NodeAddress{}, fmt.Errorf("%w: empty host", ErrAddrInvalid)
	}
	return NodeAddress{Host: host, Port: port}, nil
}

func (addr NodeAddress) String() string {
	return net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port))
}

func (addr NodeAddress) IsZero() bool {
	return addr.Host == "" && addr.Port == 0
}

func (addr NodeAddress) LogValue() slog.Value {
	return slog.StringValue(addr.String())
}

// Status of a peer as seen by the local discovery.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusProbing
	StatusAlive
	StatusSuspect
	StatusDead
)

func (status Status) String() string {
	switch status {
	case StatusProbing:
		return "probing"
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// NodeDescriptor is the local knowledge about a peer. Values are copied in
// and out of the `Registry`, so holding one never races with discovery.
type NodeDescriptor struct {
	Address  NodeAddress
	Name     string
	Paths    []string
	LastSeen time.Time
	Status   Status
}

func (desc NodeDescriptor) clone() NodeDescriptor {
	desc.Paths = slices.Clone(desc.Paths)
	return desc
}

func (desc NodeDescriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", desc.Address.String()),
		slog.String("name", desc.Name),
		slog.Int("paths", len(desc.Paths)),
		slog.String("status", desc.Status.String()),
	)
}

func (desc NodeDescriptor) toWire() wire.Descriptor {
	var lastSeen int64
	if !desc.LastSeen.IsZero() {
		lastSeen = desc.LastSeen.UnixNano()
	}
	return wire.Descriptor{
		Addr:     desc.Address.String(),
		Name:     desc.Name,
		Paths:    slices.Clone(desc.Paths),
		LastSeen: lastSeen,
	}
}

func descriptorFromWire(in wire.Descriptor) (NodeDescriptor, error) {
	addr, err := ParseAddress(in.Addr)
	if err != nil {
		return NodeDescriptor{}, err
	}
	desc := NodeDescriptor{
		Address: addr,
		Name:    in.Name,
		Paths:   slices.Clone(in.Paths),
	}
	if in.LastSeen != 0 {
		desc.LastSeen = time.Unix(0, in.LastSeen)
	}
	return desc, nil
}
