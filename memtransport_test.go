package meshroute

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/meshroute/pkg/wire"
	"github.com/stretchr/testify/require"
)

// memNetwork connects `memTransport`s in memory. Envelopes go through the
// JSON codec so they are copied like on a real network.
type memNetwork struct {
	lk       sync.Mutex
	handlers map[NodeAddress]InboundHandler
	killed   map[NodeAddress]bool
	sends    []memSend
}

type memSend struct {
	From NodeAddress
	To   NodeAddress
	Type wire.MessageType
	Path string
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		handlers: make(map[NodeAddress]InboundHandler),
		killed:   make(map[NodeAddress]bool),
	}
}

func memAddr(port int) NodeAddress {
	return NodeAddress{Host: "10.0.0.1", Port: port}
}

func (mesh *memNetwork) transport(port int) *memTransport {
	return &memTransport{mesh: mesh, addr: memAddr(port)}
}

// kill makes every send to or from addr hang until the sender gives up.
func (mesh *memNetwork) kill(addr NodeAddress) {
	mesh.lk.Lock()
	defer mesh.lk.Unlock()
	mesh.killed[addr] = true
}

func (mesh *memNetwork) revive(addr NodeAddress) {
	mesh.lk.Lock()
	defer mesh.lk.Unlock()
	delete(mesh.killed, addr)
}

// countSends counts the envelopes of type typ sent by from. A zero from
// matches every sender.
func (mesh *memNetwork) countSends(from NodeAddress, typ wire.MessageType) int {
	mesh.lk.Lock()
	defer mesh.lk.Unlock()
	count := 0
	for _, send := range mesh.sends {
		if send.Type == typ && (from.IsZero() || send.From == from) {
			count++
		}
	}
	return count
}

func (mesh *memNetwork) deliver(ctx context.Context, to NodeAddress, req *wire.Request) (*wire.Response, error) {
	from, _ := ParseAddress(req.Sender.Addr)

	mesh.lk.Lock()
	mesh.sends = append(mesh.sends, memSend{From: from, To: to, Type: req.Type, Path: req.ServicePath})
	handler, listening := mesh.handlers[to]
	killed := mesh.killed[to] || mesh.killed[from]
	mesh.lk.Unlock()

	if killed {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !listening {
		return nil, fmt.Errorf("dial %s: connection refused", to)
	}

	var codec wire.JSONCodec
	raw, err := codec.MarshalRequest(req)
	if err != nil {
		return nil, err
	}
	var inbound wire.Request
	if err := codec.UnmarshalRequest(raw, &inbound); err != nil {
		return nil, err
	}

	reqCtx, cancel := deadlineContext(ctx, &inbound)
	defer cancel()
	resp := handler(reqCtx, &inbound)

	if raw, err = codec.MarshalResponse(resp); err != nil {
		return nil, err
	}
	var out wire.Response
	if err := codec.UnmarshalResponse(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type memTransport struct {
	mesh   *memNetwork
	addr   NodeAddress
	closed atomic.Bool
}

var _ Transport = (*memTransport)(nil)

func (tr *memTransport) Listen(handler InboundHandler) (NodeAddress, error) {
	tr.mesh.lk.Lock()
	defer tr.mesh.lk.Unlock()
	if _, taken := tr.mesh.handlers[tr.addr]; taken {
		return NodeAddress{}, fmt.Errorf("%s already in use", tr.addr)
	}
	tr.mesh.handlers[tr.addr] = handler
	return tr.addr, nil
}

func (tr *memTransport) Send(ctx context.Context, to NodeAddress, req *wire.Request) (*wire.Response, error) {
	if tr.closed.Load() {
		return nil, ErrShutdown
	}
	return tr.mesh.deliver(ctx, to, req)
}

func (tr *memTransport) Close() error {
	if !tr.closed.CompareAndSwap(false, true) {
		return nil
	}
	tr.mesh.lk.Lock()
	defer tr.mesh.lk.Unlock()
	delete(tr.mesh.handlers, tr.addr)
	return nil
}

func testLogHandler(name string) slog.Handler {
	level := slog.LevelWarn
	if testing.Verbose() {
		level = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

// newMemNode builds a node on mesh which probes fast, it is shut down at the
// end of the test.
func newMemNode(t *testing.T, mesh *memNetwork, port int, opts ...Option) *Node {
	t.Helper()
	name := fmt.Sprintf("node%d", port)
	base := []Option{
		WithName(name),
		WithCustomTransport(mesh.transport(port)),
		WithLog(testLogHandler(name)),
		WithProbe(20*time.Millisecond, 50*time.Millisecond, 3),
	}
	node, err := NewNode(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, node.Shutdown())
	})
	return node
}
