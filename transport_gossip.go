package meshroute

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

// gossipPacketSize keeps memberlist packets under the QUIC datagram limit.
const gossipPacketSize = 1100

// The QUIC transport also carries memberlist, so gossip shares the mTLS
// endpoint of the envelopes: packets are QUIC datagrams and gossip streams
// are QUIC streams opened with `streamModeGossip`.
var _ memberlist.NodeAwareTransport = (*QUICTransport)(nil)

func (t *QUICTransport) FinalAdvertiseAddr(_ string, _ int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrShutdown
	}

	advertised := t.cfg.advertised(t.udpLn.LocalAddr().(*net.UDPAddr).Port)
	ip := net.ParseIP(advertised.Host)
	if ip == nil {
		return nil, 0, fmt.Errorf("%w: gossip must advertise an IP, got %q", ErrAddrInvalid, advertised.Host)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return ip, advertised.Port, nil
}

func (t *QUICTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{Addr: addr})
}

func (t *QUICTransport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(addr.Addr))
	to, err := ParseAddress(addr.Addr)
	if err != nil {
		return time.Time{}, err
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.dialTimeout())
	defer cancel()
	conn, err := t.getActiveCx(ctx, to)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricGossipPacketErrCount, 1.0,
			append(mLabels, LabelError.M("no_conn_to_host")))
		return time.Time{}, err
	}

	ts := time.Now()
	if err := conn.SendDatagram(b); err != nil {
		t.msink.IncrCounterWithLabels(MetricGossipPacketErrCount, 1.0,
			append(mLabels, LabelError.M("cannot_send_datagram")))
		return ts, err
	}
	t.msink.IncrCounterWithLabels(MetricGossipPacketOutBytes, float32(len(b)), mLabels)
	return ts, nil
}

func (t *QUICTransport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *QUICTransport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{Addr: addr}, timeout)
}

func (t *QUICTransport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(addr.Addr))
	to, err := ParseAddress(addr.Addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	conn, err := t.getActiveCx(ctx, to)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("no_conn_to_host")))
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("cannot_open_stream")))
		return nil, err
	}

	if _, err := stream.Write([]byte{byte(streamModeGossip)}); err != nil {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
		t.msink.IncrCounterWithLabels(MetricTransportErrCount, 1.0,
			append(mLabels, LabelError.M("cannot_write_mode")))
		return nil, err
	}

	t.msink.IncrCounterWithLabels(MetricGossipStreamCount, 1.0, mLabels)
	return &gossipConn{Stream: stream, local: conn.LocalAddr(), remote: conn.RemoteAddr()}, nil
}

func (t *QUICTransport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Shutdown stops feeding memberlist. The transport itself is released by
// `Close`, the node still needs it to send envelopes.
func (t *QUICTransport) Shutdown() error {
	t.gossipOnce.Do(func() { close(t.gossipDone) })
	return nil
}

func (t *QUICTransport) acceptGossipStream(conn quic.Connection, stream quic.Stream) {
	gc := &gossipConn{Stream: stream, local: conn.LocalAddr(), remote: conn.RemoteAddr()}
	select {
	case t.streamCh <- gc:
		t.msink.IncrCounterWithLabels(MetricGossipStreamCount, 1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(conn.RemoteAddr().String())))
	case <-t.gossipDone:
		gc.Close()
	case <-t.ctx.Done():
		gc.Close()
	}
}

// receiveDatagrams hands every datagram of conn to memberlist.
func (t *QUICTransport) receiveDatagrams(conn quic.Connection) {
	defer t.wg.Done()
	ctx := conn.Context()
	for {
		buf, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		packet := &memberlist.Packet{
			Buf:       buf,
			From:      conn.RemoteAddr(),
			Timestamp: time.Now(),
		}
		select {
		case t.packetCh <- packet:
		case <-t.gossipDone:
		case <-t.ctx.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// gossipConn is a gossip stream seen as the net.Conn memberlist expects.
type gossipConn struct {
	quic.Stream
	local  net.Addr
	remote net.Addr
}

func (c *gossipConn) LocalAddr() net.Addr {
	return c.local
}

func (c *gossipConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *gossipConn) Close() error {
	c.Stream.CancelRead(QErrStreamCancelled)
	return c.Stream.Close()
}
