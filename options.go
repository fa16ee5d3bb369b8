package meshroute

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

const (
	TransportHTTP = "http"
	TransportQUIC = "quic"
)

type config struct {
	name         string
	trCfg        TransportConfig
	transport    string
	customTr     Transport
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	// non-nil when discovery is delegated to memberlist.
	mlCfg *memberlist.Config

	seeds    SeedProvider
	seedPoll time.Duration

	probe            probeConfig
	callTimeout      time.Duration
	maxInflightCalls int64
}

func defaultConfig() config {
	return config{
		trCfg: TransportConfig{
			BindAddr: "127.0.0.1",
			BindPort: 7946,
		},
		transport: TransportHTTP,
		seeds:     StaticSeeds(nil),
		seedPoll:  30 * time.Second,
		probe: probeConfig{
			interval:      1 * time.Second,
			timeout:       500 * time.Millisecond,
			graceFailures: 3,
			maxInflight:   16,
		},
		callTimeout:      defaultCallTimeout,
		maxInflightCalls: 256,
	}
}

// Option to pass to `NewNode`
type Option func(*config) error

// WithListenOn specifies where the node transport listens. A zero port
// picks a random one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertiseHost specifies the host other nodes must use to reach us,
// when it differs from the listening address.
func WithAdvertiseHost(host string) Option {
	return func(c *config) error {
		c.trCfg.AdvertiseHost = host
		return nil
	}
}

// WithName specifies the human readable name of the node. It is advertised
// to other peers but never used for routing.
func WithName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the `Node`.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithTransport selects a built-in transport: `TransportHTTP` (default) or
// `TransportQUIC`.
func WithTransport(kind string) Option {
	return func(c *config) error {
		switch kind {
		case TransportHTTP, TransportQUIC:
			c.transport = kind
			return nil
		default:
			return fmt.Errorf("unknown transport %q", kind)
		}
	}
}

// WithCustomTransport makes the node use tr instead of a built-in
// transport. The node closes it on shutdown.
func WithCustomTransport(tr Transport) Option {
	return func(c *config) error {
		if tr == nil {
			return errors.New("nil transport")
		}
		c.customTr = tr
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the transport. It is required
// by QUIC. It is REALLY important that you use mTLS in production since
// envelopes are not authenticated otherwise.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we wait for a connection to a
// peer to be established.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithUDPBuffer sets the UDP kernel buffer requested by QUIC.
func WithUDPBuffer(size int, enforce bool) Option {
	return func(c *config) error {
		if size < 0 {
			return fmt.Errorf("invalid buffer size %d", size)
		}
		c.trCfg.BufferSize = size
		c.trCfg.EnforceBufferSize = enforce
		return nil
	}
}

// WithSeeds controls which peers are tried initially to join the cluster.
func WithSeeds(seeds ...string) Option {
	return func(c *config) error {
		addrs := make(StaticSeeds, 0, len(seeds))
		for _, seed := range seeds {
			addr, err := ParseAddress(seed)
			if err != nil {
				return err
			}
			addrs = append(addrs, addr)
		}
		c.seeds = addrs
		return nil
	}
}

// WithSeedProvider makes the node poll provider for seeds every interval.
func WithSeedProvider(provider SeedProvider, interval time.Duration) Option {
	return func(c *config) error {
		if provider == nil {
			return errors.New("nil seed provider")
		}
		if interval <= 0 {
			return fmt.Errorf("invalid seed poll interval %s", interval)
		}
		c.seeds = provider
		c.seedPoll = interval
		return nil
	}
}

// WithProbe tunes liveness probing: every interval, each peer is probed
// and must answer within timeout. A peer failing graceFailures probes in a
// row is evicted.
func WithProbe(interval, timeout time.Duration, graceFailures int) Option {
	return func(c *config) error {
		if interval <= 0 || timeout <= 0 || graceFailures <= 0 {
			return errors.New("probe interval, timeout and grace failures must be positive")
		}
		c.probe.interval = interval
		c.probe.timeout = timeout
		c.probe.graceFailures = graceFailures
		return nil
	}
}

// WithInflightBudgets bounds how many calls and probes may be in flight at
// once. The two budgets are independent so a burst of calls never starves
// probing.
func WithInflightBudgets(calls, probes int64) Option {
	return func(c *config) error {
		if calls <= 0 || probes <= 0 {
			return errors.New("inflight budgets must be positive")
		}
		c.maxInflightCalls = calls
		c.probe.maxInflight = probes
		return nil
	}
}

// WithDefaultCallTimeout bounds every call not given a `WithCallTimeout`.
func WithDefaultCallTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid call timeout %s", timeout)
		}
		c.callTimeout = timeout
		return nil
	}
}

// WithMemberlist delegates discovery to memberlist, gossiping on port. Seeds
// must then be gossip addresses. With the QUIC transport, gossip runs on the
// transport endpoint and bindAddr and port are ignored.
func WithMemberlist(bindAddr string, port int) Option {
	return func(c *config) error {
		c.mlCfg = memberlist.DefaultLANConfig()
		c.mlCfg.BindAddr = bindAddr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// toLegacyLabels translates labels for memberlist.
//
// TODO(raskyld): Wait for the buildflag to always use the hashicorp version
// so we don't need to do the translation.
func toLegacyLabels(labels []metrics.Label) []leg_metrics.Label {
	legacy := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		legacy[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return legacy
}
