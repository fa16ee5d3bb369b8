package meshroute

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DiscoveryProbe      = "probe"
	DiscoveryMemberlist = "memberlist"
)

// Config is the flat, file-friendly counterpart of the `Option`s. It is
// usually loaded from YAML with `LoadConfig` then overridden by flags.
type Config struct {
	Name      string   `yaml:"name"`
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	Transport string   `yaml:"transport"`
	Seeds     []string `yaml:"seeds"`
	LogLevel  string   `yaml:"log_level"`

	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	GraceFailures     int           `yaml:"grace_failures"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	MaxInflightCalls  int64         `yaml:"max_inflight_calls"`
	MaxInflightProbes int64         `yaml:"max_inflight_probes"`

	Discovery  string `yaml:"discovery"`
	GossipPort int    `yaml:"gossip_port"`

	EtcdEndpoints    []string      `yaml:"etcd_endpoints"`
	EtcdPrefix       string        `yaml:"etcd_prefix"`
	SeedPollInterval time.Duration `yaml:"seed_poll_interval"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	MetricsAddr string `yaml:"metrics_addr"`
}

func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              7946,
		Transport:         TransportHTTP,
		LogLevel:          "info",
		ProbeInterval:     1 * time.Second,
		ProbeTimeout:      500 * time.Millisecond,
		GraceFailures:     3,
		CallTimeout:       5 * time.Second,
		MaxInflightCalls:  256,
		MaxInflightProbes: 16,
		Discovery:         DiscoveryProbe,
		GossipPort:        7947,
		EtcdPrefix:        "/meshroute/nodes",
		SeedPollInterval:  30 * time.Second,
	}
}

// LoadConfig reads a YAML file on top of `DefaultConfig`.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return cfg, nil
}

// BindFlags registers one flag per key on fs, defaulting to the current
// values, so the launch arguments override the file.
func (cfg *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Name, "name", cfg.Name, "human readable name of the node")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address the transport listens on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port the transport listens on")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport to use: http or quic")
	fs.Func("seeds", "comma separated host:port of the seeds", func(val string) error {
		cfg.Seeds = splitList(val)
		return nil
	})
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "time between two probes of a peer")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "time a peer has to answer a probe")
	fs.IntVar(&cfg.GraceFailures, "grace-failures", cfg.GraceFailures, "failed probes in a row before eviction")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "default deadline of a call")
	fs.Int64Var(&cfg.MaxInflightCalls, "max-inflight-calls", cfg.MaxInflightCalls, "calls sent concurrently")
	fs.Int64Var(&cfg.MaxInflightProbes, "max-inflight-probes", cfg.MaxInflightProbes, "probes sent concurrently")

	fs.StringVar(&cfg.Discovery, "discovery", cfg.Discovery, "discovery backend: probe or memberlist")
	fs.IntVar(&cfg.GossipPort, "gossip-port", cfg.GossipPort, "memberlist port, unused over quic")

	fs.Func("etcd-endpoints", "comma separated etcd endpoints to find seeds", func(val string) error {
		cfg.EtcdEndpoints = splitList(val)
		return nil
	})
	fs.StringVar(&cfg.EtcdPrefix, "etcd-prefix", cfg.EtcdPrefix, "etcd key prefix of the seeds")
	fs.DurationVar(&cfg.SeedPollInterval, "seed-poll-interval", cfg.SeedPollInterval, "time between two seed listings")

	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "PEM certificate of the node")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "PEM private key of the node")
	fs.StringVar(&cfg.TLSCA, "tls-ca", cfg.TLSCA, "PEM CA authenticating the peers")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address exposing prometheus metrics")
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Port < 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", cfg.Port))
	}
	switch cfg.Transport {
	case TransportHTTP:
	case TransportQUIC:
		if cfg.TLSCert == "" || cfg.TLSKey == "" {
			errs = append(errs, fmt.Errorf("quic: %w", ErrNoTLSConfig))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", cfg.Transport))
	}
	switch cfg.Discovery {
	case DiscoveryProbe:
	case DiscoveryMemberlist:
		if cfg.GossipPort < 0 || cfg.GossipPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid gossip port %d", cfg.GossipPort))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown discovery %q", cfg.Discovery))
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key go together"))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for _, seed := range cfg.Seeds {
		if _, err := ParseAddress(seed); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return nil
}

// Options turns a valid config into the `Option`s of `NewNode`. When etcd
// endpoints are set, the returned options own an etcd client which is closed
// by `Node.Shutdown`.
func (cfg *Config) Options(logHandler slog.Handler) ([]Option, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []Option{
		WithName(cfg.Name),
		WithListenOn(cfg.Host, cfg.Port),
		WithTransport(cfg.Transport),
		WithProbe(cfg.ProbeInterval, cfg.ProbeTimeout, cfg.GraceFailures),
		WithInflightBudgets(cfg.MaxInflightCalls, cfg.MaxInflightProbes),
		WithDefaultCallTimeout(cfg.CallTimeout),
	}
	if logHandler != nil {
		opts = append(opts, WithLog(logHandler))
	}

	if cfg.TLSCert != "" {
		tlsConf, err := cfg.loadTLS()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		opts = append(opts, WithTlsConfig(tlsConf))
	}

	if cfg.Discovery == DiscoveryMemberlist {
		opts = append(opts, WithMemberlist(cfg.Host, cfg.GossipPort))
	}

	if len(cfg.EtcdEndpoints) > 0 {
		logger := slog.Default()
		if logHandler != nil {
			logger = slog.New(logHandler)
		}
		provider, err := DialEtcdSeeds(cfg.EtcdEndpoints, cfg.EtcdPrefix, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSeedProvider(provider, cfg.SeedPollInterval))
	} else {
		opts = append(opts, WithSeeds(cfg.Seeds...))
	}
	return opts, nil
}

// loadTLS builds a mutual TLS config: peers must present a certificate
// signed by the CA, which defaults to the system pool.
func (cfg *Config) loadTLS() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	if cfg.TLSCA != "" {
		pem, err := os.ReadFile(cfg.TLSCA)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", cfg.TLSCA)
		}
		tlsConf.RootCAs = pool
		tlsConf.ClientCAs = pool
	}
	return tlsConf, nil
}

// NewLogHandler returns a text handler writing to w at level.
func NewLogHandler(level string, w io.Writer) (slog.Handler, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}), nil
}

func parseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func splitList(val string) []string {
	var items []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
