package meshroute

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricCallCount          = []string{"meshroute", "call", "count"}
	MetricCallErrorCount     = []string{"meshroute", "call", "error", "count"}
	MetricCallLatencyMs      = []string{"meshroute", "call", "latency", "ms"}
	MetricInboundCount       = []string{"meshroute", "inbound", "count"}
	MetricInboundErrorCount  = []string{"meshroute", "inbound", "error", "count"}
	MetricProbeCount         = []string{"meshroute", "probe", "count"}
	MetricProbeErrorCount    = []string{"meshroute", "probe", "error", "count"}
	MetricPeerTransitions    = []string{"meshroute", "peer", "transition", "count"}
	MetricPeerEvictions      = []string{"meshroute", "peer", "eviction", "count"}
	MetricRegistryPaths      = []string{"meshroute", "registry", "paths"}
	MetricRegistryPeers      = []string{"meshroute", "registry", "peers"}
	MetricTransportConnCount = []string{"meshroute", "transport", "connection", "count"}
	MetricTransportErrCount  = []string{"meshroute", "transport", "error", "count"}
	MetricUDPBufferSizeBytes = []string{"meshroute", "udp", "buffer", "size", "bytes"}

	MetricGossipPacketOutBytes = []string{"meshroute", "gossip", "packet", "out", "bytes"}
	MetricGossipPacketErrCount = []string{"meshroute", "gossip", "packet", "error", "count"}
	MetricGossipStreamCount    = []string{"meshroute", "gossip", "stream", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelKind        TelemetryLabel = "kind"
	LabelRoute       TelemetryLabel = "route"
	LabelPath        TelemetryLabel = "path"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelMessageType TelemetryLabel = "message_type"
	LabelFromState   TelemetryLabel = "from"
	LabelToState     TelemetryLabel = "to"
	LabelDuration    TelemetryLabel = "duration"
	LabelCorrelation TelemetryLabel = "correlation_id"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns a fresh slice holding static then extra.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
