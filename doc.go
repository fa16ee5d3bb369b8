// Package meshroute lets the processes of a microservice mesh expose handlers
// under *service paths* and call each other by path, without knowing who
// serves what.
//
// ## How it works
//
// Every process runs a `Node`. Handlers are registered on it with
// `Node.Register` and a path such as `task/cpu`. Once started, the `Node`
// contacts its seeds and keeps discovering the cluster: every peer is probed
// on its own schedule with JOIN (while we don't know it yet) or PING
// envelopes. Every response carries the path list of the responder and the
// peers it considers alive, so the cluster view converges transitively.
//
// Then, `Node.Call` resolves the path: a local handler is always preferred,
// otherwise the call is sent to the first peer known to serve the path.
// There is no retry on another peer, the caller gets a `*CallError` telling
// apart a *local* failure (no server known, nothing was sent) from a
// *remote* one (timeout, transport, handler failure).
//
// Envelopes travel on a `Transport`. Two are shipped:
//
// * HTTP with JSON envelopes, the default.
// * QUIC with mTLS and protobuf-encoded envelopes, one stream per envelope.
//
// Discovery can also be delegated to [`hashicorp/memberlist`][dep-mbl] with
// `WithMemberlist`, and seeds can be kept in etcd with `EtcdSeeds`.
//
// ## Design Principles
//
// ### Eventually consistent
//
// There is no consensus, every node owns its view of the cluster. A path
// MAY be served by many nodes and two nodes MAY disagree on who serves it
// for a while. Users MUST be ready to handle `KindNotFound` and
// `KindTimeout` errors.
//
// ### Bounded
//
// Every call has a deadline, every probe has a timeout. The number of
// calls and probes in flight are bounded independently, so a burst of calls
// never delays failure detection.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package meshroute
