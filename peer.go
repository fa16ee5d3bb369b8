package meshroute

import (
	"sync/atomic"
	"time"

	"github.com/raskyld/meshroute/pkg/wire"
)

// peer is the probing loop of one remote node.
type peer struct {
	addr   NodeAddress
	engine *probeEngine

	// seeds are never forgotten: once evicted they go back to PROBING, so a
	// restarted seed is joined again.
	seed atomic.Bool

	// consecutive failed probes, only touched by run.
	failures int
}

func (p *peer) run() {
	e := p.engine
	defer e.wg.Done()
	defer e.forget(p)

	ticker := time.NewTicker(e.cfg.interval)
	defer ticker.Stop()

	for {
		if !p.tick() {
			return
		}

		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick probes the peer once and returns false when the peer must be
// forgotten.
func (p *peer) tick() bool {
	e := p.engine
	desc, known := e.reg.Get(p.addr)
	typ := wire.TypeJoin
	if known {
		typ = wire.TypePing
	}

	resp, err := e.probe(e.ctx, p.addr, typ)
	if e.ctx.Err() != nil {
		return false
	}

	if err == nil {
		p.failures = 0
		e.absorb(p.addr, resp)
		return true
	}

	p.failures++
	logger := e.logger.With(LabelPeerAddr.L(p.addr))
	logger.Debug("probe failed", LabelMessageType.L(typ.String()), LabelError.L(err), "failures", p.failures)

	if !known {
		if p.failures >= e.cfg.graceFailures && !p.seed.Load() {
			logger.Debug("giving up on unreachable peer")
			return false
		}
		return true
	}

	if desc.Status == StatusAlive && e.reg.SetStatus(p.addr, StatusSuspect) {
		e.transition(p.addr, StatusAlive, StatusSuspect)
	}

	if p.failures < e.cfg.graceFailures {
		return true
	}

	if e.reg.Evict(p.addr) {
		e.transition(p.addr, StatusSuspect, StatusDead)
		e.msink.IncrCounterWithLabels(MetricPeerEvictions, 1.0, e.labels)
	}
	p.failures = 0
	return p.seed.Load()
}
