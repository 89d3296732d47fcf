// SPDX-License-Identifier: GPL-3.0-or-later

package world

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/rbmk-project/common/runtimex"
)

// link is an unordered pair of hosts.
type link struct {
	a, b netip.Addr
}

// newLink returns the [link] between a and b. The order of a and b
// does not matter.
func newLink(a, b netip.Addr) link {
	if b.Less(a) {
		a, b = b, a
	}
	return link{a: a, b: b}
}

// linkConfig overrides the global topology for a single link.
type linkConfig struct {
	// failRate is the link fail rate, if hasFailRate.
	failRate float64

	// hasFailRate is set when failRate overrides the global one.
	hasFailRate bool

	// hasMaxLatency is set when maxLatency overrides the global one.
	hasMaxLatency bool

	// maxLatency is the link max latency, if hasMaxLatency.
	maxLatency time.Duration
}

// TopologyConfig contains the initial [*Topology] settings.
type TopologyConfig struct {
	// FailRate is the probability that a message is lost.
	FailRate float64

	// MaxMessageLatency is the maximum latency of a message.
	MaxMessageLatency time.Duration

	// MessageLatencyCurve is the lambda of the exponential
	// distribution from which latencies are drawn. Zero means
	// [DefaultMessageLatencyCurve].
	MessageLatencyCurve float64

	// MinMessageLatency is the minimum latency of a message.
	MinMessageLatency time.Duration
}

// Topology describes how messages travel between hosts.
//
// Latencies follow an exponential distribution: a message takes
// min + (max-min)*X where X is drawn from Exp(lambda), capped at max.
// Each message is lost with the configured fail rate. Links may
// override the max latency and the fail rate.
//
// Construct using [NewTopology].
type Topology struct {
	// failRate is the global fail rate.
	failRate float64

	// lambda is the latency curve.
	lambda float64

	// links contains the per-link overrides.
	links map[link]*linkConfig

	// maxLatency is the global max latency.
	maxLatency time.Duration

	// minLatency is the global min latency.
	minLatency time.Duration
}

// DefaultMessageLatencyCurve is the lambda used when the
// [TopologyConfig] does not set one.
const DefaultMessageLatencyCurve = 5.0

// NewTopology creates a new [*Topology].
//
// This function panics if the configuration is invalid.
func NewTopology(cfg TopologyConfig) *Topology {
	t := &Topology{links: make(map[link]*linkConfig)}
	t.SetFailRate(cfg.FailRate)
	if cfg.MessageLatencyCurve == 0 {
		cfg.MessageLatencyCurve = DefaultMessageLatencyCurve
	}
	t.SetMessageLatencyCurve(cfg.MessageLatencyCurve)
	t.SetMinMessageLatency(cfg.MinMessageLatency)
	t.SetMaxMessageLatency(cfg.MaxMessageLatency)
	return t
}

// SetFailRate sets the global fail rate.
//
// This method panics if value is not within [0, 1].
func (t *Topology) SetFailRate(value float64) {
	runtimex.Assert(value >= 0 && value <= 1, "world: fail rate must be within [0, 1]")
	t.failRate = value
}

// SetLinkFailRate overrides the fail rate of the link between a and b.
//
// This method panics if value is not within [0, 1].
func (t *Topology) SetLinkFailRate(a, b netip.Addr, value float64) {
	runtimex.Assert(value >= 0 && value <= 1, "world: fail rate must be within [0, 1]")
	lc := t.link(a, b)
	lc.failRate = value
	lc.hasFailRate = true
}

// SetMessageLatencyCurve sets the lambda of the latency distribution.
//
// This method panics if value is not positive.
func (t *Topology) SetMessageLatencyCurve(value float64) {
	runtimex.Assert(value > 0, "world: latency curve must be positive")
	t.lambda = value
}

// SetMinMessageLatency sets the global min latency.
//
// This method panics if value is negative.
func (t *Topology) SetMinMessageLatency(value time.Duration) {
	runtimex.Assert(value >= 0, "world: negative latency")
	t.minLatency = value
}

// SetMaxMessageLatency sets the global max latency.
//
// This method panics if value is negative.
func (t *Topology) SetMaxMessageLatency(value time.Duration) {
	runtimex.Assert(value >= 0, "world: negative latency")
	t.maxLatency = value
}

// SetLinkMaxMessageLatency overrides the max latency of the link
// between a and b.
//
// This method panics if value is negative.
func (t *Topology) SetLinkMaxMessageLatency(a, b netip.Addr, value time.Duration) {
	runtimex.Assert(value >= 0, "world: negative latency")
	lc := t.link(a, b)
	lc.maxLatency = value
	lc.hasMaxLatency = true
}

// FailRate returns the fail rate of the link between a and b.
func (t *Topology) FailRate(a, b netip.Addr) float64 {
	if lc, found := t.links[newLink(a, b)]; found && lc.hasFailRate {
		return lc.failRate
	}
	return t.failRate
}

// MaxMessageLatency returns the max latency of the link between a and b.
func (t *Topology) MaxMessageLatency(a, b netip.Addr) time.Duration {
	if lc, found := t.links[newLink(a, b)]; found && lc.hasMaxLatency {
		return lc.maxLatency
	}
	return t.maxLatency
}

// MinMessageLatency returns the global min latency.
func (t *Topology) MinMessageLatency() time.Duration {
	return t.minLatency
}

// MessageLatencyCurve returns the lambda of the latency distribution.
func (t *Topology) MessageLatencyCurve() float64 {
	return t.lambda
}

// fails draws whether a message from a to b is lost.
func (t *Topology) fails(rng *rand.Rand, a, b netip.Addr) bool {
	p := t.FailRate(a, b)
	if p <= 0 {
		return false
	}
	return rng.Float64() < p
}

// latency draws the latency of a message from a to b.
func (t *Topology) latency(rng *rand.Rand, a, b netip.Addr) time.Duration {
	hi := t.MaxMessageLatency(a, b)
	lo := t.minLatency
	if hi <= lo {
		return hi
	}
	mult := rng.ExpFloat64() / t.lambda
	delay := lo + time.Duration(float64(hi-lo)*mult)
	return min(delay, hi)
}

// link returns the [*linkConfig] of a link, creating it if needed.
func (t *Topology) link(a, b netip.Addr) *linkConfig {
	key := newLink(a, b)
	lc, found := t.links[key]
	if !found {
		lc = &linkConfig{}
		t.links[key] = lc
	}
	return lc
}
