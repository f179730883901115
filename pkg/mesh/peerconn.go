package mesh

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// Connection state machine tuning constants (spec.md §4.5).
const (
	connectingFailureLimit = 5
	connectingProbeWindow  = 10 * time.Second
	connectingGrace        = 30 * time.Second

	// defaultDegradationThreshold is the default per spec.md §4.5;
	// overridable per game profile via PeerConnection.DegradationThreshold.
	defaultDegradationThreshold = 150 * time.Millisecond
	degradationSampleStreak     = 3
	degradedFailTimeout         = 30 * time.Second
	reconnectInterval           = 5 * time.Second

	latencyProbeTimeout = 2 * time.Second
)

// ConnState is one of the five states a PeerConnection can occupy.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateDegraded   ConnState = "degraded"
	StateFailed     ConnState = "failed"
	StateCleanup    ConnState = "cleanup"
)

// Status is the externally visible snapshot returned by PeerConnection.Status.
type Status struct {
	State    ConnState
	Strategy Strategy
	Endpoint Endpoint
	Latency  time.Duration
}

// PeerConnection drives one peer's connection state machine (spec.md §4.5):
// connecting -> connected -> degraded -> failed -> cleanup, with a direct
// recovery edge from degraded back to connected.
type PeerConnection struct {
	peerID      PeerID
	tunnelKey   TunnelPublicKey
	virtualAddr netip.Addr

	device   TunnelDevice
	pool     *AddressPool
	selector *RelaySelector
	metrics  *Metrics

	// DegradationThreshold overrides the default 150ms threshold; set
	// once before Start, not safe to mutate concurrently afterward.
	DegradationThreshold time.Duration

	mu           sync.Mutex
	state        ConnState
	strategy     Strategy
	lastLatency  time.Duration
	consecutive  int // consecutive samples on the "wrong side" of the threshold
	failedProbes int
	degradedSince time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeerConnection constructs a PeerConnection in the connecting state. The
// caller must call Start to begin its monitoring loop.
func NewPeerConnection(peerID PeerID, tunnelKey TunnelPublicKey, virtualAddr netip.Addr, strategy Strategy,
	device TunnelDevice, pool *AddressPool, selector *RelaySelector, m *Metrics) *PeerConnection {
	return &PeerConnection{
		peerID:               peerID,
		tunnelKey:            tunnelKey,
		virtualAddr:          virtualAddr,
		device:               device,
		pool:                 pool,
		selector:             selector,
		metrics:              m,
		DegradationThreshold: defaultDegradationThreshold,
		state:                StateConnecting,
		strategy:             strategy,
		done:                 make(chan struct{}),
	}
}

// Status returns a snapshot of the connection's current state.
func (c *PeerConnection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Strategy: c.strategy, Endpoint: c.strategy.Endpoint, Latency: c.lastLatency}
}

// State returns just the current state, for callers that don't need the
// full snapshot.
func (c *PeerConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start spawns the monitoring loop that issues latency probes and drives
// transitions. It returns immediately; the loop runs until Disconnect is
// called or ctx is cancelled.
func (c *PeerConnection) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.monitor(runCtx)
}

// Disconnect transitions the connection to cleanup. Idempotent.
func (c *PeerConnection) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateCleanup {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.enterCleanup(ctx)
}

// Done returns a channel closed once the monitoring loop has exited, which
// happens when Disconnect is called or the Start context is cancelled. It is
// not tied to cleanup: a grace-period cleanup after failure leaves it open.
func (c *PeerConnection) Done() <-chan struct{} { return c.done }

func (c *PeerConnection) monitor(ctx context.Context) {
	defer close(c.done)
	probeTicker := time.NewTicker(latencyProbeTimeout)
	reconnectTicker := time.NewTicker(reconnectInterval)
	defer probeTicker.Stop()
	defer reconnectTicker.Stop()

	connectingDeadline := time.Now().Add(connectingProbeWindow)

	for {
		select {
		case <-ctx.Done():
			return

		case <-probeTicker.C:
			probeCtx, cancel := context.WithTimeout(ctx, latencyProbeTimeout)
			latency, err := c.device.Probe(probeCtx, c.virtualAddr)
			cancel()
			c.mu.Lock()
			state := c.state
			c.mu.Unlock()

			switch state {
			case StateConnecting:
				if err == nil {
					c.transition(StateConnected)
					c.recordLatency(latency)
				} else {
					c.failedProbes++
					if time.Now().After(connectingDeadline) || c.failedProbes >= connectingFailureLimit {
						c.transition(StateFailed)
						go c.scheduleCleanup(ctx, connectingGrace)
					}
				}
			case StateConnected, StateDegraded:
				if err != nil {
					// A single failed probe while connected is not itself a
					// degradation sample; only slow replies count there.
					continue
				}
				c.recordLatency(latency)
			}

		case <-reconnectTicker.C:
			c.mu.Lock()
			degraded := c.state == StateDegraded
			since := c.degradedSince
			strat := c.strategy
			c.mu.Unlock()
			if !degraded {
				continue
			}
			c.attemptRecovery(ctx, strat)
			if time.Since(since) >= degradedFailTimeout {
				c.mu.Lock()
				stillDegraded := c.state == StateDegraded
				c.mu.Unlock()
				if stillDegraded {
					c.transition(StateFailed)
					go c.scheduleCleanup(ctx, connectingGrace)
				}
			}
		}
	}
}

// recordLatency applies one latency sample to the degradation streak logic
// and commits connected<->degraded transitions on a 3-sample streak
// (spec.md §4.5).
func (c *PeerConnection) recordLatency(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLatency = latency
	c.metrics.observe(c.metrics.LatencyProbeSeconds, latency.Seconds(), string(c.peerID))

	exceeds := latency > c.DegradationThreshold
	switch c.state {
	case StateConnected:
		if exceeds {
			c.consecutive++
			if c.consecutive >= degradationSampleStreak {
				c.setStateLocked(StateDegraded)
				c.degradedSince = time.Now()
				c.consecutive = 0
			}
		} else {
			c.consecutive = 0
		}
	case StateDegraded:
		if !exceeds {
			c.consecutive++
			if c.consecutive >= degradationSampleStreak {
				c.setStateLocked(StateConnected)
				c.consecutive = 0
			}
		} else {
			c.consecutive = 0
		}
	}
}

// attemptRecovery runs the degraded-state corrective action every
// reconnectInterval (spec.md §4.5): refresh the tunnel entry for a direct
// strategy, or propose a relay switch for a relay strategy.
func (c *PeerConnection) attemptRecovery(ctx context.Context, strat Strategy) {
	switch strat.Kind {
	case StrategyDirect:
		if err := c.device.RemovePeer(ctx, c.tunnelKey); err != nil {
			slog.Warn("peerconn: recovery remove failed", "peer", c.peerID, "error", err)
			return
		}
		allowed := []netip.Prefix{netip.PrefixFrom(c.virtualAddr, c.virtualAddr.BitLen())}
		if err := c.device.AddPeer(ctx, c.tunnelKey, strat.Endpoint, allowed); err != nil {
			slog.Warn("peerconn: recovery re-add failed", "peer", c.peerID, "error", err)
		}
	case StrategyRelay:
		c.mu.Lock()
		lastRTT := c.lastLatency
		c.mu.Unlock()
		candidate, ok := c.selector.SwitchRelay(ctx, nil, strat.Endpoint.String(), lastRTT)
		if !ok {
			return
		}
		newStrategy := Strategy{Kind: StrategyRelay, Endpoint: candidate.Endpoint}
		allowed := []netip.Prefix{netip.PrefixFrom(c.virtualAddr, c.virtualAddr.BitLen())}
		if err := c.device.AddPeer(ctx, c.tunnelKey, newStrategy.Endpoint, allowed); err != nil {
			slog.Warn("peerconn: relay switch re-add failed", "peer", c.peerID, "error", err)
			return
		}
		c.mu.Lock()
		c.strategy = newStrategy
		c.setStateLocked(StateConnected)
		c.consecutive = 0
		c.mu.Unlock()
	}
}

func (c *PeerConnection) scheduleCleanup(ctx context.Context, grace time.Duration) {
	select {
	case <-time.After(grace):
		c.enterCleanup(ctx)
	case <-ctx.Done():
	}
}

// transition acquires the lock and delegates to setStateLocked.
func (c *PeerConnection) transition(to ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(to)
}

// setStateLocked updates state and emits the metric transition. Caller
// must hold c.mu.
func (c *PeerConnection) setStateLocked(to ConnState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.incCounter(c.metrics.PeerConnStateTotal, string(from), string(to))
	slog.Info("peerconn: state transition", "peer", c.peerID, "from", from, "to", to)
}

// enterCleanup instructs the tunnel device to remove the peer, releases
// the virtual address, and commits the terminal cleanup state. Idempotent.
func (c *PeerConnection) enterCleanup(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateCleanup {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateCleanup)
	c.mu.Unlock()

	if err := c.device.RemovePeer(ctx, c.tunnelKey); err != nil {
		slog.Warn("peerconn: cleanup remove failed", "peer", c.peerID, "error", err)
	}
	c.pool.Release(c.peerID)
}
