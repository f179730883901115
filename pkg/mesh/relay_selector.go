package mesh

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"time"
)

const (
	relayProbeSamples = 3
	relayProbeTimeout = 1 * time.Second
	relayPongPayload  = "LANrage-RELAY-PONG-v1\x00"
	relayPingPayload  = "LANrage-RELAY-PING-v1\x00"

	// DefaultRelaySwitchMargin is the fraction by which a candidate relay's
	// RTT must beat the current endpoint's last observed RTT before a
	// runtime switch commits (spec.md §4.3).
	DefaultRelaySwitchMargin = 0.20
)

// RelayCandidate is a relay endpoint with its most recently measured RTT.
type RelayCandidate struct {
	RelayID  string
	Endpoint Endpoint
	MeanRTT  time.Duration
	Reachable bool
}

// RelaySelector enumerates, probes, ranks, and switches between candidate
// relays (spec.md §4.3).
type RelaySelector struct {
	// StaticRelay is the relay declared in local configuration, appended
	// to the control-plane-advertised list.
	StaticRelay *RelayRecord
	// DefaultRelay is the built-in fallback, always appended last.
	DefaultRelay *RelayRecord
	// SwitchMargin is the configurable margin from spec.md §4.3 (default 20%).
	SwitchMargin float64

	metrics *Metrics
}

// NewRelaySelector creates a RelaySelector with the default switch margin.
func NewRelaySelector(static, def *RelayRecord, m *Metrics) *RelaySelector {
	return &RelaySelector{
		StaticRelay:  static,
		DefaultRelay: def,
		SwitchMargin: DefaultRelaySwitchMargin,
		metrics:      m,
	}
}

// candidates builds the deduplicated candidate list: control-plane
// advertised relays, then the static config relay, then the built-in
// default, in that order (spec.md §4.3).
func (s *RelaySelector) candidates(advertised []RelayRecord) []RelayRecord {
	seen := make(map[string]bool)
	var out []RelayRecord
	add := func(r *RelayRecord) {
		if r == nil || seen[r.RelayID] {
			return
		}
		seen[r.RelayID] = true
		out = append(out, *r)
	}
	for i := range advertised {
		add(&advertised[i])
	}
	add(s.StaticRelay)
	add(s.DefaultRelay)
	return out
}

// ChooseRelay probes every candidate and returns the one with the lowest
// mean RTT, breaking ties by listed order. Fails with ErrNoRelayAvailable
// if none respond.
func (s *RelaySelector) ChooseRelay(ctx context.Context, advertised []RelayRecord) (RelayCandidate, error) {
	ranked := s.rank(ctx, s.candidates(advertised))
	if len(ranked) == 0 {
		return RelayCandidate{}, ErrNoRelayAvailable
	}
	return ranked[0], nil
}

// SwitchRelay proposes the next best candidate excluding the current one
// (matched by relay id or by endpoint string), committing only if its RTT
// strictly beats currentLastRTT by SwitchMargin.
func (s *RelaySelector) SwitchRelay(ctx context.Context, advertised []RelayRecord, current string, currentLastRTT time.Duration) (RelayCandidate, bool) {
	var filtered []RelayRecord
	for _, r := range s.candidates(advertised) {
		if r.RelayID != current && r.PublicEndpoint.String() != current {
			filtered = append(filtered, r)
		}
	}
	ranked := s.rank(ctx, filtered)
	if len(ranked) == 0 {
		return RelayCandidate{}, false
	}
	best := ranked[0]
	threshold := time.Duration(float64(currentLastRTT) * (1 - s.SwitchMargin))
	if best.MeanRTT < threshold {
		s.metrics.incCounter(s.metrics.RelaySwitchTotal, "degraded")
		slog.Info("relay: switch committed", "from", current, "to", best.RelayID,
			"new_rtt", best.MeanRTT, "old_rtt", currentLastRTT)
		return best, true
	}
	return RelayCandidate{}, false
}

func (s *RelaySelector) rank(ctx context.Context, list []RelayRecord) []RelayCandidate {
	out := make([]RelayCandidate, 0, len(list))
	for i, r := range list {
		rtt, ok := s.probeMeanRTT(ctx, r.PublicEndpoint)
		s.metrics.observe(s.metrics.RelayProbeRTT, rtt.Seconds(), r.RelayID)
		out = append(out, RelayCandidate{
			RelayID:   r.RelayID,
			Endpoint:  r.PublicEndpoint,
			MeanRTT:   rtt,
			Reachable: ok,
		})
		_ = i
	}
	var reachable []RelayCandidate
	for _, c := range out {
		if c.Reachable {
			reachable = append(reachable, c)
		}
	}
	sort.SliceStable(reachable, func(i, j int) bool {
		return reachable[i].MeanRTT < reachable[j].MeanRTT
	})
	return reachable
}

// probeMeanRTT sends relayProbeSamples ping/pong exchanges to ep and
// averages the successful round trips. An endpoint with zero successful
// replies within relayProbeTimeout per sample is unreachable.
func (s *RelaySelector) probeMeanRTT(ctx context.Context, ep Endpoint) (time.Duration, bool) {
	conn, err := net.DialUDP("udp", nil, ep.UDPAddr())
	if err != nil {
		return 0, false
	}
	defer conn.Close()

	var total time.Duration
	var samples int
	buf := make([]byte, 64)

	for i := 0; i < relayProbeSamples; i++ {
		select {
		case <-ctx.Done():
			break
		default:
		}
		start := time.Now()
		conn.SetDeadline(time.Now().Add(relayProbeTimeout))
		if _, err := conn.Write([]byte(relayPingPayload)); err != nil {
			continue
		}
		n, err := conn.Read(buf)
		if err != nil || string(buf[:n]) != relayPongPayload {
			continue
		}
		total += time.Since(start)
		samples++
	}
	if samples == 0 {
		return 0, false
	}
	return total / time.Duration(samples), true
}
