package mesh

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the mesh core's Prometheus collectors on an isolated
// registry, so they never collide with a host process's default registry.
// The helper methods below accept a nil receiver and a nil collector, but
// call sites that pass a collector field (m.X) dereference m first, so
// components that report through them need a non-nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	STUNProbeTotal      *prometheus.CounterVec
	NATClassifications  *prometheus.CounterVec
	HolePunchTotal      *prometheus.CounterVec
	HolePunchDuration   *prometheus.HistogramVec
	RelayProbeRTT       *prometheus.HistogramVec
	RelaySwitchTotal    *prometheus.CounterVec
	PeerConnStateTotal  *prometheus.CounterVec
	PeerConnCurrent     *prometheus.GaugeVec
	LatencyProbeSeconds *prometheus.HistogramVec
	AddressPoolInUse    prometheus.Gauge
	ControlPlaneOpTotal *prometheus.CounterVec
	RelayFwdPacketTotal *prometheus.CounterVec
	RelayFwdClients     prometheus.Gauge
	BroadcastFwdTotal   *prometheus.CounterVec
	BroadcastDedupTotal *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance with all collectors registered on a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		STUNProbeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_stun_probe_total",
			Help: "Total STUN Binding Request attempts, by result.",
		}, []string{"result"}),

		NATClassifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_nat_classification_total",
			Help: "Total NAT classifications produced, by class.",
		}, []string{"class"}),

		HolePunchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_holepunch_total",
			Help: "Total hole punch attempts, by result.",
		}, []string{"result"}),

		HolePunchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_holepunch_duration_seconds",
			Help:    "Duration of hole punch attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 8),
		}, []string{"result"}),

		RelayProbeRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_relay_probe_rtt_seconds",
			Help:    "Measured RTT to candidate relays.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"relay_id"}),

		RelaySwitchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_relay_switch_total",
			Help: "Total committed relay switches, by reason.",
		}, []string{"reason"}),

		PeerConnStateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_peerconn_transition_total",
			Help: "Total peer connection state transitions.",
		}, []string{"from", "to"}),

		PeerConnCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_peerconn_current",
			Help: "Current number of peer connections, by state.",
		}, []string{"state"}),

		LatencyProbeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_latency_probe_seconds",
			Help:    "Round-trip latency samples from peer connection probes.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"peer_id"}),

		AddressPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_address_pool_in_use",
			Help: "Number of virtual addresses currently allocated.",
		}),

		ControlPlaneOpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_control_plane_op_total",
			Help: "Total control plane operations, by op and result.",
		}, []string{"op", "result"}),

		RelayFwdPacketTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_relay_forward_packet_total",
			Help: "Total packets handled by the relay forwarder, by outcome.",
		}, []string{"outcome"}),

		RelayFwdClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_relay_forward_clients",
			Help: "Current number of tracked relay client identities.",
		}),

		BroadcastFwdTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_broadcast_forward_total",
			Help: "Total broadcast/multicast datagrams forwarded, by outcome.",
		}, []string{"outcome"}),

		BroadcastDedupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_broadcast_dedup_total",
			Help: "Total broadcast datagrams dropped as duplicates.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.STUNProbeTotal, m.NATClassifications, m.HolePunchTotal, m.HolePunchDuration,
		m.RelayProbeRTT, m.RelaySwitchTotal, m.PeerConnStateTotal, m.PeerConnCurrent,
		m.LatencyProbeSeconds, m.AddressPoolInUse, m.ControlPlaneOpTotal,
		m.RelayFwdPacketTotal, m.RelayFwdClients, m.BroadcastFwdTotal, m.BroadcastDedupTotal,
	)

	return m
}

// Handler returns an http.Handler that serves this Metrics' collectors in
// the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// incCounter, observe and setGauge return without effect when the receiver
// or the collector is nil. Reading the collector argument from a nil
// *Metrics still panics at the call site.

func (m *Metrics) incCounter(cv *prometheus.CounterVec, labels ...string) {
	if m == nil || cv == nil {
		return
	}
	cv.WithLabelValues(labels...).Inc()
}

func (m *Metrics) observe(hv *prometheus.HistogramVec, seconds float64, labels ...string) {
	if m == nil || hv == nil {
		return
	}
	hv.WithLabelValues(labels...).Observe(seconds)
}

func (m *Metrics) setGauge(gv *prometheus.GaugeVec, value float64, labels ...string) {
	if m == nil || gv == nil {
		return
	}
	gv.WithLabelValues(labels...).Set(value)
}
