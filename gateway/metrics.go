package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricGenericNacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doip",
		Name:      "generic_nacks_total",
		Help:      "Generic header negative acknowledges sent, by code.",
	}, []string{"transport", "code"})

	metricDiagNacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doip",
		Name:      "diagnostic_nacks_total",
		Help:      "Diagnostic message negative acknowledges sent, by code.",
	}, []string{"code"})

	metricDiagMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doip",
		Name:      "diagnostic_messages_total",
		Help:      "Diagnostic messages forwarded, by direction.",
	}, []string{"direction"})

	metricActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doip",
		Name:      "routing_activations_total",
		Help:      "Routing activation responses sent, by code.",
	}, []string{"code"})

	metricAliveChecks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "doip",
		Name:      "alive_checks_total",
		Help:      "Alive check requests sent.",
	})

	metricConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doip",
		Name:      "connections_total",
		Help:      "TCP connections opened and closed by the entity.",
	}, []string{"event"})

	metricTxRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "doip",
		Name:      "tx_queue_rejects_total",
		Help:      "Transmissions refused because the connection queue was full.",
	})

	metricUDPDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doip",
		Name:      "udp_dropped_total",
		Help:      "UDP datagrams dropped, by reason.",
	}, []string{"reason"})
)

func codeLabel(code uint8) string {
	return "0x" + strconv.FormatUint(uint64(code)|0x100, 16)[1:]
}
