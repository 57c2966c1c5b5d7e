package verify

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry exposes a report as gauges. The panel serves it on /metrics and
// WriteTextfile hands it to node_exporter.
func Registry(r Report) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	up := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cpvarnish_service_up",
		Help: "Whether the managed service is active (1) or not (0).",
	}, []string{"service"})
	valid := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cpvarnish_service_config_valid",
		Help: "Whether the service configuration passes its self-check.",
	}, []string{"service"})
	uptime := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cpvarnish_service_uptime_seconds",
		Help: "Seconds since the service entered the active state.",
	}, []string{"service"})
	listening := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cpvarnish_port_listening",
		Help: "Whether the expected port is bound by the owning service.",
	}, []string{"service", "port"})
	hints := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cpvarnish_verify_hints",
		Help: "Number of remediation hints by signature.",
	}, []string{"signature"})
	checked := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpvarnish_verify_timestamp_seconds",
		Help: "Unix time of the verification run.",
	})
	reg.MustRegister(up, valid, uptime, listening, hints, checked)

	for _, s := range r.Services {
		up.WithLabelValues(s.Name).Set(b2f(s.Running))
		valid.WithLabelValues(s.Name).Set(b2f(s.ConfigValid))
		uptime.WithLabelValues(s.Name).Set(s.Uptime.Seconds())
	}
	for _, p := range r.Ports {
		listening.WithLabelValues(p.Service, strconv.Itoa(p.Port)).Set(b2f(p.Listening && !p.Conflict))
	}
	for _, h := range r.Hints {
		hints.WithLabelValues(string(h.Signature)).Inc()
	}
	checked.Set(float64(r.CheckedAt.Unix()))
	return reg
}

// WriteTextfile writes the report in the node_exporter textfile format.
func WriteTextfile(r Report, path string) error {
	return prometheus.WriteToTextfile(path, Registry(r))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
