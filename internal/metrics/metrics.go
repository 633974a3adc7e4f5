// Package metrics exports stream health and device readings to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trymwestin/nest/internal/core/device"
)

var streamStates = []string{"disconnected", "connecting", "streaming", "redirecting", "reconnecting", "faulted"}

var authStates = []string{
	"never_authorized", "authorization_required", "pending", "authorized", "invalid_token", "client_version_out_of_date",
}

// Metrics implements the stream recorder and mirrors device readings.
type Metrics struct {
	reg *prometheus.Registry

	streamState *prometheus.GaugeVec
	authState   *prometheus.GaugeVec
	reconnects  *prometheus.CounterVec
	events      *prometheus.CounterVec
	patches     prometheus.Counter
	entities    prometheus.Gauge

	ambientTemperature *prometheus.GaugeVec
	targetTemperature  *prometheus.GaugeVec
	humidity           *prometheus.GaugeVec
	away               *prometheus.GaugeVec
	cameraStreaming    *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		streamState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nest_stream_state",
				Help: "1 for the current stream connection state, 0 otherwise.",
			},
			[]string{"state"},
		),
		authState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nest_auth_state",
				Help: "1 for the current authorization state, 0 otherwise.",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nest_stream_reconnects_total",
				Help: "Reconnect attempts by reason.",
			},
			[]string{"reason"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nest_stream_events_total",
				Help: "Server events received by type.",
			},
			[]string{"type"},
		),
		patches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nest_patches_applied_total",
			Help: "Entity patches merged into the state tree.",
		}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nest_entities",
			Help: "Entities currently in the state tree.",
		}),
		ambientTemperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nest_thermostat_ambient_temperature",
				Help: "Ambient temperature in the thermostat's scale.",
			},
			[]string{"id", "name", "scale"},
		),
		targetTemperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nest_thermostat_target_temperature",
				Help: "Target temperature in the thermostat's scale.",
			},
			[]string{"id", "name", "scale"},
		),
		humidity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nest_thermostat_humidity",
				Help: "Relative humidity in percent.",
			},
			[]string{"id", "name"},
		),
		away: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nest_structure_away",
				Help: "1 when the structure is away.",
			},
			[]string{"id", "name"},
		),
		cameraStreaming: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nest_camera_streaming",
				Help: "1 when the camera is streaming.",
			},
			[]string{"id", "name"},
		),
	}
	m.reg.MustRegister(
		m.streamState,
		m.authState,
		m.reconnects,
		m.events,
		m.patches,
		m.entities,
		m.ambientTemperature,
		m.targetTemperature,
		m.humidity,
		m.away,
		m.cameraStreaming,
	)
	return m
}

// Registry exposes the registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SetStreamState(s string) { setOneHot(m.streamState, streamStates, s) }

func (m *Metrics) SetAuthState(s string) { setOneHot(m.authState, authStates, s) }

func (m *Metrics) ObserveEvent(eventType string) { m.events.WithLabelValues(eventType).Inc() }

func (m *Metrics) AddPatches(n int) { m.patches.Add(float64(n)) }

func (m *Metrics) IncReconnects(reason string) { m.reconnects.WithLabelValues(reason).Inc() }

func (m *Metrics) SetEntities(n int) { m.entities.Set(float64(n)) }

// ObserveHome refreshes the device gauges from the current tree. Devices that
// disappeared drop their series.
func (m *Metrics) ObserveHome(home *device.Home) {
	m.ambientTemperature.Reset()
	m.targetTemperature.Reset()
	m.humidity.Reset()
	m.away.Reset()
	m.cameraStreaming.Reset()

	for _, t := range home.Thermostats() {
		if v, ok := t.Temperature(); ok {
			m.ambientTemperature.WithLabelValues(t.ID(), t.Name(), t.Scale()).Set(v)
		}
		if v, ok := t.Target(); ok {
			m.targetTemperature.WithLabelValues(t.ID(), t.Name(), t.Scale()).Set(v)
		}
		if v, ok := t.Humidity(); ok {
			m.humidity.WithLabelValues(t.ID(), t.Name()).Set(v)
		}
	}
	for _, s := range home.Structures() {
		m.away.WithLabelValues(s.ID(), s.Name()).Set(boolToFloat(s.Away() == device.AwayAway))
	}
	for _, c := range home.Cameras() {
		m.cameraStreaming.WithLabelValues(c.ID(), c.Name()).Set(boolToFloat(c.IsStreaming()))
	}
}

func setOneHot(vec *prometheus.GaugeVec, all []string, current string) {
	for _, s := range all {
		vec.WithLabelValues(s).Set(boolToFloat(s == current))
	}
	if current != "" {
		vec.WithLabelValues(current).Set(1)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
