// Package metrics exposes controller state to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/logic/motion"
)

var statusFlags = []struct {
	flag motion.Status
	name string
}{
	{motion.StatusHAInit, "ha_init"},
	{motion.StatusDecInit, "dec_init"},
	{motion.StatusTracking, "tracking"},
	{motion.StatusGoto, "goto"},
	{motion.StatusCardinal, "cardinal"},
	{motion.StatusLimitError, "limit_error"},
	{motion.StatusAllStop, "all_stop"},
}

// Collector bundles the motord metrics. It implements motion.Observer so the
// controller drives the status gauges and trip counters directly.
type Collector struct {
	gatherer prometheus.Gatherer

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	LimitTrips   *prometheus.CounterVec
	StatusFlags  *prometheus.GaugeVec
	Position     *prometheus.GaugeVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "motord_ticks_total",
		Help: "Monitor ticks run.",
	})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "motord_tick_duration_seconds",
		Help:    "Time spent in one monitor tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	})
	trips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "motord_limit_trips_total",
		Help: "Moves aborted by a limit, labeled by limit kind and blocked direction.",
	}, []string{"kind", "direction"})
	flags := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "motord_status_flag",
		Help: "Controller status flags, 1 when set.",
	}, []string{"flag"})
	position := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "motord_position_steps",
		Help: "Axis position in motor steps from the zero switch.",
	}, []string{"axis"})

	for name, col := range map[string]prometheus.Collector{
		"motord_ticks_total":           ticks,
		"motord_tick_duration_seconds": duration,
		"motord_limit_trips_total":     trips,
		"motord_status_flag":           flags,
		"motord_position_steps":        position,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}

	c := &Collector{
		gatherer:     gatherer,
		Ticks:        ticks,
		TickDuration: duration,
		LimitTrips:   trips,
		StatusFlags:  flags,
		Position:     position,
	}
	c.StatusChanged(0)
	return c, nil
}

// StatusChanged sets one gauge per flag.
func (c *Collector) StatusChanged(st motion.Status) {
	for _, f := range statusFlags {
		v := 0.0
		if st&f.flag != 0 {
			v = 1
		}
		c.StatusFlags.WithLabelValues(f.name).Set(v)
	}
}

// LimitTripped counts an abort.
func (c *Collector) LimitTripped(kind string, dir motion.Direction) {
	c.LimitTrips.WithLabelValues(kind, dir.String()).Inc()
}

// ObserveTick records one tick. It has the shape of a scheduler listener.
func (c *Collector) ObserveTick(d time.Duration) {
	c.Ticks.Inc()
	c.TickDuration.Observe(d.Seconds())
}

// SetPosition updates the axis gauges.
func (c *Collector) SetPosition(p motion.Position) {
	c.Position.WithLabelValues("ha").Set(float64(p.HA))
	c.Position.WithLabelValues("dec").Set(float64(p.Dec))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
