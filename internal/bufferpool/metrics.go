package bufferpool

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricHits       = "hits_total"
	MetricMisses     = "misses_total"
	MetricEvictions  = "evictions_total"
	MetricWritebacks = "writebacks_total"
	MetricIOErrors   = "io_errors_total"
	MetricNoFrame    = "no_free_frame_total"
	MetricPinned     = "pinned_frames"
)

// Metrics are the pool's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Hits       prometheus.Counter
	Misses     prometheus.Counter
	Evictions  prometheus.Counter
	Writebacks prometheus.Counter
	IOErrors   prometheus.Counter
	NoFrame    prometheus.Counter
	Pinned     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bufferpool",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		Hits:       counter(MetricHits, "Fetches served from a resident frame."),
		Misses:     counter(MetricMisses, "Fetches that had to read the page from disk."),
		Evictions:  counter(MetricEvictions, "Frames rebound to another page."),
		Writebacks: counter(MetricWritebacks, "Dirty pages written back to disk."),
		IOErrors:   counter(MetricIOErrors, "Disk reads or writes that failed."),
		NoFrame:    counter(MetricNoFrame, "Fetch attempts that found every frame pinned."),
		Pinned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bufferpool",
			Name:      MetricPinned,
			Help:      "Frames with a positive pin count.",
		}),
	}
	if reg != nil {
		cs := m.Collectors()
		for i, c := range cs {
			if err := reg.Register(c); err != nil {
				for _, done := range cs[:i] {
					reg.Unregister(done)
				}
				return nil, err
			}
		}
	}
	return m, nil
}

// Collectors lists everything NewMetrics registers.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Hits, m.Misses, m.Evictions, m.Writebacks, m.IOErrors, m.NoFrame, m.Pinned}
}

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) wroteBack() {
	if m != nil {
		m.Writebacks.Inc()
	}
}

func (m *Metrics) ioError() {
	if m != nil {
		m.IOErrors.Inc()
	}
}

func (m *Metrics) noFrame() {
	if m != nil {
		m.NoFrame.Inc()
	}
}

func (m *Metrics) setPinned(n int) {
	if m != nil {
		m.Pinned.Set(float64(n))
	}
}
