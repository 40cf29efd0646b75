package btree

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the index collectors. A nil *Metrics records nothing.
type Metrics struct {
	Splits     *prometheus.CounterVec
	RootSplits prometheus.Counter
	MoveRights prometheus.Counter
	// Unposted counts splits whose separator could not be placed in the
	// parent. The new node stays reachable through its left sibling.
	Unposted prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		Splits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "btree",
			Name:      "splits_total",
			Help:      "Node splits by node kind.",
		}, []string{"kind"}),
		RootSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "btree",
			Name:      "root_splits_total",
			Help:      "Root splits, each adding one level.",
		}),
		MoveRights: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "btree",
			Name:      "move_rights_total",
			Help:      "Right-link hops taken because a key was above a node's high key.",
		}),
		Unposted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "btree",
			Name:      "unposted_separators_total",
			Help:      "Splits left reachable only through the right link.",
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

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Splits, m.RootSplits, m.MoveRights, m.Unposted}
}

func (m *Metrics) split(leaf bool) {
	if m == nil {
		return
	}
	kind := "internal"
	if leaf {
		kind = "leaf"
	}
	m.Splits.WithLabelValues(kind).Inc()
}

func (m *Metrics) rootSplit() {
	if m != nil {
		m.RootSplits.Inc()
	}
}

func (m *Metrics) movedRight() {
	if m != nil {
		m.MoveRights.Inc()
	}
}

func (m *Metrics) unposted() {
	if m != nil {
		m.Unposted.Inc()
	}
}
