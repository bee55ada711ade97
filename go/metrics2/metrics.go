// Package metrics2 provides the process metrics used by the solver and the
// executors, backed by Prometheus. Metric names are sanitized so that
// dash-separated names used by callers map onto valid Prometheus names.
package metrics2

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtx    sync.Mutex
	gauges = map[string]*prometheus.GaugeVec{}
)

func sanitize(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name)
}

// getGaugeVec returns a registered GaugeVec for the given name and label
// keys, creating it on first use. The label keys for a given name must be
// consistent across the process.
func getGaugeVec(name string, labels []string) *prometheus.GaugeVec {
	mtx.Lock()
	defer mtx.Unlock()
	key := name + "|" + strings.Join(labels, ",")
	if v, ok := gauges[key]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sanitize(name)}, labels)
	if err := prometheus.Register(v); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			v = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	gauges[key] = v
	return v
}

func splitTags(tags map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, tags[k])
	}
	return keys, values
}

// Counter tracks a value which increments and decrements.
type Counter struct {
	g prometheus.Gauge
}

// GetCounter returns a Counter for the given name and tags. Repeated calls
// with the same name and tags return counters backed by the same metric.
func GetCounter(name string, tags map[string]string) *Counter {
	keys, values := splitTags(tags)
	return &Counter{g: getGaugeVec(name, keys).WithLabelValues(values...)}
}

// Inc increments the counter by the given quantity.
func (c *Counter) Inc(i int64) {
	c.g.Add(float64(i))
}

// Dec decrements the counter by the given quantity.
func (c *Counter) Dec(i int64) {
	c.g.Sub(float64(i))
}

// Reset sets the counter to zero.
func (c *Counter) Reset() {
	c.g.Set(0)
}

// Liveness tracks the wall time of the last successful completion of a
// periodic process, eg. a solver pass. Alerts fire when the age grows.
type Liveness struct {
	g prometheus.Gauge
}

// NewLiveness returns a Liveness for the given name.
func NewLiveness(name string) *Liveness {
	l := &Liveness{g: getGaugeVec(name+"_last_success_ts", nil).WithLabelValues()}
	l.Reset()
	return l
}

// Reset records a successful completion at the current time.
func (l *Liveness) Reset() {
	l.g.Set(float64(time.Now().Unix()))
}
