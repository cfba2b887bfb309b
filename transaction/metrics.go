package transaction

import (
	"io"
	"sync"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

// Metrics counts transaction outcomes in Prometheus text format.
type Metrics struct {
	set       *vm.Set
	commits   *vm.Counter
	failures  *vm.Counter
	aborts    *vm.Counter
	conflicts *vm.Counter
	retries   *vm.Counter
	duration  *vm.Histogram
}

// NewMetrics creates an empty metric set.
func NewMetrics() *Metrics {
	s := vm.NewSet()
	return &Metrics{
		set:       s,
		commits:   s.NewCounter("guillotina_transaction_commits_total"),
		failures:  s.NewCounter("guillotina_transaction_commit_failures_total"),
		aborts:    s.NewCounter("guillotina_transaction_aborts_total"),
		conflicts: s.NewCounter("guillotina_transaction_conflicts_total"),
		retries:   s.NewCounter("guillotina_transaction_retries_total"),
		duration:  s.NewHistogram("guillotina_transaction_commit_duration_seconds"),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics is the process wide set used by managers created without WithMetrics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

func (m *Metrics) observeCommit(start time.Time, err error) {
	m.duration.UpdateDuration(start)
	if err != nil {
		m.failures.Inc()
		return
	}
	m.commits.Inc()
}

// Commits is the number of successful commits.
func (m *Metrics) Commits() uint64 { return m.commits.Get() }

// Conflicts is the number of units of work that hit a conflict.
func (m *Metrics) Conflicts() uint64 { return m.conflicts.Get() }

// Retries is the number of replays after a conflict.
func (m *Metrics) Retries() uint64 { return m.retries.Get() }

// WritePrometheus writes all metrics in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
