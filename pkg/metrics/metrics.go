// Package metrics records what the cache backend decided and how long it took.
//
// Latency quantiles are kept in DDSketches per operation for the end-of-build summary;
// outcome and byte counters are exported through Prometheus.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/prometheus/client_golang/prometheus"
)

// Op is a backend operation.
type Op string

const (
	OpLoad     = Op("load")
	OpStore    = Op("store")
	OpDelete   = Op("delete")
	OpValidate = Op("validate")
)

// Outcome is how an operation ended. Policy short-circuits have their own outcomes so they
// can be told apart from remote failures.
type Outcome string

const (
	OutcomeHit      = Outcome("hit")
	OutcomeMiss     = Outcome("miss")
	OutcomeOK       = Outcome("ok")
	OutcomeDisabled = Outcome("disabled")
	OutcomePullOnly = Outcome("pull_only")
	OutcomeOversize = Outcome("oversized")
	OutcomeError    = Outcome("error")
)

// DefaultRelativeAccuracy is the DDSketch accuracy used when none is given.
const DefaultRelativeAccuracy = 0.01

// Recorder is safe for concurrent use.
type Recorder struct {
	mu               sync.Mutex
	sketches         map[Op]*ddsketch.DDSketch
	relativeAccuracy float64

	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// NewRecorder creates a Recorder and registers its counters with reg. A nil reg leaves the
// counters unregistered, which is what tests and library callers without Prometheus want.
func NewRecorder(reg prometheus.Registerer, relativeAccuracy float64) *Recorder {
	if relativeAccuracy <= 0 {
		relativeAccuracy = DefaultRelativeAccuracy
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ossbuildcache_backend_requests_total",
		Help: "Backend operations by outcome",
	}, []string{"op", "outcome"})

	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ossbuildcache_backend_bytes_total",
		Help: "Payload bytes moved to or from the object store",
	}, []string{"op"})

	if reg != nil {
		reg.MustRegister(requests, bytes)
	}

	return &Recorder{
		sketches:         make(map[Op]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
		requests:         requests,
		bytes:            bytes,
	}
}

// Observe records one finished operation.
func (r *Recorder) Observe(op Op, outcome Outcome, duration time.Duration) {
	r.requests.WithLabelValues(string(op), string(outcome)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	sketch, ok := r.sketches[op]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(r.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(DefaultRelativeAccuracy)
		}
		r.sketches[op] = sketch
	}

	// Milliseconds.
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// AddBytes counts payload bytes for op.
func (r *Recorder) AddBytes(op Op, n int) {
	r.bytes.WithLabelValues(string(op)).Add(float64(n))
}

// Requests returns the counter for op and outcome.
func (r *Recorder) Requests(op Op, outcome Outcome) prometheus.Counter {
	return r.requests.WithLabelValues(string(op), string(outcome))
}

// Bytes returns the byte counter for op.
func (r *Recorder) Bytes(op Op) prometheus.Counter {
	return r.bytes.WithLabelValues(string(op))
}

// Stats summarizes the latency of one operation in milliseconds.
type Stats struct {
	Op    Op
	Count int64
	Min   float64
	P50   float64
	P90   float64
	P99   float64
	Max   float64
}

// Stats returns the latency summary for op.
func (r *Recorder) Stats(op Op) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked(op)
}

func (r *Recorder) statsLocked(op Op) (Stats, error) {
	sketch, ok := r.sketches[op]
	if !ok {
		return Stats{}, fmt.Errorf("no data for operation: %s", op)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Op: op}, nil
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Op:    op,
		Count: int64(count),
		Min:   min,
		P50:   p50,
		P90:   p90,
		P99:   p99,
		Max:   max,
	}, nil
}

// AllStats returns a summary for every operation seen so far, ordered by name.
func (r *Recorder) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]Stats, 0, len(r.sketches))
	for op := range r.sketches {
		if s, err := r.statsLocked(op); err == nil {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Op < all[j].Op })
	return all
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Op)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Op, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
