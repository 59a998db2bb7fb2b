// Package metrics provides lightweight, lock-minimal counters for the
// anonymization service.
//
// Counters use sync/atomic so hot paths incur no mutex contention. Latency
// statistics use a single mutex per dimension; they are updated at most once
// per request or recognizer call.
//
// *Metrics satisfies the observer interfaces of the recognizer adapter, the
// detector and the anonymizer facade, so one value is wired into all three.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/recognizer"
)

// Metrics holds all runtime counters for a running service instance.
// The zero value is ready to use apart from uptime, which New records.
type Metrics struct {
	// Request counters
	RequestsTotal    atomic.Int64
	RequestsOK       atomic.Int64
	RequestsRejected atomic.Int64
	RequestsFailed   atomic.Int64 // redaction invariant violations
	RequestsDegraded atomic.Int64 // served in fallback mode

	// Recognizer counters
	RecognizerCalls    atomic.Int64
	RecognizerErrors   atomic.Int64
	RecognizerTimeouts atomic.Int64
	RecognizerDisabled atomic.Int64

	// Redactions per entity type. Keys are pii.EntityType strings, values
	// *atomic.Int64 created on first use.
	redactions sync.Map

	// Latency statistics (mutex-guarded because they accumulate floats)
	detectMu   sync.Mutex
	detectStat latencyStats

	recognizerMu   sync.Mutex
	recognizerStat latencyStats

	requestMu   sync.Mutex
	requestStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// ObserveRequest records one facade call.
func (m *Metrics) ObserveRequest(r anonymizer.Report) {
	m.RequestsTotal.Add(1)
	switch r.Status {
	case anonymizer.StatusOK:
		m.RequestsOK.Add(1)
	case anonymizer.StatusRejected:
		m.RequestsRejected.Add(1)
	default:
		m.RequestsFailed.Add(1)
	}
	if r.Degraded {
		m.RequestsDegraded.Add(1)
	}
	if r.Status == anonymizer.StatusOK && r.Operation != anonymizer.OpDetect {
		for t, n := range r.Counts {
			m.counter(string(t)).Add(int64(n))
		}
	}
	m.requestMu.Lock()
	m.requestStat.record(ms(r.Elapsed))
	m.requestMu.Unlock()
}

// ObserveRecognizer records one recognizer call. reason is empty on success.
func (m *Metrics) ObserveRecognizer(elapsed time.Duration, reason string) {
	switch reason {
	case "":
	case recognizer.ReasonDisabled:
		m.RecognizerDisabled.Add(1)
		return
	case recognizer.ReasonTimeout:
		m.RecognizerTimeouts.Add(1)
	default:
		m.RecognizerErrors.Add(1)
	}
	m.RecognizerCalls.Add(1)
	m.recognizerMu.Lock()
	m.recognizerStat.record(ms(elapsed))
	m.recognizerMu.Unlock()
}

// ObserveDetection records the duration of one detection pass.
func (m *Metrics) ObserveDetection(elapsed time.Duration, _ bool) {
	m.detectMu.Lock()
	m.detectStat.record(ms(elapsed))
	m.detectMu.Unlock()
}

func (m *Metrics) counter(entityType string) *atomic.Int64 {
	if c, ok := m.redactions.Load(entityType); ok {
		return c.(*atomic.Int64)
	}
	c, _ := m.redactions.LoadOrStore(entityType, new(atomic.Int64))
	return c.(*atomic.Int64)
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.detectMu.Lock()
	detect := m.detectStat.snapshot()
	m.detectMu.Unlock()

	m.recognizerMu.Lock()
	rec := m.recognizerStat.snapshot()
	m.recognizerMu.Unlock()

	m.requestMu.Lock()
	req := m.requestStat.snapshot()
	m.requestMu.Unlock()

	byType := make(map[string]int64)
	var total int64
	m.redactions.Range(func(k, v any) bool {
		if n := v.(*atomic.Int64).Load(); n > 0 {
			byType[k.(string)] = n
			total += n
		}
		return true
	})

	var uptime float64
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime).Seconds()
	}

	return Snapshot{
		Requests: RequestSnapshot{
			Total:    m.RequestsTotal.Load(),
			OK:       m.RequestsOK.Load(),
			Rejected: m.RequestsRejected.Load(),
			Failed:   m.RequestsFailed.Load(),
			Degraded: m.RequestsDegraded.Load(),
		},
		Recognizer: RecognizerSnapshot{
			Calls:    m.RecognizerCalls.Load(),
			Errors:   m.RecognizerErrors.Load(),
			Timeouts: m.RecognizerTimeouts.Load(),
			Disabled: m.RecognizerDisabled.Load(),
		},
		Redactions: RedactionSnapshot{
			Total:  total,
			ByType: byType,
		},
		Latency: LatencyGroup{
			RequestMs:    req,
			DetectionMs:  detect,
			RecognizerMs: rec,
		},
		UptimeSecs: uptime,
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Requests   RequestSnapshot    `json:"requests"`
	Recognizer RecognizerSnapshot `json:"recognizer"`
	Redactions RedactionSnapshot  `json:"redactions"`
	Latency    LatencyGroup       `json:"latency"`
	UptimeSecs float64            `json:"uptimeSecs"`
}

// RequestSnapshot holds request-level counters.
type RequestSnapshot struct {
	Total    int64 `json:"total"`
	OK       int64 `json:"ok"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
	Degraded int64 `json:"degraded"`
}

// RecognizerSnapshot holds statistical recognizer counters.
type RecognizerSnapshot struct {
	Calls    int64 `json:"calls"`
	Errors   int64 `json:"errors"`
	Timeouts int64 `json:"timeouts"`
	Disabled int64 `json:"disabled"`
}

// RedactionSnapshot holds replacement volume.
type RedactionSnapshot struct {
	Total int64 `json:"total"`

	// Per-type counts (only types with non-zero counts appear).
	ByType map[string]int64 `json:"byType,omitempty"`
}

// LatencyGroup groups the latency dimensions.
type LatencyGroup struct {
	RequestMs    LatencySnapshot `json:"requestMs"`
	DetectionMs  LatencySnapshot `json:"detectionMs"`
	RecognizerMs LatencySnapshot `json:"recognizerMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
