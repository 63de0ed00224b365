// Package telemetry records per-run counters for converter jobs and renders
// them as a structured log summary or in the Prometheus text exposition
// format, suitable for a node_exporter textfile collector.
package telemetry

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// Counter names shared by the pipelines.
const (
	RecordsRead      = "records_read"
	RecordsConverted = "records_converted"
	RecordsFiltered  = "records_filtered"
	RecordsSkipped   = "records_skipped"
	MalformedLines   = "malformed_lines"
	DuplicateCaseIDs = "duplicate_case_ids"
	BundleEntries    = "bundle_entries"
	RowsWritten      = "rows_written"
	ColumnsMapped    = "columns_mapped"
	ColumnsNull      = "columns_null"
	ValidationIssues = "validation_issues"
)

// metricPrefix namespaces every exported metric.
const metricPrefix = "mdi_convert"

// ---------------------------------------------------------------------------
// Counter store, keyed by metric name
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := delta
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder accumulates the counters of a single job run. A nil *Recorder is
// valid and discards everything.
type Recorder struct {
	job      string
	counters *counterStore
	now      func() time.Time
	started  time.Time

	mu       sync.Mutex
	finished time.Time
	failed   bool
}

// NewRecorder starts a recorder for job (e.g. "fhir" or "remap").
func NewRecorder(job string) *Recorder {
	return newRecorderAt(job, time.Now)
}

func newRecorderAt(job string, now func() time.Time) *Recorder {
	return &Recorder{
		job:      job,
		counters: newCounterStore(),
		now:      now,
		started:  now(),
	}
}

// Inc increments the named counter by one.
func (r *Recorder) Inc(name string) {
	r.Add(name, 1)
}

// Add increments the named counter by delta.
func (r *Recorder) Add(name string, delta int64) {
	if r == nil {
		return
	}
	r.counters.add(name, delta)
}

// Get returns the current value of the named counter.
func (r *Recorder) Get(name string) int64 {
	if r == nil {
		return 0
	}
	return r.counters.get(name)
}

// Snapshot returns a copy of all counters.
func (r *Recorder) Snapshot() map[string]int64 {
	if r == nil {
		return map[string]int64{}
	}
	return r.counters.snapshot()
}

// Finish marks the run complete. Subsequent calls keep the first result.
func (r *Recorder) Finish(err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished.IsZero() {
		return
	}
	r.finished = r.now()
	r.failed = err != nil
}

// Elapsed returns the run duration, up to now when the run is unfinished.
func (r *Recorder) Elapsed() time.Duration {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	end := r.finished
	if end.IsZero() {
		end = r.now()
	}
	return end.Sub(r.started)
}

// LogSummary emits one info line carrying every counter.
func (r *Recorder) LogSummary(logger zerolog.Logger) {
	if r == nil {
		return
	}
	counts := zerolog.Dict()
	snap := r.Snapshot()
	for _, name := range sortedKeys(snap) {
		counts.Int64(name, snap[name])
	}
	logger.Info().
		Str("job", r.job).
		Dict("counters", counts).
		Dur("elapsed", r.Elapsed()).
		Msg("run summary")
}

// WritePrometheus writes the counters, the run duration and the outcome in
// the Prometheus text exposition format.
func (r *Recorder) WritePrometheus(w io.Writer) error {
	if r == nil {
		return nil
	}
	var b strings.Builder
	labels := fmt.Sprintf("job=%q", r.job)

	snap := r.Snapshot()
	for _, name := range sortedKeys(snap) {
		metric := metricPrefix + "_" + sanitizeName(name) + "_total"
		fmt.Fprintf(&b, "# HELP %s Total %s in the last run.\n", metric, strings.ReplaceAll(name, "_", " "))
		fmt.Fprintf(&b, "# TYPE %s counter\n", metric)
		fmt.Fprintf(&b, "%s{%s} %d\n", metric, labels, snap[name])
	}

	r.mu.Lock()
	failed := r.failed
	finished := r.finished
	r.mu.Unlock()

	fmt.Fprintf(&b, "# HELP %s_run_duration_seconds Wall-clock duration of the last run.\n", metricPrefix)
	fmt.Fprintf(&b, "# TYPE %s_run_duration_seconds gauge\n", metricPrefix)
	fmt.Fprintf(&b, "%s_run_duration_seconds{%s} %g\n", metricPrefix, labels, r.Elapsed().Seconds())

	success := 1
	if failed {
		success = 0
	}
	fmt.Fprintf(&b, "# HELP %s_run_success Whether the last run completed without a fatal error.\n", metricPrefix)
	fmt.Fprintf(&b, "# TYPE %s_run_success gauge\n", metricPrefix)
	fmt.Fprintf(&b, "%s_run_success{%s} %d\n", metricPrefix, labels, success)

	if !finished.IsZero() {
		fmt.Fprintf(&b, "# HELP %s_last_run_timestamp_seconds Unix time the last run finished.\n", metricPrefix)
		fmt.Fprintf(&b, "# TYPE %s_last_run_timestamp_seconds gauge\n", metricPrefix)
		fmt.Fprintf(&b, "%s_last_run_timestamp_seconds{%s} %d\n", metricPrefix, labels, finished.Unix())
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// sanitizeName maps a counter name onto the Prometheus metric name charset.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return unicode.ToLower(r)
		}
		return '_'
	}, name)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
