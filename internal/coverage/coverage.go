// Package coverage implements the Coverage Tracker (spec.md §4.9): the
// merge of per-worker coverage vectors into a global set, and the
// scoring of overall progress.
package coverage

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/amyuch/processorfuzz/internal/riscvconst"
)

// Vector is a bit-set over the instrumentation domain, keyed by an
// opaque coverage-site identifier (spec.md §3, "Coverage Vector").
// Using a map of site-id to bool (rather than a raw integer) lets the
// domain be sparse and named (e.g. "csr:0x300", "fsm:edge12") instead
// of assuming a dense, fixed-width register.
type Vector map[string]bool

// FromBits turns a dense bit-set of the given width into a Vector
// keyed "bit<N>", matching the literal coverage-vector examples in
// spec.md §8 ("0b0011" and "0b0101").
func FromBits(raw uint64, width int) Vector {
	v := make(Vector, bits.OnesCount64(raw))
	for i := 0; i < width; i++ {
		if raw&(1<<uint(i)) != 0 {
			v[fmt.Sprintf("bit%d", i)] = true
		}
	}
	return v
}

type fileFormat struct {
	Version string          `json:"version"`
	Bits    map[string]bool `json:"bits"`
}

// Tracker merges per-run coverage vectors into the Global Coverage
// Set and persists it per-worker for multi-process aggregation.
type Tracker struct {
	mu        sync.Mutex
	fs        afero.Fs
	outDir    string
	multicore bool
	log       zerolog.Logger
	db        map[string]bool

	scoreGauge   prometheus.Gauge
	totalGauge   prometheus.Gauge
	updateCount  prometheus.Counter
}

// New builds a Tracker rooted at outDir. When multicore is true,
// SaveCoverage/AggregateMulticore read and write the per-worker
// covmap-<id>/coverage.json files spec.md §5 describes.
func New(fs afero.Fs, outDir string, multicore bool, log zerolog.Logger, reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		fs:        fs,
		outDir:    outDir,
		multicore: multicore,
		log:       log,
		db:        make(map[string]bool),
		scoreGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "processorfuzz_coverage_score_percent",
			Help: "Percentage of tracked coverage bits set in the global coverage set.",
		}),
		totalGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "processorfuzz_coverage_bits_total",
			Help: "Number of distinct coverage sites ever observed.",
		}),
		updateCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "processorfuzz_coverage_updates_total",
			Help: "Number of UpdateFromRTL calls that added at least one new bit.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.scoreGauge, t.totalGauge, t.updateCount)
	}
	return t
}

// UpdateFromRTL merges vec into the Global Coverage Set (boolean
// union) and returns how many bits were new — the value the Fuzzing
// Driver uses to decide corpus promotion (spec.md §4.4 promotion
// rule, §4.10 step 6).
func (t *Tracker) UpdateFromRTL(vec Vector) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := 0
	for site, hit := range vec {
		if !hit {
			continue
		}
		if !t.db[site] {
			delta++
		}
		t.db[site] = true
	}
	if delta > 0 {
		t.updateCount.Inc()
	}
	t.refreshGaugesLocked()
	return delta
}

func (t *Tracker) refreshGaugesLocked() {
	total := len(t.db)
	set := 0
	for _, v := range t.db {
		if v {
			set++
		}
	}
	t.totalGauge.Set(float64(total))
	if total == 0 {
		t.scoreGauge.Set(0)
		return
	}
	t.scoreGauge.Set(float64(set) / float64(total) * 100)
}

// GetCoverageScore returns the percentage of tracked bits set over the
// tracked domain (spec.md §4.9). An empty domain scores 0.
func (t *Tracker) GetCoverageScore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := len(t.db)
	if total == 0 {
		return 0
	}
	set := 0
	for _, v := range t.db {
		if v {
			set++
		}
	}
	return float64(set) / float64(total) * 100
}

func (t *Tracker) workerPath(workerID int) string {
	return fmt.Sprintf("%s/covmap-%d/coverage.json", t.outDir, workerID)
}

// SaveCoverage persists the current global state under this worker's
// covmap directory, a no-op when multicore aggregation is disabled
// (spec.md §4.9, §5).
func (t *Tracker) SaveCoverage(workerID int) error {
	if !t.multicore {
		return nil
	}
	t.mu.Lock()
	snapshot := make(map[string]bool, len(t.db))
	for k, v := range t.db {
		snapshot[k] = v
	}
	t.mu.Unlock()

	dir := fmt.Sprintf("%s/covmap-%d", t.outDir, workerID)
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(fileFormat{Version: riscvconst.CoverageDBVersion, Bits: snapshot})
	if err != nil {
		return err
	}
	return afero.WriteFile(t.fs, t.workerPath(workerID), raw, 0o644)
}

// AggregateMulticore reads a per-worker on-disk coverage file, unions
// it into the global set, and writes the merged global set back
// (spec.md §4.9, §5). A missing or corrupt per-worker file is skipped
// — coverage merges are best-effort (spec.md §7).
func (t *Tracker) AggregateMulticore(workerID int) {
	raw, err := afero.ReadFile(t.fs, t.workerPath(workerID))
	if err != nil {
		t.log.Debug().Int("worker", workerID).Msg("coverage: no per-worker file yet")
		return
	}
	var parsed fileFormat
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.log.Warn().Int("worker", workerID).Err(err).Msg("coverage: corrupt per-worker file, skipping")
		return
	}
	if parsed.Version != riscvconst.CoverageDBVersion {
		t.log.Warn().Str("got", parsed.Version).Str("want", riscvconst.CoverageDBVersion).
			Msg("coverage: version mismatch, treating per-worker file as empty")
		return
	}
	t.UpdateFromRTL(Vector(parsed.Bits))

	global := fmt.Sprintf("%s/coverage/global_coverage.json", t.outDir)
	if err := t.fs.MkdirAll(fmt.Sprintf("%s/coverage", t.outDir), 0o755); err != nil {
		t.log.Warn().Err(err).Msg("coverage: could not create global coverage dir")
		return
	}
	t.mu.Lock()
	snapshot := make(map[string]bool, len(t.db))
	for k, v := range t.db {
		snapshot[k] = v
	}
	t.mu.Unlock()
	out, err := json.Marshal(fileFormat{Version: riscvconst.CoverageDBVersion, Bits: snapshot})
	if err != nil {
		t.log.Warn().Err(err).Msg("coverage: could not marshal global coverage")
		return
	}
	if err := afero.WriteFile(t.fs, global, out, 0o644); err != nil {
		t.log.Warn().Err(err).Msg("coverage: could not write global coverage")
	}
}
