// Package corpus implements the Corpus Manager (spec.md §4.4): a
// bounded, disk-backed store of interesting Simulation Inputs plus a
// uniform selection policy. Promotion — deciding whether a run's
// coverage earns its SI a spot — is owned by the Fuzzing Driver, not
// this package (spec.md §9: "Corpus stays a pure container; promotion
// is the Driver's decision").
package corpus

import (
	"math/rand"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/amyuch/processorfuzz/internal/datapool"
	"github.com/amyuch/processorfuzz/internal/siinput"
)

// Entry pairs a Simulation Input with the bookkeeping spec.md §3
// requires: when it was found and how much coverage it added.
type Entry struct {
	SI              *siinput.SimulationInput
	DiscoveredAt    int
	CoverageDelta   int
}

// Manager is the bounded corpus container. It is safe for concurrent
// use by multiple fuzz workers.
type Manager struct {
	mu      sync.Mutex
	dir     string
	fs      afero.Fs
	maxSize int
	rng     *rand.Rand
	log     zerolog.Logger

	entries []*Entry
	nextID  int
}

// New builds a Manager that persists accepted inputs under dir.
func New(fs afero.Fs, dir string, maxSize int, rng *rand.Rand, log zerolog.Logger) *Manager {
	return &Manager{fs: fs, dir: dir, maxSize: maxSize, rng: rng, log: log}
}

// AddTest adds si to the corpus, evicting the oldest entry on overflow,
// and persists it to disk under a monotonically increasing id
// (spec.md §4.4, §5 "Corpus files are append-only with monotonic
// ids").
func (m *Manager) AddTest(si *siinput.SimulationInput, pool *datapool.Pool, discoveredAt, coverageDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.entries = m.entries[1:]
	}
	entry := &Entry{SI: si, DiscoveredAt: discoveredAt, CoverageDelta: coverageDelta}
	m.entries = append(m.entries, entry)
	id := m.nextID
	m.nextID++

	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	path := m.dir + "/" + idPath(id)
	if err := siinput.Save(m.fs, path, si, pool); err != nil {
		return err
	}
	m.log.Debug().Int("id", id).Int("iteration", discoveredAt).Int("coverage_delta", coverageDelta).Msg("corpus: added test")
	return nil
}

func idPath(id int) string {
	return "id_" + strconv.Itoa(id) + ".si"
}

// SelectSeed returns a uniformly chosen member, or ok=false when the
// corpus is empty (spec.md §4.4, §8 boundary (a)).
func (m *Manager) SelectSeed() (*siinput.SimulationInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, false
	}
	return m.entries[m.rng.Intn(len(m.entries))].SI, true
}

// Len reports the number of live corpus entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Snapshot returns a defensive copy of the current entries, mainly for
// tests and introspection tooling.
func (m *Manager) Snapshot() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
