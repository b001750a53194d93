// Package mutator implements the Mutator & Data Pool (spec.md §4.3):
// the scheduler that decides whether an iteration generates a fresh
// Simulation Input, mutates one drawn from the corpus, or merges two,
// plus the random-data seed pool backing every SI it produces.
//
// Design Notes (spec.md §9) call out a feedback cycle between the
// Mutator, the Corpus, and the Coverage Tracker. This package breaks
// the cycle the way spec.md prescribes: it never holds a handle to the
// corpus or the coverage tracker directly. Callers pass a CorpusSource
// snapshot into Get, and the Corpus Manager remains a pure container
// whose promotion decision lives in the Fuzzing Driver.
package mutator

import (
	"math/rand"

	"github.com/spf13/afero"

	"github.com/amyuch/processorfuzz/internal/datapool"
	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/siinput"
	"github.com/amyuch/processorfuzz/internal/word"
)

// Phase is the scheduler's choice of how to produce the next SI.
type Phase int

const (
	PhaseGeneration Phase = iota
	PhaseMutation
	PhaseMerge
)

func (p Phase) String() string {
	switch p {
	case PhaseGeneration:
		return "GENERATION"
	case PhaseMutation:
		return "MUTATION"
	case PhaseMerge:
		return "MERGE"
	default:
		return "UNKNOWN"
	}
}

// CorpusSource is the read-only view of the Corpus Manager the
// Mutator needs. It is satisfied by *corpus.Manager without this
// package importing that one, avoiding a cycle.
type CorpusSource interface {
	SelectSeed() (*siinput.SimulationInput, bool)
	Len() int
}

// Weights configures the scheduler's phase distribution when guidance
// is enabled and the corpus is non-empty.
type Weights struct {
	Generation int
	Mutation   int
	Merge      int
}

// DefaultWeights favors mutation, the cheapest way to explore near an
// already-interesting seed, while still spending some budget on fresh
// generation and cross-seed merges.
var DefaultWeights = Weights{Generation: 2, Mutation: 5, Merge: 3}

// Config bounds a Mutator's behavior.
type Config struct {
	MaxDataSeeds  int
	NoGuide       bool
	Weights       Weights
	MaxMainWords  int // ceiling on a generated/mutated main segment length
	PrefixWords   int
	SuffixWords   int
	DataWordsLen  int // 64-bit words per data-pool seed
}

// Mutator owns the Data Pool and its RNG (spec.md §9, "Global mutable
// state"). It must be constructed with a seeded *rand.Rand so that a
// failing fuzz run can be reproduced exactly by re-seeding.
type Mutator struct {
	cfg Config
	rng *rand.Rand
	gen *word.Generator
	pool *datapool.Pool
	fs  afero.Fs
}

// New builds a Mutator. rng is the single source of randomness for
// every phase; callers seed it deterministically for reproducibility.
func New(fs afero.Fs, rng *rand.Rand, gen *word.Generator, cfg Config) *Mutator {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	if cfg.MaxMainWords <= 0 {
		cfg.MaxMainWords = 24
	}
	if cfg.PrefixWords <= 0 {
		cfg.PrefixWords = 3
	}
	if cfg.SuffixWords <= 0 {
		cfg.SuffixWords = 2
	}
	if cfg.DataWordsLen <= 0 {
		// Must stay divisible by riscvconst.NumDataSections with a
		// power-of-two quotient (spec.md §4.5 step 2's section-size
		// invariant, enforced by the Preprocessor); 1024 per section
		// keeps both properties by construction.
		cfg.DataWordsLen = riscvconst.NumDataSections * 1024
	}
	return &Mutator{
		cfg:  cfg,
		rng:  rng,
		gen:  gen,
		pool: datapool.New(rng, cfg.MaxDataSeeds, cfg.DataWordsLen),
		fs:   fs,
	}
}

// Pool exposes the backing data pool, e.g. for saving an SI together
// with its seed data.
func (m *Mutator) Pool() *datapool.Pool { return m.pool }

// AddData generates a fresh seed and returns its id.
func (m *Mutator) AddData() datapool.SeedID { return m.pool.AddData() }

// choosePhase implements the scheduler policy (spec.md §4.3).
func (m *Mutator) choosePhase(corpus CorpusSource) Phase {
	if m.cfg.NoGuide || corpus == nil || corpus.Len() == 0 {
		return PhaseGeneration
	}
	w := m.cfg.Weights
	total := w.Generation + w.Mutation + w.Merge
	if total <= 0 {
		return PhaseGeneration
	}
	pick := m.rng.Intn(total)
	switch {
	case pick < w.Generation:
		return PhaseGeneration
	case pick < w.Generation+w.Mutation:
		return PhaseMutation
	default:
		return PhaseMerge
	}
}

// Get is the scheduler entry point: it decides a phase and returns a
// fresh SI together with the data backing its seed.
func (m *Mutator) Get(iteration int, corpus CorpusSource) (*siinput.SimulationInput, []uint64, error) {
	phase := m.choosePhase(corpus)

	switch phase {
	case PhaseMutation:
		if seed, ok := corpus.SelectSeed(); ok {
			return m.mutate(seed)
		}
		fallthrough
	case PhaseMerge:
		if corpus != nil && corpus.Len() >= 2 {
			a, okA := corpus.SelectSeed()
			b, okB := corpus.SelectSeed()
			if okA && okB {
				return m.merge(a, b)
			}
		}
		fallthrough
	default:
		return m.generate()
	}
}

func (m *Mutator) generate() (*siinput.SimulationInput, []uint64, error) {
	template := riscvconst.Template(m.rng.Intn(len(riscvconst.TemplateTags)))
	seed := m.pool.AddData()
	data, _ := m.pool.Get(seed)

	si := &siinput.SimulationInput{Template: template, DataSeed: seed}
	si.Prefix = m.freshWords(riscvconst.SegmentPrefix, m.cfg.PrefixWords)
	mainCount := 1 + m.rng.Intn(m.cfg.MaxMainWords)
	si.Words = m.freshWords(riscvconst.SegmentMain, mainCount)
	si.Suffix = m.freshWords(riscvconst.SegmentSuffix, m.cfg.SuffixWords)
	si.Ints = make([]uint8, si.TotalMainInsts())

	if err := si.Validate(); err != nil {
		return nil, nil, err
	}
	return si, data, nil
}

func (m *Mutator) freshWords(segment riscvconst.Segment, n int) []*word.Word {
	maxLabel := n - 1
	if maxLabel < 0 {
		maxLabel = 0
	}
	words := make([]*word.Word, 0, n)
	for i := 0; i < n; i++ {
		w, err := m.gen.GetWord(m.rng, segment)
		if err != nil {
			continue
		}
		m.gen.PopulateWord(m.rng, w, maxLabel)
		words = append(words, w)
	}
	return words
}

// mutationKind enumerates the single-position edits spec.md §4.3
// allows during MUTATION.
type mutationKind int

const (
	mutateReplace mutationKind = iota
	mutateInsert
	mutateDelete
	mutateRepopulate
)

// mutate applies one of {replace-word, insert-word, delete-word,
// re-populate-operand} at a uniformly chosen position in the seed's
// main segment, preserving the `ints` alignment (spec.md §4.3).
func (m *Mutator) mutate(seed *siinput.SimulationInput) (*siinput.SimulationInput, []uint64, error) {
	words := MutateWords(m.rng, m.gen, seed.Words, riscvconst.SegmentMain, m.cfg.MaxMainWords)

	si := &siinput.SimulationInput{
		Template:   seed.Template,
		DataSeed:   seed.DataSeed,
		Prefix:     seed.Prefix,
		Words:      words,
		Suffix:     seed.Suffix,
		NameSuffix: seed.NameSuffix,
	}
	si.Ints = reconcileInts(seed.Ints, seed.Words, words)

	data, ok := m.pool.Get(seed.DataSeed)
	if !ok {
		seedID := m.pool.AddData()
		si.DataSeed = seedID
		data, _ = m.pool.Get(seedID)
	}
	if err := si.Validate(); err != nil {
		return nil, nil, err
	}
	return si, data, nil
}

// reconcileInts keeps the interrupt vector aligned to instruction
// count after a word-level edit: positions that map onto Words common
// to both sequences keep their original interrupt cause; new
// instruction slots start at zero (no interrupt asserted).
func reconcileInts(oldInts []uint8, oldWords, newWords []*word.Word) []uint8 {
	total := 0
	for _, w := range newWords {
		total += w.LenInsts()
	}
	out := make([]uint8, total)

	// Build an old-word -> starting-ints-offset map so shared Word
	// pointers keep their original per-instruction interrupt causes.
	offsets := map[*word.Word]int{}
	cursor := 0
	for _, w := range oldWords {
		offsets[w] = cursor
		cursor += w.LenInsts()
	}

	cursor = 0
	for _, w := range newWords {
		n := w.LenInsts()
		if off, ok := offsets[w]; ok && off+n <= len(oldInts) {
			copy(out[cursor:cursor+n], oldInts[off:off+n])
		}
		cursor += n
	}
	return out
}

// merge forms a new main-segment sequence by splicing random-length
// runs from each parent, never cutting inside a Word (spec.md §4.3
// MERGE).
func (m *Mutator) merge(a, b *siinput.SimulationInput) (*siinput.SimulationInput, []uint64, error) {
	var merged []*word.Word
	sources := []*siinput.SimulationInput{a, b}
	pos := map[*siinput.SimulationInput]int{a: 0, b: 0}

	for len(merged) < m.cfg.MaxMainWords {
		src := sources[m.rng.Intn(len(sources))]
		start := pos[src]
		if start >= len(src.Words) {
			if pos[a] >= len(a.Words) && pos[b] >= len(b.Words) {
				break
			}
			continue
		}
		runLen := 1 + m.rng.Intn(3)
		end := start + runLen
		if end > len(src.Words) {
			end = len(src.Words)
		}
		merged = append(merged, src.Words[start:end]...)
		pos[src] = end
	}
	if len(merged) > m.cfg.MaxMainWords {
		merged = merged[:m.cfg.MaxMainWords]
	}

	si := &siinput.SimulationInput{
		Template: a.Template,
		DataSeed: a.DataSeed,
		Prefix:   a.Prefix,
		Words:    merged,
		Suffix:   a.Suffix,
	}
	si.Ints = reconcileInts(append(append([]uint8{}, a.Ints...), b.Ints...), append(append([]*word.Word{}, a.Words...), b.Words...), merged)

	data, ok := m.pool.Get(si.DataSeed)
	if !ok {
		seedID := m.pool.AddData()
		si.DataSeed = seedID
		data, _ = m.pool.Get(seedID)
	}
	if err := si.Validate(); err != nil {
		return nil, nil, err
	}
	return si, data, nil
}

// MutateWords produces a mutated word sequence drawn from seedWords,
// bounded in length by maxNum (spec.md §4.3 `mutate_words`).
func MutateWords(rng *rand.Rand, gen *word.Generator, seedWords []*word.Word, part riscvconst.Segment, maxNum int) []*word.Word {
	if len(seedWords) == 0 {
		return nil
	}
	out := append([]*word.Word(nil), seedWords...)
	pos := rng.Intn(len(out))

	switch mutationKind(rng.Intn(4)) {
	case mutateReplace:
		w, err := gen.GetWord(rng, part)
		if err == nil {
			gen.PopulateWord(rng, w, len(out)-1)
			out[pos] = w
		}
	case mutateInsert:
		if len(out) < maxNum {
			w, err := gen.GetWord(rng, part)
			if err == nil {
				gen.PopulateWord(rng, w, len(out))
				out = append(out[:pos], append([]*word.Word{w}, out[pos:]...)...)
			}
		}
	case mutateDelete:
		if len(out) > 1 {
			out = append(out[:pos], out[pos+1:]...)
		}
	case mutateRepopulate:
		// Re-populate this position's operands from scratch: build a
		// fresh Word of the same family and keep it unlinked from the
		// original so the edit doesn't mutate a Word shared with
		// another live SI (Words are otherwise immutable once
		// populated, spec.md §3 Lifecycle).
		w, err := gen.GetWordByID(out[pos].Segment, out[pos].FamilyID)
		if err == nil {
			gen.PopulateWord(rng, w, len(out)-1)
			out[pos] = w
		}
	}

	if len(out) > maxNum {
		out = out[:maxNum]
	}
	return out
}

// ReadSimInput deserializes an on-disk SI, installing its seed data
// into this Mutator's pool.
func (m *Mutator) ReadSimInput(path string) (*siinput.SimulationInput, []uint64, error) {
	return siinput.Load(m.fs, path, m.gen, m.pool)
}
