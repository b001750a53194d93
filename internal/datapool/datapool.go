// Package datapool owns the backing random-data seed pool shared by
// every Simulation Input (spec.md §3, "Data Pool"). Each seed is a
// fixed-length sequence of 64-bit words used to fill a test program's
// random-data sections.
package datapool

import (
	"math/rand"
	"sync"
)

// SeedID identifies one entry in the pool.
type SeedID uint64

// Pool is a bounded, FIFO-evicting map from seed id to its backing
// data. It is safe for concurrent use by multiple fuzz workers.
type Pool struct {
	mu       sync.Mutex
	rng      *rand.Rand
	maxSeeds int
	wordsLen int
	data     map[SeedID][]uint64
	order    []SeedID
	nextID   SeedID
}

// New builds a Pool capped at maxSeeds entries, each wordsLen 64-bit
// values long. wordsLen must already satisfy the Preprocessor's
// section-sizing invariant (spec.md §3: divisible by the section
// count, a power of two).
func New(rng *rand.Rand, maxSeeds, wordsLen int) *Pool {
	return &Pool{
		rng:      rng,
		maxSeeds: maxSeeds,
		wordsLen: wordsLen,
		data:     make(map[SeedID][]uint64),
	}
}

// AddData generates a fresh random sequence, stores it, and returns
// its id. When the pool is at capacity the oldest seed is evicted
// first (spec.md §4.3, §8 boundary (b)).
func (p *Pool) AddData() SeedID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxSeeds > 0 && len(p.order) >= p.maxSeeds {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.data, oldest)
	}

	id := p.nextID
	p.nextID++
	words := make([]uint64, p.wordsLen)
	for i := range words {
		words[i] = p.rng.Uint64()
	}
	p.data[id] = words
	p.order = append(p.order, id)
	return id
}

// Get resolves a seed id to its backing data. ok is false if the seed
// has been evicted or never existed.
func (p *Pool) Get(id SeedID) ([]uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	words, ok := p.data[id]
	if !ok {
		return nil, false
	}
	return append([]uint64(nil), words...), true
}

// Put installs an explicit seed (used when deserializing an on-disk
// Simulation Input, which carries its own copy of the seed data
// alongside the id). It counts against capacity the same way AddData
// does.
func (p *Pool) Put(id SeedID, words []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.data[id]; exists {
		p.data[id] = append([]uint64(nil), words...)
		return
	}
	if p.maxSeeds > 0 && len(p.order) >= p.maxSeeds {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.data, oldest)
	}
	p.data[id] = append([]uint64(nil), words...)
	p.order = append(p.order, id)
	if id >= p.nextID {
		p.nextID = id + 1
	}
}

// Len reports the number of live seeds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
