// Package region persists StorageChunks grouped by chunk pillar (one file per column) and
// evicts idle pillars on a tick-counted timer.
package region

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"blockgraph.ai/internal/persistence/snapshot"
	"blockgraph.ai/internal/sim/graph/model"
)

const Version = 1

type Header struct {
	Version  int `json:"version"`
	X        int `json:"x"`
	Z        int `json:"z"`
	Sections int `json:"sections"`
}

type PillarV1 struct {
	Sections []SectionV1
}

type SectionV1 struct {
	Y      int
	Graphs []uint64
}

type Options struct {
	// Dir holds the regions/ directory. Empty keeps everything in memory and disables
	// eviction.
	Dir string
	// ChunkUnloadTicks is how long after a column unloads it is reported by UnloadTick.
	ChunkUnloadTicks int
	// PillarUnloadTicks is how long an unused, unloaded pillar stays cached.
	PillarUnloadTicks int
	// Async reads pillar files on a goroutine. GetOrCreate then hands out placeholders
	// for pillars still being read and Poll applies the results.
	Async bool

	Logger *log.Logger
}

type pillar struct {
	col      model.ColumnPos
	sections map[int]*StorageChunk
	loading  bool
}

func (p *pillar) dirty() bool {
	for _, c := range p.sections {
		if c.dirty {
			return true
		}
	}
	return false
}

type loadResult struct {
	col  model.ColumnPos
	data PillarV1
	err  error
}

type Store struct {
	dir    string
	async  bool
	logger *log.Logger

	pillars map[model.ColumnPos]*pillar
	chunks  *ChunkUnloadTimer
	timer   *ChunkPillarUnloadTimer

	results  chan loadResult
	inflight int
	wg       sync.WaitGroup

	// Pinned reports columns that must not be evicted yet, because resident graphs still
	// have nodes there.
	Pinned func(c model.ColumnPos) bool
	// OnColumnReady runs on the caller's goroutine once a column's pillar data is in
	// memory after the world loaded it.
	OnColumnReady func(c model.ColumnPos)
}

func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(filepath.Join(opts.Dir, "regions"), 0o755); err != nil {
			return nil, err
		}
	}
	if opts.ChunkUnloadTicks <= 0 {
		opts.ChunkUnloadTicks = 20
	}
	if opts.PillarUnloadTicks < opts.ChunkUnloadTicks {
		opts.PillarUnloadTicks = opts.ChunkUnloadTicks
	}
	return &Store{
		dir:     opts.Dir,
		async:   opts.Async && opts.Dir != "",
		logger:  logger,
		pillars: map[model.ColumnPos]*pillar{},
		chunks:  NewChunkUnloadTimer(opts.ChunkUnloadTicks),
		timer:   NewChunkPillarUnloadTimer(opts.PillarUnloadTicks),
		results: make(chan loadResult, 64),
	}, nil
}

func (s *Store) path(c model.ColumnPos) string {
	return filepath.Join(s.dir, "regions", fmt.Sprintf("c.%d.%d.region.zst", c.X, c.Z))
}

// IsColumnLoaded reports whether the host world currently has column c loaded.
func (s *Store) IsColumnLoaded(c model.ColumnPos) bool { return s.chunks.IsLoaded(c) }

// Get returns the cached chunk for pos without loading anything.
func (s *Store) Get(pos model.SectionPos) (*StorageChunk, bool) {
	p, ok := s.pillars[pos.Column()]
	if !ok {
		return nil, false
	}
	c, ok := p.sections[pos.Y]
	if ok {
		s.timer.OnUse(p.col)
	}
	return c, ok
}

// GetOrCreate returns the chunk for pos, loading its pillar on a cache miss. In async
// mode a miss starts a background read and returns a placeholder immediately.
func (s *Store) GetOrCreate(pos model.SectionPos) *StorageChunk {
	col := pos.Column()
	p, ok := s.pillars[col]
	if !ok {
		p = s.load(col)
	}
	s.timer.OnUse(col)
	c, ok := p.sections[pos.Y]
	if !ok {
		c = newStorageChunk(pos)
		if p.loading {
			c.pending = []delta{}
		}
		p.sections[pos.Y] = c
	}
	return c
}

// Chunks returns the cached chunks of column c in ascending Y order.
func (s *Store) Chunks(c model.ColumnPos) []*StorageChunk {
	p, ok := s.pillars[c]
	if !ok {
		return nil
	}
	out := make([]*StorageChunk, 0, len(p.sections))
	for _, ch := range p.sections {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pos.Y < out[j].pos.Y })
	return out
}

func (s *Store) Cached(c model.ColumnPos) bool {
	_, ok := s.pillars[c]
	return ok
}

func (s *Store) load(col model.ColumnPos) *pillar {
	p := &pillar{col: col, sections: map[int]*StorageChunk{}}
	s.pillars[col] = p
	if s.dir == "" {
		return p
	}
	if s.async {
		p.loading = true
		s.inflight++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			data, err := s.read(col)
			s.results <- loadResult{col: col, data: data, err: err}
		}()
		return p
	}
	data, err := s.read(col)
	s.apply(p, data, err)
	return p
}

func (s *Store) read(col model.ColumnPos) (PillarV1, error) {
	var data PillarV1
	err := snapshot.Read(s.path(col), nil, &data)
	if errors.Is(err, os.ErrNotExist) {
		return PillarV1{}, nil
	}
	return data, err
}

func (s *Store) apply(p *pillar, data PillarV1, err error) {
	p.loading = false
	if err != nil {
		s.logger.Printf("region %s: read failed, starting empty: %v", p.col, err)
		data = PillarV1{}
	}
	loaded := map[int][]uint64{}
	for _, sec := range data.Sections {
		loaded[sec.Y] = append(loaded[sec.Y], sec.Graphs...)
	}
	for y, c := range p.sections {
		c.resolve(loaded[y])
		delete(loaded, y)
	}
	for y, ids := range loaded {
		c := newStorageChunk(p.col.Section(y))
		c.resolve(ids)
		p.sections[y] = c
	}
}

// Poll applies every finished background read. It never blocks.
func (s *Store) Poll() {
	for s.inflight > 0 {
		select {
		case r := <-s.results:
			s.finish(r)
		default:
			return
		}
	}
}

// Sync waits for every background read and applies it.
func (s *Store) Sync() {
	for s.inflight > 0 {
		s.finish(<-s.results)
	}
}

func (s *Store) finish(r loadResult) {
	s.inflight--
	p, ok := s.pillars[r.col]
	if !ok || !p.loading {
		return
	}
	s.apply(p, r.data, r.err)
	if s.chunks.IsLoaded(r.col) && s.OnColumnReady != nil {
		s.OnColumnReady(r.col)
	}
}

// OnWorldChunkLoad marks c loaded, cancels its countdowns and prefetches its pillar.
func (s *Store) OnWorldChunkLoad(c model.ColumnPos) {
	s.chunks.OnLoad(c)
	s.timer.OnLoad(c)
	p, ok := s.pillars[c]
	if !ok {
		p = s.load(c)
	}
	if !p.loading && s.OnColumnReady != nil {
		s.OnColumnReady(c)
	}
}

// OnWorldChunkUnload starts the countdowns of c.
func (s *Store) OnWorldChunkUnload(c model.ColumnPos) {
	s.chunks.OnUnload(c)
	s.timer.OnUnload(c)
}

// UnloadTick advances the column timer and returns the columns that have now been
// unloaded for the full ChunkUnloadTicks. Graphs living only in such columns can be
// paged out.
func (s *Store) UnloadTick() []model.ColumnPos {
	return s.chunks.Tick()
}

// Tick applies finished reads, then saves and evicts every pillar whose countdown ran
// out. Pinned, still loading or unsavable pillars get a fresh countdown instead.
func (s *Store) Tick() {
	s.Poll()
	if s.dir == "" {
		return
	}
	for _, c := range s.timer.Tick() {
		p, ok := s.pillars[c]
		if !ok {
			continue
		}
		if p.loading || (s.Pinned != nil && s.Pinned(c)) {
			s.timer.OnUse(c)
			continue
		}
		if err := s.savePillar(p); err != nil {
			s.logger.Printf("region %s: save before evict failed: %v", c, err)
			s.timer.OnUse(c)
			continue
		}
		delete(s.pillars, c)
		s.timer.Forget(c)
	}
}

// SaveChunk writes the pillar holding pos if it has unsaved changes.
func (s *Store) SaveChunk(pos model.SectionPos) error {
	p, ok := s.pillars[pos.Column()]
	if !ok {
		return nil
	}
	return s.savePillar(p)
}

// SaveAll writes every dirty pillar without evicting anything. Failed pillars stay dirty
// and the first error is returned.
func (s *Store) SaveAll() error {
	cols := make([]model.ColumnPos, 0, len(s.pillars))
	for c := range s.pillars {
		cols = append(cols, c)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Less(cols[j]) })
	var first error
	for _, c := range cols {
		if err := s.savePillar(s.pillars[c]); err != nil {
			s.logger.Printf("region %s: save failed: %v", c, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *Store) savePillar(p *pillar) error {
	if s.dir == "" || p.loading || !p.dirty() {
		return nil
	}
	var data PillarV1
	for _, c := range p.sections {
		if len(c.graphs) == 0 {
			continue
		}
		data.Sections = append(data.Sections, SectionV1{Y: c.pos.Y, Graphs: c.Graphs()})
	}
	sort.Slice(data.Sections, func(i, j int) bool { return data.Sections[i].Y < data.Sections[j].Y })

	path := s.path(p.col)
	if len(data.Sections) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	} else {
		h := Header{Version: Version, X: p.col.X, Z: p.col.Z, Sections: len(data.Sections)}
		if err := snapshot.Write(path, h, data); err != nil {
			return err
		}
	}
	for _, c := range p.sections {
		c.dirty = false
	}
	return nil
}

// Close waits for background reads and saves everything.
func (s *Store) Close() error {
	s.Sync()
	s.wg.Wait()
	return s.SaveAll()
}

// ReadPillar decodes a pillar file directly. Used by tooling.
func ReadPillar(path string) (Header, PillarV1, error) {
	var h Header
	var p PillarV1
	err := snapshot.Read(path, &h, &p)
	return h, p, err
}
