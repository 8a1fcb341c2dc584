// Package registry keeps the graphs of one world equal to the connected components of
// its block nodes, indexes them by position and chunk section, and pages them in and out
// of storage as the host world loads and unloads columns.
//
// A World is single-writer: every method must be called from the goroutine that ticks it.
package registry

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"blockgraph.ai/internal/persistence/graphfile"
	"blockgraph.ai/internal/persistence/region"
	"blockgraph.ai/internal/sim/graph/events"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
)

var (
	ErrGraphNotFound = errors.New("graph not found")
	ErrGraphNotEmpty = errors.New("graph not empty")
	ErrNodeExists    = errors.New("node already exists")
	ErrNodeNotFound  = errors.New("node not found")
	ErrSelfLink      = errors.New("node cannot link to itself")
)

type Options struct {
	ID    string
	Types *policy.Registry
	// Dir is the world's storage directory. Empty keeps the world in memory only; graphs
	// are then never paged out.
	Dir string
	// IDReserve is how many graph ids are reserved per counter checkpoint.
	IDReserve uint64

	ChunkUnloadTicks  int
	PillarUnloadTicks int
	AsyncRegionLoad   bool

	// Epoch tags the events of this run. Zero picks the current time.
	Epoch uint64

	Logger *log.Logger
}

type World struct {
	id     string
	types  *policy.Registry
	logger *log.Logger

	graphs  map[uint64]*Graph
	nodesAt map[model.Pos][]*Node
	index   map[model.NodePos]*Node
	// sections and columns only cover resident graphs.
	sections map[model.SectionPos]map[uint64]struct{}
	columns  map[model.ColumnPos]map[uint64]int
	linkEnts map[model.LinkPos]policy.LinkEntity

	nextID   uint64
	reserved uint64
	reserve  uint64

	files  *graphfile.Store
	region *region.Store
	// retry holds graphs whose page-out failed.
	retry map[uint64]struct{}

	listeners []events.Listener
	epoch     uint64
	seq       uint64
	tick      uint64
}

func Open(opts Options) (*World, error) {
	if opts.ID == "" {
		return nil, errors.New("registry: world id required")
	}
	if opts.Types == nil {
		return nil, errors.New("registry: type registry required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.IDReserve == 0 {
		opts.IDReserve = 64
	}
	files, err := graphfile.Open(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	rs, err := region.Open(region.Options{
		Dir:               opts.Dir,
		ChunkUnloadTicks:  opts.ChunkUnloadTicks,
		PillarUnloadTicks: opts.PillarUnloadTicks,
		Async:             opts.AsyncRegionLoad,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open region store: %w", err)
	}

	w := &World{
		id:       opts.ID,
		types:    opts.Types,
		logger:   logger,
		graphs:   map[uint64]*Graph{},
		nodesAt:  map[model.Pos][]*Node{},
		index:    map[model.NodePos]*Node{},
		sections: map[model.SectionPos]map[uint64]struct{}{},
		columns:  map[model.ColumnPos]map[uint64]int{},
		linkEnts: map[model.LinkPos]policy.LinkEntity{},
		reserve:  opts.IDReserve,
		files:    files,
		region:   rs,
		retry:    map[uint64]struct{}{},
		epoch:    opts.Epoch,
	}
	if w.epoch == 0 {
		w.epoch = uint64(time.Now().UnixNano())
	}
	rs.Pinned = func(c model.ColumnPos) bool { return len(w.columns[c]) > 0 }
	rs.OnColumnReady = w.pageIn

	next, err := files.ReadCounter()
	if err != nil {
		logger.Printf("id counter unreadable, rebuilding from graph files: %v", err)
	}
	if ids, err := files.List(); err == nil && len(ids) > 0 && ids[len(ids)-1] >= next {
		next = ids[len(ids)-1] + 1
	}
	if next == 0 {
		next = 1
	}
	w.nextID = next
	w.reserved = next
	return w, nil
}

func (w *World) ID() string                    { return w.id }
func (w *World) Types() *policy.Registry       { return w.types }
func (w *World) Logger() *log.Logger           { return w.logger }
func (w *World) Region() *region.Store         { return w.region }
func (w *World) Files() *graphfile.Store       { return w.files }
func (w *World) CurrentTick() uint64           { return w.tick }
func (w *World) AddListener(l events.Listener) { w.listeners = append(w.listeners, l) }

// Epoch identifies this run of the world in its events.
func (w *World) Epoch() uint64 { return w.epoch }

// LastSeq is the sequence number of the latest event.
func (w *World) LastSeq() uint64 { return w.seq }

// NextGraphID returns the id the next created graph will get.
func (w *World) NextGraphID() uint64 { return w.nextID }

func (w *World) emit(ev events.Event) {
	w.seq++
	ev.Epoch = w.epoch
	ev.Seq = w.seq
	ev.World = w.id
	ev.Tick = w.tick
	for _, l := range w.listeners {
		l.HandleGraphEvent(ev)
	}
}

// allocID hands out ids from a reserved block. The end of the block is written before
// the first id of the block is used, so a crash can leave gaps but never reuse an id.
// While the write keeps failing every allocation retries it.
func (w *World) allocID() uint64 {
	if w.nextID >= w.reserved {
		_ = w.checkpoint()
	}
	id := w.nextID
	w.nextID++
	return id
}

// checkpoint persists the end of a fresh block. The reservation only moves once the
// write succeeded.
func (w *World) checkpoint() error {
	end := w.nextID + w.reserve
	if err := w.files.WriteCounter(end); err != nil {
		w.logger.Printf("id counter checkpoint failed next=%d: %v", end, err)
		return fmt.Errorf("id counter: %w", err)
	}
	w.reserved = end
	return nil
}

// NodesAt returns the nodes at pos in insertion order.
func (w *World) NodesAt(pos model.Pos) []model.NodePos {
	ns := w.nodesAt[pos]
	out := make([]model.NodePos, len(ns))
	for i, n := range ns {
		out[i] = n.pos
	}
	return out
}

func (w *World) NodeAt(np model.NodePos) (*Node, bool) {
	n, ok := w.index[np]
	return n, ok
}

func (w *World) ShapeOf(np model.NodePos) (policy.Shape, bool) {
	n, ok := w.index[np]
	if !ok {
		return policy.Shape{}, false
	}
	return n.shape, true
}

// GraphsAt returns the distinct graphs owning a node at pos, ordered by id.
func (w *World) GraphsAt(pos model.Pos) []*Graph {
	var out []*Graph
	for _, n := range w.nodesAt[pos] {
		dup := false
		for _, g := range out {
			if g == n.graph {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, n.graph)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (w *World) Graph(id uint64) (*Graph, bool) {
	g, ok := w.graphs[id]
	return g, ok
}

// GraphIDs returns the ids of all resident graphs in ascending order.
func (w *World) GraphIDs() []uint64 {
	out := make([]uint64, 0, len(w.graphs))
	for id := range w.graphs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GraphsInSection returns the resident graphs with nodes in s.
func (w *World) GraphsInSection(s model.SectionPos) []uint64 {
	out := make([]uint64, 0, len(w.sections[s]))
	for id := range w.sections[s] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (w *World) LinkEntity(l model.LinkPos) (policy.LinkEntity, bool) {
	e, ok := w.linkEnts[l.Canonical()]
	return e, ok
}

// NodeCount returns the number of resident nodes.
func (w *World) NodeCount() int { return len(w.index) }
