// Package universe owns the node type registry and the set of worlds that share it.
package universe

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"blockgraph.ai/internal/sim/blockworld"
	"blockgraph.ai/internal/sim/graph/events"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
	"blockgraph.ai/internal/sim/graph/registry"
	"blockgraph.ai/internal/sim/graph/update"
	"blockgraph.ai/internal/sim/tuning"
	"blockgraph.ai/internal/sim/wiring"
)

// plugin contributes types to the shared registry and per-world behaviour.
type plugin struct {
	register func(types *policy.Registry) error
	// discoverer is added to the coordinator of every world the plugin is enabled in.
	discoverer func(blocks *blockworld.World) policy.Discoverer
	// afterBlock runs after the coordinator handled a block change.
	afterBlock func(inst *Instance, pos model.Pos) error
}

var plugins = map[string]plugin{
	"wiring": {
		register:   wiring.Register,
		discoverer: func(b *blockworld.World) policy.Discoverer { return wiring.NewDiscoverer(b) },
		afterBlock: func(inst *Instance, pos model.Pos) error {
			return wiring.Apply(inst.Graphs, pos, inst.Blocks.BlockAt(pos))
		},
	},
}

// Instance is one world: its blocks, its graphs and the coordinator between them.
type Instance struct {
	ID     string
	Blocks *blockworld.World
	Graphs *registry.World
	Coord  *update.Coordinator

	dir     string
	plugins []plugin
	logger  *log.Logger
	// Last holds the result of the latest block change.
	Last update.Result
}

func (inst *Instance) blocksPath() string {
	if inst.dir == "" {
		return ""
	}
	return filepath.Join(inst.dir, "blocks.zst")
}

func (inst *Instance) onBlockChanged(pos model.Pos) {
	inst.Last = inst.Coord.BlockChanged(pos)
	for _, p := range inst.plugins {
		if p.afterBlock == nil {
			continue
		}
		if err := p.afterBlock(inst, pos); err != nil {
			inst.logger.Printf("block %s: plugin hook: %v", pos, err)
		}
	}
}

// Rescan reconciles every block and every node in column c. It repairs graphs that went
// out of step with the blocks, for example after graph files were lost.
func (inst *Instance) Rescan(c model.ColumnPos) update.Result {
	seen := map[model.Pos]struct{}{}
	var positions []model.Pos
	add := func(p model.Pos) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			positions = append(positions, p)
		}
	}
	if col, ok := inst.Blocks.Column(c); ok {
		for _, p := range col.Positions() {
			add(p)
		}
	}
	for _, id := range inst.Graphs.GraphIDs() {
		g, _ := inst.Graphs.Graph(id)
		for _, np := range g.NodePositions() {
			if model.ColumnOf(np.Pos) == c {
				add(np.Pos)
			}
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Less(positions[j]) })
	res := inst.Coord.ReconcileAll(positions)
	for _, p := range positions {
		for _, pl := range inst.plugins {
			if pl.afterBlock != nil {
				if err := pl.afterBlock(inst, p); err != nil {
					inst.logger.Printf("block %s: plugin hook: %v", p, err)
				}
			}
		}
	}
	return res
}

type Options struct {
	// Dir is the universe root. Each world lives in Dir/worlds/<id>. Empty keeps
	// everything in memory.
	Dir    string
	Tuning tuning.Tuning
	Logger *log.Logger
}

type Universe struct {
	types     *policy.Registry
	cfg       tuning.Tuning
	dir       string
	logger    *log.Logger
	worlds    map[string]*Instance
	defaultID string
	tick      uint64

	ops  chan func()
	stop chan struct{}
}

// NewTypes builds a type registry holding the node types of every plugin a world in cfg
// enables. Worlds opened by one universe share it.
func NewTypes(cfg tuning.Tuning) (*policy.Registry, error) {
	types := policy.NewRegistry()
	registered := map[string]bool{}
	for _, spec := range cfg.Worlds {
		for _, name := range spec.Plugins {
			if registered[name] {
				continue
			}
			p, ok := plugins[name]
			if !ok {
				return nil, fmt.Errorf("world %s: unknown plugin %q", spec.ID, name)
			}
			if err := p.register(types); err != nil {
				return nil, fmt.Errorf("plugin %s: %w", name, err)
			}
			registered[name] = true
		}
	}
	return types, nil
}

// Open builds the registry from the plugins the worlds enable and opens every world.
func Open(opts Options) (*Universe, error) {
	cfg := opts.Tuning
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	u := &Universe{
		cfg:       cfg,
		dir:       opts.Dir,
		logger:    logger,
		worlds:    map[string]*Instance{},
		defaultID: cfg.DefaultWorldID,
		ops:       make(chan func(), 256),
		stop:      make(chan struct{}),
	}

	types, err := NewTypes(cfg)
	if err != nil {
		return nil, err
	}
	u.types = types

	for _, spec := range cfg.Worlds {
		inst, err := u.openWorld(spec)
		if err != nil {
			u.closeWorlds()
			return nil, fmt.Errorf("world %s: %w", spec.ID, err)
		}
		u.worlds[spec.ID] = inst
	}
	return u, nil
}

func (u *Universe) openWorld(spec tuning.WorldSpec) (*Instance, error) {
	wl := log.New(u.logger.Writer(), fmt.Sprintf("[graph %s] ", spec.ID), u.logger.Flags())
	inst := &Instance{ID: spec.ID, Blocks: blockworld.New(), logger: wl}
	if u.dir != "" {
		inst.dir = filepath.Join(u.dir, "worlds", spec.ID)
		if err := os.MkdirAll(inst.dir, 0o755); err != nil {
			return nil, err
		}
		if err := inst.Blocks.Load(inst.blocksPath()); err != nil {
			// unreadable blocks start empty; the graphs are rebuilt as blocks come back
			wl.Printf("blocks: read failed, starting empty: %v", err)
		}
	}
	gw, err := registry.Open(registry.Options{
		ID:                spec.ID,
		Types:             u.types,
		Dir:               inst.dir,
		IDReserve:         uint64(u.cfg.IDReserveBlock),
		ChunkUnloadTicks:  u.cfg.ChunkUnloadTicks,
		PillarUnloadTicks: u.cfg.PillarUnloadTicks,
		AsyncRegionLoad:   u.cfg.AsyncRegionLoad,
		Logger:            wl,
	})
	if err != nil {
		return nil, err
	}
	inst.Graphs = gw

	var local []policy.Discoverer
	for _, name := range spec.Plugins {
		p := plugins[name]
		inst.plugins = append(inst.plugins, p)
		if p.discoverer != nil {
			local = append(local, p.discoverer(inst.Blocks))
		}
	}
	inst.Coord = update.New(gw, local...)
	inst.Blocks.SetHooks(blockworld.Hooks{
		BlockChanged:   inst.onBlockChanged,
		ColumnLoaded:   gw.OnChunkLoad,
		ColumnUnloaded: gw.OnChunkUnload,
	})
	return inst, nil
}

func (u *Universe) Types() *policy.Registry { return u.types }
func (u *Universe) Tuning() tuning.Tuning   { return u.cfg }
func (u *Universe) CurrentTick() uint64     { return u.tick }

func (u *Universe) World(id string) (*Instance, bool) {
	inst, ok := u.worlds[id]
	return inst, ok
}

func (u *Universe) DefaultWorld() *Instance { return u.worlds[u.defaultID] }

func (u *Universe) WorldIDs() []string {
	out := make([]string, 0, len(u.worlds))
	for id := range u.worlds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AddListener subscribes l to the event streams of every world.
func (u *Universe) AddListener(l events.Listener) {
	for _, id := range u.WorldIDs() {
		u.worlds[id].Graphs.AddListener(l)
	}
}

// Tick advances every world by one step and saves on the configured cadence.
func (u *Universe) Tick() {
	u.tick++
	for _, id := range u.WorldIDs() {
		u.worlds[id].Graphs.Tick()
	}
	if u.cfg.SaveEveryTicks > 0 && u.tick%uint64(u.cfg.SaveEveryTicks) == 0 {
		if err := u.SaveAll(); err != nil {
			u.logger.Printf("save at tick %d: %v", u.tick, err)
		}
	}
}

// SaveAll writes the blocks and every dirty graph and region pillar of every world. It
// keeps going after a failure and returns the first error.
func (u *Universe) SaveAll() error {
	var first error
	for _, id := range u.WorldIDs() {
		inst := u.worlds[id]
		if err := inst.Graphs.SaveAll(); err != nil && first == nil {
			first = fmt.Errorf("world %s: %w", id, err)
		}
		if p := inst.blocksPath(); p != "" {
			if err := inst.Blocks.Save(p); err != nil {
				inst.logger.Printf("blocks: save failed: %v", err)
				if first == nil {
					first = fmt.Errorf("world %s blocks: %w", id, err)
				}
			}
		}
	}
	return first
}

// Close saves blocks and closes every world.
func (u *Universe) Close() error {
	var errs []error
	for _, id := range u.WorldIDs() {
		if p := u.worlds[id].blocksPath(); p != "" {
			if err := u.worlds[id].Blocks.Save(p); err != nil {
				errs = append(errs, fmt.Errorf("world %s blocks: %w", id, err))
			}
		}
	}
	errs = append(errs, u.closeWorlds()...)
	return errors.Join(errs...)
}

func (u *Universe) closeWorlds() []error {
	var errs []error
	ids := make([]string, 0, len(u.worlds))
	for id := range u.worlds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := u.worlds[id].Graphs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("world %s: %w", id, err))
		}
	}
	return errs
}
