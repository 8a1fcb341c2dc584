// Package wiring is a small redstone-like plugin: wires, panels on block faces, switches
// and lamps. A graph is powered while it contains at least one switch that is on.
package wiring

import (
	"encoding/json"
	"fmt"
	"sort"

	"blockgraph.ai/internal/sim/blockworld"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
	"blockgraph.ai/internal/sim/graph/registry"
)

const (
	WireType   model.TypeID = "wiring:wire"
	PanelType  model.TypeID = "wiring:panel"
	SwitchType model.TypeID = "wiring:switch"
	LampType   model.TypeID = "wiring:lamp"
	PowerType  model.TypeID = "wiring:power"
)

type Wire struct{}

func (Wire) TypeID() model.TypeID { return WireType }

// Panel lies flat against the Side face of its block.
type Panel struct {
	Side model.Direction `json:"side"`
}

func (Panel) TypeID() model.TypeID { return PanelType }

func (p Panel) WireShape() policy.Shape {
	return policy.Shape{Kind: policy.ShapeSided, Side: p.Side}
}

type Switch struct{}

func (Switch) TypeID() model.TypeID { return SwitchType }

type Lamp struct{}

func (Lamp) TypeID() model.TypeID { return LampType }

// SwitchState is the node entity of a switch.
type SwitchState struct {
	On bool `json:"on"`
}

func (s *SwitchState) Encode() ([]byte, error) { return json.Marshal(s) }

// Power is the graph entity tracking which switches of a graph are on.
type Power struct {
	Sources map[model.Pos]bool
}

type powerV1 struct {
	Sources [][3]int `json:"sources"`
}

func NewPower() *Power { return &Power{Sources: map[model.Pos]bool{}} }

func (p *Power) Powered() bool { return len(p.Sources) > 0 }

func (p *Power) Merge(other policy.GraphEntity) {
	o, ok := other.(*Power)
	if !ok {
		return
	}
	for pos := range o.Sources {
		p.Sources[pos] = true
	}
}

func (p *Power) Encode() ([]byte, error) {
	v := powerV1{Sources: make([][3]int, 0, len(p.Sources))}
	for pos := range p.Sources {
		v.Sources = append(v.Sources, pos.ToArray())
	}
	sort.Slice(v.Sources, func(i, j int) bool {
		return model.PosFromArray(v.Sources[i]).Less(model.PosFromArray(v.Sources[j]))
	})
	return json.Marshal(v)
}

func decodePower(b []byte) (policy.GraphEntity, error) {
	var v powerV1
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("power: %w", err)
	}
	p := NewPower()
	for _, a := range v.Sources {
		p.Sources[model.PosFromArray(a)] = true
	}
	return p, nil
}

// splitPower hands the spun-off graph the sources that now live in it.
func splitPower(original policy.GraphEntity, from, to policy.GraphView) policy.GraphEntity {
	orig, ok := original.(*Power)
	if !ok {
		return nil
	}
	out := NewPower()
	for _, np := range to.NodePositions() {
		if np.Node.TypeID() == SwitchType && orig.Sources[np.Pos] {
			out.Sources[np.Pos] = true
			delete(orig.Sources, np.Pos)
		}
	}
	return out
}

// Register adds the wiring node types and the power entity to types.
func Register(types *policy.Registry) error {
	nodes := []policy.NodeType{
		{ID: WireType, Codec: policy.JSONCodec[Wire]{}, Shape: policy.Shape{Kind: policy.ShapeFullBlock}},
		{ID: PanelType, Codec: policy.JSONCodec[Panel]{}, Shape: policy.Shape{Kind: policy.ShapeSided}},
		{
			ID:    SwitchType,
			Codec: policy.JSONCodec[Switch]{},
			Shape: policy.Shape{Kind: policy.ShapeCentered},
			NewEntity: func(model.NodePos) (policy.NodeEntity, error) {
				return &SwitchState{}, nil
			},
			DecodeEntity: func(_ model.NodePos, b []byte) (policy.NodeEntity, error) {
				var s SwitchState
				if err := json.Unmarshal(b, &s); err != nil {
					return nil, err
				}
				return &s, nil
			},
		},
		{ID: LampType, Codec: policy.JSONCodec[Lamp]{}, Shape: policy.Shape{Kind: policy.ShapeCentered}},
	}
	for _, nt := range nodes {
		if err := types.RegisterNode(nt); err != nil {
			return err
		}
	}
	return types.RegisterGraphEntity(policy.GraphEntityType{
		ID:     PowerType,
		New:    func(policy.GraphView) policy.GraphEntity { return NewPower() },
		Decode: decodePower,
		Split:  splitPower,
	})
}

// BlockSource is the part of a host world the discoverer reads.
type BlockSource interface {
	BlockAt(p model.Pos) blockworld.Block
}

// NewDiscoverer maps blocks of src to wiring nodes. A switch's entity starts in the
// block's state.
func NewDiscoverer(src BlockSource) policy.Discoverer {
	return policy.DiscovererFunc(func(pos model.Pos) ([]policy.NodeDescriptor, error) {
		b := src.BlockAt(pos)
		switch b.Kind {
		case blockworld.Wire:
			return []policy.NodeDescriptor{{Node: Wire{}}}, nil
		case blockworld.Panel:
			faces := b.FaceList()
			out := make([]policy.NodeDescriptor, 0, len(faces))
			for _, d := range faces {
				out = append(out, policy.NodeDescriptor{Node: Panel{Side: d}})
			}
			return out, nil
		case blockworld.Switch:
			on := b.On
			return []policy.NodeDescriptor{{
				Node: Switch{},
				NewEntity: func(model.NodePos) (policy.NodeEntity, error) {
					return &SwitchState{On: on}, nil
				},
			}}, nil
		case blockworld.Lamp:
			return []policy.NodeDescriptor{{Node: Lamp{}}}, nil
		default:
			return nil, nil
		}
	})
}

// SetSwitch turns the switch at pos on or off and updates its graph's power.
func SetSwitch(w *registry.World, pos model.Pos, on bool) error {
	np := model.NodePos{Pos: pos, Node: Switch{}}
	n, ok := w.NodeAt(np)
	if !ok {
		return fmt.Errorf("switch at %s: %w", pos, registry.ErrNodeNotFound)
	}
	st, ok := n.Entity().(*SwitchState)
	if !ok {
		return fmt.Errorf("switch at %s has no state", pos)
	}
	st.On = on
	g, _ := w.Graph(n.GraphID())
	e, err := g.EnsureEntity(PowerType)
	if err != nil {
		return err
	}
	p := e.(*Power)
	if on {
		p.Sources[pos] = true
	} else {
		delete(p.Sources, pos)
	}
	g.MarkDirty()
	return nil
}

// Powered reports whether the graph holding np has a switch that is on. Sources whose
// switch left the graph are dropped on the way.
func Powered(w *registry.World, np model.NodePos) bool {
	n, ok := w.NodeAt(np)
	if !ok {
		return false
	}
	g, _ := w.Graph(n.GraphID())
	e, ok := g.Entity(PowerType)
	if !ok {
		return false
	}
	p := e.(*Power)
	for pos := range p.Sources {
		sw, ok := w.NodeAt(model.NodePos{Pos: pos, Node: Switch{}})
		if !ok || sw.GraphID() != g.ID() {
			delete(p.Sources, pos)
			g.MarkDirty()
		}
	}
	return p.Powered()
}

// Apply brings the switch at pos in line with block b after the block changed.
func Apply(w *registry.World, pos model.Pos, b blockworld.Block) error {
	if b.Kind != blockworld.Switch {
		return nil
	}
	n, ok := w.NodeAt(model.NodePos{Pos: pos, Node: Switch{}})
	if !ok {
		return nil
	}
	if st, ok := n.Entity().(*SwitchState); ok && st.On == b.On {
		if g, _ := w.Graph(n.GraphID()); !b.On || hasSource(g, pos) {
			return nil
		}
	}
	return SetSwitch(w, pos, b.On)
}

func hasSource(g *registry.Graph, pos model.Pos) bool {
	e, ok := g.Entity(PowerType)
	return ok && e.(*Power).Sources[pos]
}

// Sync records the switch state of every switch in w in its graph's power entity. It is
// used after switches were created from blocks that were already on.
func Sync(w *registry.World) {
	for _, id := range w.GraphIDs() {
		g, _ := w.Graph(id)
		for _, n := range g.Nodes() {
			st, ok := n.Entity().(*SwitchState)
			if !ok || !st.On {
				continue
			}
			e, err := g.EnsureEntity(PowerType)
			if err != nil {
				continue
			}
			if p := e.(*Power); !p.Sources[n.Pos().Pos] {
				p.Sources[n.Pos().Pos] = true
				g.MarkDirty()
			}
		}
	}
}
