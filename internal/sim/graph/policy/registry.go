package policy

import (
	"errors"
	"fmt"
	"sort"

	"blockgraph.ai/internal/sim/graph/model"
)

var (
	ErrDuplicateType = errors.New("type already registered")
	ErrUnknownType   = errors.New("unknown type")
)

type NodeType struct {
	ID    model.TypeID
	Codec Codec
	// Shape is the default wire shape of nodes of this type.
	Shape Shape
	// Connector defaults to the registry's WireConnector.
	Connector Connector

	NewEntity    func(self model.NodePos) (NodeEntity, error)
	DecodeEntity func(self model.NodePos, b []byte) (NodeEntity, error)

	// OnConnectionsChanged runs once per reconcile for every node whose link set changed.
	OnConnectionsChanged func(self model.NodePos, links []model.LinkPos)
}

type LinkKeyType struct {
	ID    model.TypeID
	Codec Codec
	// Manual links are only removed explicitly, never by reconcile.
	Manual bool

	NewEntity    func(link model.LinkPos) (LinkEntity, error)
	DecodeEntity func(link model.LinkPos, b []byte) (LinkEntity, error)
}

type GraphEntityType struct {
	ID     model.TypeID
	New    func(g GraphView) GraphEntity
	Decode func(b []byte) (GraphEntity, error)
	// Split produces the entity of a graph spun off from the entity's owner. It runs once
	// per new graph and may return nil to leave the new graph without this entity.
	// When Split is nil, New is used instead.
	Split func(original GraphEntity, from, to GraphView) GraphEntity
}

// Registry holds every node, link key and graph entity type of one universe. It is built
// at startup and handed to each world; it is not safe for concurrent registration.
type Registry struct {
	nodes         map[model.TypeID]*NodeType
	linkKeys      map[model.TypeID]*LinkKeyType
	graphEntities map[model.TypeID]*GraphEntityType
	discoverers   []Discoverer
	wire          *WireConnector
}

func NewRegistry() *Registry {
	r := &Registry{
		nodes:         map[model.TypeID]*NodeType{},
		linkKeys:      map[model.TypeID]*LinkKeyType{},
		graphEntities: map[model.TypeID]*GraphEntityType{},
	}
	r.wire = &WireConnector{}
	_ = r.RegisterLinkKey(LinkKeyType{
		ID:    model.EmptyLinkKeyType,
		Codec: JSONCodec[model.EmptyLinkKey]{},
	})
	return r
}

func (r *Registry) RegisterNode(t NodeType) error {
	if _, err := model.ParseTypeID(string(t.ID)); err != nil {
		return err
	}
	if t.Codec == nil {
		return fmt.Errorf("node type %s: codec required", t.ID)
	}
	if _, ok := r.nodes[t.ID]; ok {
		return fmt.Errorf("node type %s: %w", t.ID, ErrDuplicateType)
	}
	tt := t
	r.nodes[t.ID] = &tt
	return nil
}

func (r *Registry) RegisterLinkKey(t LinkKeyType) error {
	if _, err := model.ParseTypeID(string(t.ID)); err != nil {
		return err
	}
	if t.Codec == nil {
		return fmt.Errorf("link key type %s: codec required", t.ID)
	}
	if _, ok := r.linkKeys[t.ID]; ok {
		return fmt.Errorf("link key type %s: %w", t.ID, ErrDuplicateType)
	}
	tt := t
	r.linkKeys[t.ID] = &tt
	return nil
}

func (r *Registry) RegisterGraphEntity(t GraphEntityType) error {
	if _, err := model.ParseTypeID(string(t.ID)); err != nil {
		return err
	}
	if t.New == nil || t.Decode == nil {
		return fmt.Errorf("graph entity type %s: New and Decode required", t.ID)
	}
	if _, ok := r.graphEntities[t.ID]; ok {
		return fmt.Errorf("graph entity type %s: %w", t.ID, ErrDuplicateType)
	}
	tt := t
	r.graphEntities[t.ID] = &tt
	return nil
}

func (r *Registry) AddDiscoverer(d Discoverer) {
	if d != nil {
		r.discoverers = append(r.discoverers, d)
	}
}

func (r *Registry) Discoverers() []Discoverer { return r.discoverers }

func (r *Registry) Node(id model.TypeID) (*NodeType, bool) {
	t, ok := r.nodes[id]
	return t, ok
}

func (r *Registry) LinkKey(id model.TypeID) (*LinkKeyType, bool) {
	t, ok := r.linkKeys[id]
	return t, ok
}

func (r *Registry) GraphEntity(id model.TypeID) (*GraphEntityType, bool) {
	t, ok := r.graphEntities[id]
	return t, ok
}

// NodeTypeIDs returns the registered node types in sorted order.
func (r *Registry) NodeTypeIDs() []model.TypeID {
	out := make([]model.TypeID, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GraphEntityIDs returns the registered graph entity types in sorted order.
func (r *Registry) GraphEntityIDs() []model.TypeID {
	out := make([]model.TypeID, 0, len(r.graphEntities))
	for id := range r.graphEntities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnectorFor returns the connector of n's type, falling back to the wire connector.
func (r *Registry) ConnectorFor(n model.BlockNode) Connector {
	if t, ok := r.nodes[n.TypeID()]; ok && t.Connector != nil {
		return t.Connector
	}
	return r.wire
}

// Manual reports whether links with key k are exempt from automatic removal.
func (r *Registry) Manual(k model.LinkKey) bool {
	if t, ok := r.linkKeys[k.TypeID()]; ok {
		return t.Manual
	}
	return false
}

func (r *Registry) EncodeNode(n model.BlockNode) ([]byte, error) {
	t, ok := r.nodes[n.TypeID()]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", n.TypeID(), ErrUnknownType)
	}
	return t.Codec.Encode(n)
}

func (r *Registry) DecodeNode(id model.TypeID, b []byte) (model.BlockNode, error) {
	t, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrUnknownType)
	}
	v, err := t.Codec.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	n, ok := v.(model.BlockNode)
	if !ok || n.TypeID() != id {
		return nil, fmt.Errorf("node %s: codec produced %T", id, v)
	}
	return n, nil
}

func (r *Registry) EncodeLinkKey(k model.LinkKey) ([]byte, error) {
	t, ok := r.linkKeys[k.TypeID()]
	if !ok {
		return nil, fmt.Errorf("link key %s: %w", k.TypeID(), ErrUnknownType)
	}
	return t.Codec.Encode(k)
}

func (r *Registry) DecodeLinkKey(id model.TypeID, b []byte) (model.LinkKey, error) {
	t, ok := r.linkKeys[id]
	if !ok {
		return nil, fmt.Errorf("link key %s: %w", id, ErrUnknownType)
	}
	v, err := t.Codec.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("link key %s: %w", id, err)
	}
	k, ok := v.(model.LinkKey)
	if !ok || k.TypeID() != id {
		return nil, fmt.Errorf("link key %s: codec produced %T", id, v)
	}
	return k, nil
}
