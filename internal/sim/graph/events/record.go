package events

import (
	"encoding/json"
	"fmt"

	"blockgraph.ai/internal/sim/graph/model"
)

// Encoder turns node and link key values into their persisted form. policy.Registry
// implements it.
type Encoder interface {
	EncodeNode(n model.BlockNode) ([]byte, error)
	EncodeLinkKey(k model.LinkKey) ([]byte, error)
}

type Decoder interface {
	DecodeNode(id model.TypeID, b []byte) (model.BlockNode, error)
	DecodeLinkKey(id model.TypeID, b []byte) (model.LinkKey, error)
}

type NodeRecord struct {
	Pos  [3]int          `json:"pos"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type LinkRecord struct {
	A       NodeRecord      `json:"a"`
	B       NodeRecord      `json:"b"`
	KeyType string          `json:"key_type"`
	KeyData json.RawMessage `json:"key_data,omitempty"`
}

// Record is the JSON form of an Event used by the event log, the index and the observer feed.
type Record struct {
	Epoch uint64       `json:"epoch,omitempty"`
	Seq   uint64       `json:"seq"`
	World string       `json:"world"`
	Tick  uint64       `json:"tick"`
	Kind  string       `json:"kind"`
	Graph uint64       `json:"graph"`
	From  uint64       `json:"from,omitempty"`
	Into  []uint64     `json:"into,omitempty"`
	Node  *NodeRecord  `json:"node,omitempty"`
	Link  *LinkRecord  `json:"link,omitempty"`
	Nodes []NodeRecord `json:"nodes,omitempty"`
	Links []LinkRecord `json:"links,omitempty"`
}

func ToRecord(ev Event, enc Encoder) (Record, error) {
	r := Record{
		Epoch: ev.Epoch,
		Seq:   ev.Seq,
		World: ev.World,
		Tick:  ev.Tick,
		Kind:  string(ev.Kind),
		Graph: ev.Graph,
		From:  ev.From,
		Into:  ev.Into,
	}
	if ev.Node.Node != nil {
		nr, err := nodeRecord(ev.Node, enc)
		if err != nil {
			return r, err
		}
		r.Node = &nr
	}
	if ev.Link.Key != nil {
		lr, err := linkRecord(ev.Link, enc)
		if err != nil {
			return r, err
		}
		r.Link = &lr
	}
	for _, n := range ev.Nodes {
		nr, err := nodeRecord(n, enc)
		if err != nil {
			return r, err
		}
		r.Nodes = append(r.Nodes, nr)
	}
	for _, l := range ev.Links {
		lr, err := linkRecord(l, enc)
		if err != nil {
			return r, err
		}
		r.Links = append(r.Links, lr)
	}
	return r, nil
}

func FromRecord(r Record, dec Decoder) (Event, error) {
	ev := Event{
		Epoch: r.Epoch,
		Seq:   r.Seq,
		World: r.World,
		Tick:  r.Tick,
		Kind:  Kind(r.Kind),
		Graph: r.Graph,
		From:  r.From,
		Into:  r.Into,
	}
	var err error
	if r.Node != nil {
		if ev.Node, err = nodeFromRecord(*r.Node, dec); err != nil {
			return ev, err
		}
	}
	if r.Link != nil {
		if ev.Link, err = linkFromRecord(*r.Link, dec); err != nil {
			return ev, err
		}
	}
	for _, nr := range r.Nodes {
		n, err := nodeFromRecord(nr, dec)
		if err != nil {
			return ev, err
		}
		ev.Nodes = append(ev.Nodes, n)
	}
	for _, lr := range r.Links {
		l, err := linkFromRecord(lr, dec)
		if err != nil {
			return ev, err
		}
		ev.Links = append(ev.Links, l)
	}
	return ev, nil
}

func nodeRecord(n model.NodePos, enc Encoder) (NodeRecord, error) {
	b, err := enc.EncodeNode(n.Node)
	if err != nil {
		return NodeRecord{}, fmt.Errorf("encode node at %s: %w", n.Pos, err)
	}
	return NodeRecord{Pos: n.Pos.ToArray(), Type: string(n.Node.TypeID()), Data: b}, nil
}

func nodeFromRecord(r NodeRecord, dec Decoder) (model.NodePos, error) {
	n, err := dec.DecodeNode(model.TypeID(r.Type), r.Data)
	if err != nil {
		return model.NodePos{}, err
	}
	return model.NodePos{Pos: model.PosFromArray(r.Pos), Node: n}, nil
}

func linkRecord(l model.LinkPos, enc Encoder) (LinkRecord, error) {
	a, err := nodeRecord(l.First, enc)
	if err != nil {
		return LinkRecord{}, err
	}
	b, err := nodeRecord(l.Second, enc)
	if err != nil {
		return LinkRecord{}, err
	}
	kb, err := enc.EncodeLinkKey(l.Key)
	if err != nil {
		return LinkRecord{}, fmt.Errorf("encode link key: %w", err)
	}
	return LinkRecord{A: a, B: b, KeyType: string(l.Key.TypeID()), KeyData: kb}, nil
}

func linkFromRecord(r LinkRecord, dec Decoder) (model.LinkPos, error) {
	a, err := nodeFromRecord(r.A, dec)
	if err != nil {
		return model.LinkPos{}, err
	}
	b, err := nodeFromRecord(r.B, dec)
	if err != nil {
		return model.LinkPos{}, err
	}
	k, err := dec.DecodeLinkKey(model.TypeID(r.KeyType), r.KeyData)
	if err != nil {
		return model.LinkPos{}, err
	}
	return model.NewLinkPos(a, b, k), nil
}
