package observerproto

import "blockgraph.ai/internal/sim/graph/events"

// Version is the observer feed protocol version.
const Version = "1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeEvent     = "EVENT"
	TypeBye       = "BYE"
)

// Client -> Server. First message on the observer WS connection; re-sending it replaces
// the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Worlds limits the feed to these worlds. Empty means all.
	Worlds []string `json:"worlds,omitempty"`
	// Graphs limits the feed to events about these graph ids in every selected world.
	// Graphs that absorb or split off from them are followed.
	Graphs []uint64 `json:"graphs,omitempty"`
	// MaxQueue is how many events may wait for this client before it is disconnected.
	MaxQueue int `json:"max_queue,omitempty"`
}

// Server -> Client, one per graph change event.
type EventMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Event           events.Record `json:"event"`
}

// Server -> Client, last message before the server closes the connection.
type ByeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Reason          string `json:"reason"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	TickRateHz      int         `json:"tick_rate_hz"`
	Worlds          []WorldInfo `json:"worlds"`
	NodeTypes       []string    `json:"node_types"`
}

type WorldInfo struct {
	ID     string   `json:"id"`
	Graphs []uint64 `json:"graphs"`
	Nodes  int      `json:"nodes"`
	// LastSeq is the sequence number of the latest event; the feed continues after it.
	LastSeq uint64 `json:"last_seq"`
}
