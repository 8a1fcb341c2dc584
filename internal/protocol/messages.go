package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	Tick            uint64   `json:"tick"`
	DefaultWorld    string   `json:"default_world"`
	Worlds          []string `json:"worlds"`
}

// Edit operations.
const (
	OpSetBlock     = "SET_BLOCK"
	OpLoadColumn   = "LOAD_COLUMN"
	OpUnloadColumn = "UNLOAD_COLUMN"
	OpRescan       = "RESCAN"
)

// EDIT (client -> server). Ops are applied in order within one tick; the first failing op
// stops the batch.
type EditMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	// World defaults to the server's default world.
	World string `json:"world,omitempty"`
	Ops   []Op   `json:"ops"`
}

type Op struct {
	Op     string     `json:"op"`
	Pos    [3]int     `json:"pos,omitempty"`
	Column [2]int     `json:"column,omitempty"`
	Block  *BlockSpec `json:"block,omitempty"`
}

type BlockSpec struct {
	Kind  string   `json:"kind"`
	Faces []string `json:"faces,omitempty"`
	On    bool     `json:"on,omitempty"`
}

// RESULT (server -> client), one per EDIT.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Tick            uint64 `json:"tick"`
	// Applied counts the ops that took effect.
	Applied  int `json:"applied"`
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Linked   int `json:"linked"`
	Unlinked int `json:"unlinked"`
}
