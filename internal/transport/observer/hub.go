package observer

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"blockgraph.ai/internal/observerproto"
	"blockgraph.ai/internal/sim/graph/events"
)

const (
	defaultMaxQueue = 256
	maxMaxQueue     = 4096
)

type subscriber struct {
	id     string
	out    chan []byte
	worlds map[string]bool
	graphs map[uint64]bool
	// reason is set before out is closed by the hub.
	reason string
}

func (s *subscriber) setFilter(sub observerproto.SubscribeMsg) {
	s.worlds = nil
	s.graphs = nil
	if len(sub.Worlds) > 0 {
		s.worlds = map[string]bool{}
		for _, w := range sub.Worlds {
			s.worlds[w] = true
		}
	}
	if len(sub.Graphs) > 0 {
		s.graphs = map[uint64]bool{}
		for _, g := range sub.Graphs {
			s.graphs[g] = true
		}
	}
}

// match reports whether r passes the filter. A graph filter follows the graphs it names
// through merges and splits.
func (s *subscriber) match(r events.Record) bool {
	if s.worlds != nil && !s.worlds[r.World] {
		return false
	}
	if s.graphs == nil {
		return true
	}
	switch events.Kind(r.Kind) {
	case events.Merged:
		if s.graphs[r.From] {
			s.graphs[r.Graph] = true
			return true
		}
	case events.Split:
		if s.graphs[r.Graph] {
			for _, id := range r.Into {
				s.graphs[id] = true
			}
			return true
		}
	}
	return s.graphs[r.Graph]
}

// Hub fans the change stream out to websocket subscribers. It is a events.Listener and
// never blocks the caller: a subscriber whose queue is full is disconnected.
type Hub struct {
	enc    events.Encoder
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]*subscriber

	kicked atomic.Uint64
}

func NewHub(enc events.Encoder, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{enc: enc, logger: logger, subs: map[string]*subscriber{}}
}

func (h *Hub) HandleGraphEvent(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return
	}
	rec, err := events.ToRecord(ev, h.enc)
	if err != nil {
		h.logger.Printf("observer: seq %d (%s): %v", ev.Seq, ev.Kind, err)
		return
	}
	b, err := json.Marshal(observerproto.EventMsg{
		Type:            observerproto.TypeEvent,
		ProtocolVersion: observerproto.Version,
		Event:           rec,
	})
	if err != nil {
		h.logger.Printf("observer: marshal seq %d: %v", ev.Seq, err)
		return
	}
	for _, s := range h.subs {
		if !s.match(rec) {
			continue
		}
		select {
		case s.out <- b:
		default:
			h.kickLocked(s, "slow consumer")
		}
	}
}

func (h *Hub) subscribe(id string, sub observerproto.SubscribeMsg) *subscriber {
	n := sub.MaxQueue
	if n <= 0 {
		n = defaultMaxQueue
	}
	if n > maxMaxQueue {
		n = maxMaxQueue
	}
	s := &subscriber{id: id, out: make(chan []byte, n)}
	s.setFilter(sub)
	h.mu.Lock()
	h.subs[id] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) update(s *subscriber, sub observerproto.SubscribeMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; ok {
		s.setFilter(sub)
	}
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		close(s.out)
	}
}

func (h *Hub) kickLocked(s *subscriber, reason string) {
	delete(h.subs, s.id)
	s.reason = reason
	close(s.out)
	h.kicked.Add(1)
	h.logger.Printf("observer %s: disconnected: %s", s.id, reason)
}

// Subscribers is the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Kicked counts subscribers disconnected for falling behind.
func (h *Hub) Kicked() uint64 { return h.kicked.Load() }
