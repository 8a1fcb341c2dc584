package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"blockgraph.ai/internal/observerproto"
	"blockgraph.ai/internal/sim/graph/events"
	"blockgraph.ai/internal/sim/graph/model"
	"blockgraph.ai/internal/sim/graph/policy"
)

type wire struct{}

func (wire) TypeID() model.TypeID { return "test:wire" }

func testHub(t *testing.T) *Hub {
	t.Helper()
	reg := policy.NewRegistry()
	if err := reg.RegisterNode(policy.NodeType{ID: "test:wire", Codec: policy.JSONCodec[wire]{}}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	return NewHub(reg, nil)
}

func subscribeMsg(worlds ...string) observerproto.SubscribeMsg {
	return observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, Worlds: worlds}
}

func TestHubDisconnectsSlowSubscriber(t *testing.T) {
	h := testHub(t)
	sub := subscribeMsg()
	sub.MaxQueue = 1
	s := h.subscribe("O1", sub)
	h.HandleGraphEvent(events.Event{Seq: 1, World: "w", Kind: events.GraphCreated, Graph: 1})
	h.HandleGraphEvent(events.Event{Seq: 2, World: "w", Kind: events.GraphUpdated, Graph: 1})

	if h.Subscribers() != 0 || h.Kicked() != 1 {
		t.Fatalf("subscribers=%d kicked=%d", h.Subscribers(), h.Kicked())
	}
	if _, ok := <-s.out; !ok {
		t.Fatalf("queued event should still be delivered")
	}
	if _, ok := <-s.out; ok {
		t.Fatalf("queue should be closed")
	}
	if s.reason != "slow consumer" {
		t.Fatalf("reason %q", s.reason)
	}
	// unsubscribing after a kick must not close twice
	h.unsubscribe(s)
}

func TestHubFiltersByWorldAndFollowsGraphs(t *testing.T) {
	h := testHub(t)
	byWorld := h.subscribe("O1", subscribeMsg("nether"))
	g := subscribeMsg()
	g.Graphs = []uint64{2}
	byGraph := h.subscribe("O2", g)

	for _, ev := range []events.Event{
		{Seq: 1, World: "overworld", Kind: events.GraphCreated, Graph: 1},
		{Seq: 2, World: "overworld", Kind: events.Merged, Graph: 1, From: 2},
		{Seq: 3, World: "overworld", Kind: events.GraphUpdated, Graph: 1},
		{Seq: 4, World: "overworld", Kind: events.GraphUpdated, Graph: 3},
		{Seq: 1, World: "nether", Kind: events.GraphCreated, Graph: 5},
	} {
		h.HandleGraphEvent(ev)
	}
	if len(byWorld.out) != 1 {
		t.Fatalf("world filter passed %d events", len(byWorld.out))
	}
	// merged from 2, then updates of 1 which absorbed it
	if len(byGraph.out) != 2 {
		t.Fatalf("graph filter passed %d events", len(byGraph.out))
	}
}

func TestWebsocketFeed(t *testing.T) {
	h := testHub(t)
	boot := func(context.Context) (observerproto.BootstrapResponse, error) {
		return observerproto.BootstrapResponse{Tick: 7, Worlds: []observerproto.WorldInfo{{ID: "w", Graphs: []uint64{1}}}}, nil
	}
	srv := httptest.NewServer(NewServer(h, boot, nil).Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/observer/bootstrap")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	var br observerproto.BootstrapResponse
	err = json.NewDecoder(resp.Body).Decode(&br)
	resp.Body.Close()
	if err != nil || br.Tick != 7 || br.ProtocolVersion != observerproto.Version {
		t.Fatalf("bootstrap response %+v %v", br, err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(subscribeMsg()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	n := model.NodePos{Pos: model.Pos{X: 4, Y: 5, Z: 6}, Node: wire{}}
	h.HandleGraphEvent(events.Event{Epoch: 9, Seq: 1, World: "w", Kind: events.NodeAdded, Graph: 1, Node: n})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg observerproto.EventMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != observerproto.TypeEvent || msg.Event.Kind != string(events.NodeAdded) || msg.Event.Epoch != 9 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Event.Node == nil || msg.Event.Node.Pos != [3]int{4, 5, 6} {
		t.Fatalf("unexpected node %+v", msg.Event.Node)
	}
}

func TestWebsocketRejectsMissingSubscribe(t *testing.T) {
	srv := httptest.NewServer(NewServer(testHub(t), nil, nil).Mux())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(map[string]string{"type": "HELLO"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}
