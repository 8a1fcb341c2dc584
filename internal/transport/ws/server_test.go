package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blockgraph.ai/internal/protocol"
)

type fakeEditor struct {
	mu    sync.Mutex
	edits []protocol.EditMsg
}

func (f *fakeEditor) Welcome(context.Context) (protocol.WelcomeMsg, error) {
	return protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, DefaultWorld: "w", Worlds: []string{"w"}}, nil
}

func (f *fakeEditor) Edit(_ context.Context, msg protocol.EditMsg) protocol.ResultMsg {
	f.mu.Lock()
	f.edits = append(f.edits, msg)
	f.mu.Unlock()
	return protocol.ResultMsg{Type: protocol.TypeResult, ProtocolVersion: protocol.Version, Ref: msg.Ref, OK: true, Applied: len(msg.Ops)}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func TestEditSession(t *testing.T) {
	ed := &fakeEditor{}
	srv := httptest.NewServer(NewServer(ed, nil).Handler())
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "t"}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if welcome.DefaultWorld != "w" {
		t.Fatalf("unexpected welcome %+v", welcome)
	}
	if _, err := uuid.Parse(welcome.SessionID); err != nil {
		t.Fatalf("session id %q: %v", welcome.SessionID, err)
	}

	edit := protocol.EditMsg{
		Type:            protocol.TypeEdit,
		ProtocolVersion: protocol.Version,
		Ref:             "e1",
		Ops:             []protocol.Op{{Op: protocol.OpLoadColumn}, {Op: protocol.OpRescan}},
	}
	if err := conn.WriteJSON(edit); err != nil {
		t.Fatalf("edit: %v", err)
	}
	var res protocol.ResultMsg
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.OK || res.Ref != "e1" || res.Applied != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	edit.ProtocolVersion = "0"
	edit.Ref = "e2"
	_ = conn.WriteJSON(edit)
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.OK || res.Code != protocol.ErrProtoBadRequest || res.Ref != "e2" {
		t.Fatalf("expected bad request, got %+v", res)
	}
	ed.mu.Lock()
	defer ed.mu.Unlock()
	if len(ed.edits) != 1 {
		t.Fatalf("editor saw %d edits", len(ed.edits))
	}
}

func TestHandshakeRequiresHello(t *testing.T) {
	srv := httptest.NewServer(NewServer(&fakeEditor{}, nil).Handler())
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()
	_ = conn.WriteJSON(protocol.EditMsg{Type: protocol.TypeEdit, ProtocolVersion: protocol.Version})
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}
