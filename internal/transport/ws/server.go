package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blockgraph.ai/internal/protocol"
)

// Editor applies edits to the block worlds. Implementations synchronise with the tick loop.
type Editor interface {
	Welcome(ctx context.Context) (protocol.WelcomeMsg, error)
	Edit(ctx context.Context, msg protocol.EditMsg) protocol.ResultMsg
}

type Server struct {
	editor Editor
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(e Editor, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		editor: e,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid, out := s.handshake(r.Context(), conn)
		if sid == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. Edits run one at a time; a client that does not read its results
		// blocks here once its queue is full.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeEdit {
				continue
			}
			var edit protocol.EditMsg
			if err := json.Unmarshal(msg, &edit); err != nil || edit.ProtocolVersion != protocol.Version {
				s.send(ctx, out, protocol.ResultMsg{
					Type:            protocol.TypeResult,
					ProtocolVersion: protocol.Version,
					Ref:             edit.Ref,
					Code:            protocol.ErrProtoBadRequest,
					Message:         "malformed EDIT",
				})
				continue
			}
			ectx, ecancel := context.WithTimeout(ctx, 3*time.Second)
			res := s.editor.Edit(ectx, edit)
			ecancel()
			if !res.OK {
				s.log.Printf("edit %s/%s: %s %s", sid, edit.Ref, res.Code, res.Message)
			}
			if !s.send(ctx, out, res) {
				break
			}
		}
	}
}

func (s *Server) send(ctx context.Context, out chan []byte, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (sid string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}
	out = make(chan []byte, maxQ)

	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	welcome, err := s.editor.Welcome(wctx)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
		return "", nil
	}
	sid = uuid.NewString()
	welcome.SessionID = sid
	if err := writeJSON(conn, welcome); err != nil {
		return "", nil
	}
	s.log.Printf("edit session %s: %s connected", sid, hello.ClientName)
	return sid, out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
