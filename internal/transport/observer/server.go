package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blockgraph.ai/internal/observerproto"
)

// BootstrapFunc reports the current state of the universe. It is called from HTTP
// handlers and must do its own synchronisation with the tick loop.
type BootstrapFunc func(ctx context.Context) (observerproto.BootstrapResponse, error)

type Server struct {
	hub       *Hub
	bootstrap BootstrapFunc
	log       *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, bootstrap BootstrapFunc, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		hub:       hub,
		bootstrap: bootstrap,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Mux serves the bootstrap document and the websocket feed.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/observer/ws", s.WSHandler())
	return mux
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		resp, err := s.bootstrap(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		resp.ProtocolVersion = observerproto.Version
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

const (
	pingEvery = 20 * time.Second
	idleLimit = 3 * pingEvery
)

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.serve(conn)
	}
}

// serve runs one observer connection. The first frame must be a SUBSCRIBE; later ones
// replace the filter.
func (s *Server) serve(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	sub, ok := decodeSubscribe(msg)
	if !ok {
		closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
		return
	}

	sid := uuid.NewString()
	subr := s.hub.subscribe(sid, sub)
	defer s.hub.unsubscribe(subr)
	s.log.Printf("observer %s: subscribed worlds=%v graphs=%v", sid, sub.Worlds, sub.Graphs)

	stop := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.pump(conn, subr, stop)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleLimit))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleLimit))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if sub, ok := decodeSubscribe(msg); ok {
			s.hub.update(subr, sub)
		}
	}
	close(stop)

	select {
	case <-writeDone:
	case <-time.After(500 * time.Millisecond):
	}
	s.log.Printf("observer %s: gone", sid)
}

// pump forwards the subscriber's frames and pings an idle connection. When the hub drops
// the subscriber it says BYE and closes conn, which ends the read loop in serve.
func (s *Server) pump(conn *websocket.Conn, subr *subscriber, stop <-chan struct{}) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-stop:
			closeWith(conn, websocket.CloseNormalClosure, "bye")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				_ = conn.Close()
				return
			}
		case b, ok := <-subr.out:
			if !ok {
				if subr.reason != "" {
					s.bye(conn, subr.reason)
				}
				_ = conn.Close()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) bye(conn *websocket.Conn, reason string) {
	b, err := json.Marshal(observerproto.ByeMsg{
		Type:            observerproto.TypeBye,
		ProtocolVersion: observerproto.Version,
		Reason:          reason,
	})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
	closeWith(conn, websocket.CloseTryAgainLater, reason)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
