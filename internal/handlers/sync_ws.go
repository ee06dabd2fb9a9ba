// internal/handlers/sync_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/memeclash/memeclash/internal/middleware"
	"github.com/memeclash/memeclash/internal/store"
)

// MaxSubscriptionsPerConn bounds how many live paths one browser tab may
// watch. A lobby client needs a handful; anything near the limit is a bug
// or abuse.
const MaxSubscriptionsPerConn = 64

// syncClientMsg is what the browser sends: subscribe/unsubscribe requests
// keyed by a client-chosen id, plus pings.
type syncClientMsg struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
}

// syncServerMsg is what the gateway pushes back. Payload carries the raw
// document bytes for data frames.
type syncServerMsg struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Path    string          `json:"path,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// syncConn is one browser tab's bridge into the document store. Store
// callbacks fan into OutChan; the write pump serializes onto the socket.
type syncConn struct {
	uid     string
	outChan chan syncServerMsg

	mu   sync.Mutex
	subs map[string]store.UnsubscribeFunc
}

func (sc *syncConn) send(msg syncServerMsg) {
	select {
	case sc.outChan <- msg:
	default:
		// Slow consumer: drop the frame. The next snapshot for the same
		// path supersedes it anyway.
	}
}

func (sc *syncConn) closeAll() {
	sc.mu.Lock()
	subs := sc.subs
	sc.subs = map[string]store.UnsubscribeFunc{}
	sc.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// SyncWSHandler upgrades to the realtime sync protocol: the client
// subscribes to document paths by id and receives a full snapshot on every
// change, starting with the current state.
func (s *Server) SyncWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"sync"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "sync" {
			c.Close(BadSubprotocolError, "client must speak the sync subprotocol")
			return
		}

		g, err := s.authenticate(r)
		if err != nil {
			s.Logger.Warnf("sync auth failed from %s: %v", remoteAddr, err)
			c.Close(InvalidAuthTokenError, "authentication failed")
			return
		}
		middleware.LogWebSocketConnect(s.Logger, remoteAddr, g.UID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sc := &syncConn{
			uid:     g.UID,
			outChan: make(chan syncServerMsg, 32),
			subs:    map[string]store.UnsubscribeFunc{},
		}
		defer sc.closeAll()

		go s.syncWritePump(ctx, c, sc)
		readErr := s.syncReadPump(ctx, c, sc)
		middleware.LogWebSocketDisconnect(s.Logger, remoteAddr, g.UID, readErr)
	}
}

// syncReadPump processes client frames until the socket dies. Returns the
// terminal read error, nil on a normal close.
func (s *Server) syncReadPump(ctx context.Context, c *websocket.Conn, sc *syncConn) error {
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				return nil
			}
			if strings.Contains(err.Error(), "context canceled") {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			s.Logger.Warnf("ignoring non-text frame from %s", sc.uid)
			continue
		}

		var packet syncClientMsg
		if err := json.Unmarshal(msg, &packet); err != nil {
			sc.send(syncServerMsg{Type: "error", Message: "invalid JSON"})
			continue
		}

		switch packet.Type {
		case "subscribe":
			s.handleSubscribe(ctx, c, sc, packet)
		case "unsubscribe":
			sc.mu.Lock()
			if unsub, ok := sc.subs[packet.ID]; ok {
				delete(sc.subs, packet.ID)
				sc.mu.Unlock()
				unsub()
			} else {
				sc.mu.Unlock()
			}
		case "ping":
			sc.send(syncServerMsg{Type: "pong"})
		default:
			sc.send(syncServerMsg{Type: "error", ID: packet.ID, Message: "unknown message type"})
		}
	}
}

func (s *Server) handleSubscribe(ctx context.Context, c *websocket.Conn, sc *syncConn, packet syncClientMsg) {
	if packet.ID == "" || packet.Path == "" {
		sc.send(syncServerMsg{Type: "error", ID: packet.ID, Message: "subscribe needs id and path"})
		return
	}

	sc.mu.Lock()
	if _, ok := sc.subs[packet.ID]; !ok && len(sc.subs) >= MaxSubscriptionsPerConn {
		sc.mu.Unlock()
		c.Close(SubscriptionLimitHit, "too many subscriptions")
		return
	}
	existing := sc.subs[packet.ID]
	delete(sc.subs, packet.ID)
	sc.mu.Unlock()
	if existing != nil {
		existing()
	}

	id, path := packet.ID, packet.Path
	unsub, err := s.Store.Subscribe(ctx, path,
		func(data []byte) {
			sc.send(syncServerMsg{Type: "data", ID: id, Path: path, Payload: json.RawMessage(data)})
		},
		func(err error) {
			sc.send(syncServerMsg{Type: "error", ID: id, Path: path, Message: err.Error()})
		},
	)
	if err != nil {
		sc.send(syncServerMsg{Type: "error", ID: id, Path: path, Message: err.Error()})
		return
	}
	sc.mu.Lock()
	sc.subs[id] = unsub
	sc.mu.Unlock()
}

// syncWritePump serializes outbound frames onto the socket.
func (s *Server) syncWritePump(ctx context.Context, c *websocket.Conn, sc *syncConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sc.outChan:
			data, err := json.Marshal(msg)
			if err != nil {
				s.Logger.Warnf("failed to marshal sync frame for %s: %v", sc.uid, err)
				continue
			}
			if err := c.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
