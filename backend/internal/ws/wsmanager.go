package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabnote/backend/internal/collab"
	"collabnote/backend/internal/crdt"
)

// Allows local development origins and clients that send no Origin.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Access gates attaches on collaborator membership.
type Access interface {
	IsCollaborator(ctx context.Context, docID, userID string) (bool, error)
}

type Manager struct {
	reg       *collab.Registry
	access    Access
	sendQueue int

	mu     sync.Mutex
	closed bool
	conns  map[*Conn]struct{}
	wg     sync.WaitGroup
}

// NewManager builds the socket handler. access may be nil to skip membership checks.
func NewManager(reg *collab.Registry, access Access, sendQueue int) *Manager {
	return &Manager{reg: reg, access: access, sendQueue: sendQueue, conns: make(map[*Conn]struct{})}
}

// Close refuses new sockets, closes the live ones and waits until each has
// detached from its session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
}

func (m *Manager) track(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conns[c] = struct{}{}
	m.wg.Add(1)
	return true
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
	m.wg.Done()
}

// WebSocketConnect serves GET /collab/ws?docId=&clientId=&sv=.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	docID := strings.TrimSpace(c.Query("docId"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	if docID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "missing docId")
		return
	}
	if m.access != nil && userID != "" {
		ok, err := m.access.IsCollaborator(c.Request.Context(), docID, userID)
		if err != nil {
			log.Printf("collaborator check error (doc=%s, user=%s): %v", docID, userID, err)
			closeWith(conn, websocket.CloseInternalServerErr, "document unavailable")
			return
		}
		if !ok {
			closeWith(conn, websocket.ClosePolicyViolation, "not a collaborator")
			return
		}
	}

	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sv, err := decodeStateVector(c.Query("sv"))
	if err != nil {
		// fall back to a full sync
		log.Printf("bad sv parameter (client=%s, doc=%s): %v", clientID, docID, err)
		sv = nil
	}

	wsConn := NewConn(conn, m.reg, docID, clientID, userID, username, m.sendQueue)
	if !m.track(wsConn) {
		closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer m.untrack(wsConn)
	// the request context ends on hijack for some servers; the socket owns its lifetime
	wsConn.Run(context.WithoutCancel(c.Request.Context()), sv)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// decodeStateVector reads the sv query parameter. Empty means none.
func decodeStateVector(s string) (crdt.StateVector, error) {
	if s == "" {
		return nil, nil
	}
	return crdt.DecodeStateVector(strings.TrimRight(s, "="))
}
