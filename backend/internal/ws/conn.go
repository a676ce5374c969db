package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"collabnote/backend/internal/awareness"
	"collabnote/backend/internal/collab"
	"collabnote/backend/internal/crdt"
	"collabnote/backend/internal/protocol"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateSynced
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	default:
		return "closed"
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 20
)

// Conn is one client socket bound to one document session.
type Conn struct {
	ws       *websocket.Conn
	reg      *collab.Registry
	docID    string
	clientID string
	userID   string
	username string

	// outbound frames, drained by writeLoop
	send chan []byte
	done chan struct{}
	once sync.Once

	state   atomic.Int32
	session *collab.Session
}

func NewConn(ws *websocket.Conn, reg *collab.Registry, docID, clientID, userID, username string, queue int) *Conn {
	if queue <= 0 {
		queue = 256
	}
	return &Conn{
		ws:       ws,
		reg:      reg,
		docID:    docID,
		clientID: clientID,
		userID:   userID,
		username: username,
		send:     make(chan []byte, queue),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.clientID }

func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Send enqueues a frame without blocking. A full queue closes the connection;
// the client resyncs from its state vector on reconnect.
func (c *Conn) Send(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		log.Printf("send queue full, closing (client=%s, doc=%s)", c.clientID, c.docID)
		c.Close()
	}
}

// Close shuts the socket down. Run returns once the read loop notices.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.ws.Close()
	})
}

// Run attaches to the document, performs the initial sync and serves frames
// until the socket closes. sv, when non-nil, limits the initial sync to what
// the client lacks.
func (c *Conn) Run(ctx context.Context, sv crdt.StateVector) {
	defer c.Close()

	s, err := c.reg.Attach(ctx, c.docID, c)
	if err != nil {
		log.Printf("attach error (client=%s, doc=%s): %v", c.clientID, c.docID, err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "document unavailable")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	c.session = s
	defer c.reg.Detach(c.docID, c)

	go c.writeLoop()

	// initial sync: what the client lacks, then ask for what we lack
	if err := c.sendDiff(sv); err != nil {
		log.Printf("initial sync error (client=%s, doc=%s): %v", c.clientID, c.docID, err)
		return
	}
	if frame, err := protocol.EncodeStateVector(s.Doc.StateVector()); err == nil {
		c.Send(frame)
	}

	fields := awareness.Fields{}
	if c.userID != "" {
		fields.UserID = &c.userID
	}
	if c.username != "" {
		fields.UserDisplayName = &c.username
	}
	s.Awareness.Register(c.clientID, fields)
	if frame, err := protocol.EncodeAwareness(protocol.SnapshotMessage(s.Awareness.Snapshot())); err == nil {
		c.Send(frame)
	}
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateSynced))

	c.readLoop(ctx)
}

func (c *Conn) sendDiff(sv crdt.StateVector) error {
	frame, err := protocol.EncodeUpdate(protocol.StepDiff, c.session.Doc.DiffAgainstStateVector(sv))
	if err != nil {
		return err
	}
	c.Send(frame)
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read frame error (client=%s, doc=%s): %v", c.clientID, c.docID, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			log.Printf("non-binary frame dropped (client=%s, doc=%s)", c.clientID, c.docID)
			continue
		}
		c.handleFrame(ctx, data)
	}
}

// handleFrame processes one inbound frame. Bad frames are logged and dropped.
func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		log.Printf("frame dropped (client=%s, doc=%s): %v", c.clientID, c.docID, err)
		return
	}
	switch f.Class {
	case protocol.ClassSync:
		switch f.Step {
		case protocol.StepSV:
			sv, err := f.StateVector()
			if err != nil {
				log.Printf("state vector dropped (client=%s, doc=%s): %v", c.clientID, c.docID, err)
				return
			}
			if err := c.sendDiff(sv); err != nil {
				log.Printf("diff error (client=%s, doc=%s): %v", c.clientID, c.docID, err)
			}
		case protocol.StepDiff, protocol.StepUpdate:
			u, err := f.Update()
			if err == nil {
				err = c.session.ApplyUpdate(ctx, c.clientID, u)
			}
			if err != nil {
				log.Printf("update dropped (client=%s, doc=%s): %v", c.clientID, c.docID, err)
			}
		}
	case protocol.ClassAwareness:
		msg, err := f.Awareness()
		if err != nil || msg.Fields == nil {
			log.Printf("awareness dropped (client=%s, doc=%s): %v", c.clientID, c.docID, err)
			return
		}
		c.session.SetPresence(c.clientID, *msg.Fields)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				log.Printf("write frame error (client=%s, doc=%s): %v", c.clientID, c.docID, err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
