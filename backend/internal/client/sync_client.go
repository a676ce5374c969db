package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabnote/backend/internal/awareness"
	"collabnote/backend/internal/crdt"
	"collabnote/backend/internal/delta"
	"collabnote/backend/internal/protocol"
)

var ErrClosed = errors.New("sync client closed")

type DialOptions struct {
	Token    string
	ClientID string

	// existing replica to resume; its unsynced edits are pushed on connect
	Doc          *crdt.Document
	Capabilities crdt.Capabilities

	// called after remote updates are merged
	OnChange func()
	Dialer   *websocket.Dialer

	// presence keepalive period, half of awareness.DefaultTimeout when zero;
	// negative disables it
	PresenceRefresh time.Duration
}

// SyncClient keeps a local replica of one document in sync over a socket.
type SyncClient struct {
	docID    string
	clientID string
	doc      *crdt.Document
	conn     *websocket.Conn
	onChange func()

	writeMu sync.Mutex

	peersMu sync.RWMutex
	peers   map[string]awareness.ClientPresence

	synced     chan struct{}
	syncedOnce sync.Once
	done       chan struct{}
	closeOnce  sync.Once
	err        error
}

// Dial connects to wsBase (ws://host:port) and starts the initial sync.
func Dial(ctx context.Context, wsBase, docID string, opts DialOptions) (*SyncClient, error) {
	doc := opts.Doc
	clientID := opts.ClientID
	if clientID == "" {
		if doc != nil {
			clientID = doc.Replica()
		} else {
			clientID = uuid.NewString()
		}
	}
	if doc == nil {
		doc = crdt.New(docID, clientID, opts.Capabilities)
	}

	q := url.Values{"docId": {docID}, "clientId": {clientID}}
	if sv := doc.StateVector(); len(sv) > 0 {
		q.Set("sv", sv.Encode())
	}
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, strings.TrimRight(wsBase, "/")+"/collab/ws?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", docID, err)
	}

	c := &SyncClient{
		docID:    docID,
		clientID: clientID,
		doc:      doc,
		conn:     conn,
		onChange: opts.OnChange,
		peers:    make(map[string]awareness.ClientPresence),
		synced:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	refresh := opts.PresenceRefresh
	if refresh == 0 {
		refresh = awareness.DefaultTimeout / 2
	}
	if refresh > 0 {
		go c.keepPresence(refresh)
	}
	return c, nil
}

func (c *SyncClient) ID() string          { return c.clientID }
func (c *SyncClient) Doc() *crdt.Document { return c.doc }

// Done is closed when the connection ends.
func (c *SyncClient) Done() <-chan struct{} { return c.done }

func (c *SyncClient) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// WaitSynced blocks until the initial state has been merged.
func (c *SyncClient) WaitSynced(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-c.done:
		if c.err != nil {
			return c.err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Edit applies a local change and sends it.
func (c *SyncClient) Edit(ed delta.Delta) error {
	u, err := c.doc.ApplyLocalEdit(ed)
	if err != nil {
		return err
	}
	if u.Empty() {
		return nil
	}
	frame, err := protocol.EncodeUpdate(protocol.StepUpdate, u)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// SetPresence updates this client's own presence entry.
func (c *SyncClient) SetPresence(f awareness.Fields) error {
	frame, err := protocol.EncodeAwareness(protocol.AwarenessMessage{Fields: &f})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// keepPresence re-announces the entry so the server sweep never expires a
// client that is connected but idle.
func (c *SyncClient) keepPresence(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.SetPresence(awareness.Fields{}); err != nil && !errors.Is(err, ErrClosed) {
				log.Printf("presence refresh failed (client=%s, doc=%s): %v", c.clientID, c.docID, err)
			}
		}
	}
}

// Peers returns the presence entries of every client in the document, this one included.
func (c *SyncClient) Peers() map[string]awareness.ClientPresence {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	return maps.Clone(c.peers)
}

func (c *SyncClient) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.finish(nil)
	return err
}

func (c *SyncClient) write(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *SyncClient) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *SyncClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				err = nil
			}
			c.finish(err)
			return
		}
		if err := c.handle(data); err != nil {
			log.Printf("sync client frame dropped (client=%s, doc=%s): %v", c.clientID, c.docID, err)
		}
	}
}

func (c *SyncClient) handle(data []byte) error {
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	switch f.Class {
	case protocol.ClassSync:
		switch f.Step {
		case protocol.StepSV:
			// the server asks for what it lacks
			sv, err := f.StateVector()
			if err != nil {
				return err
			}
			diff := c.doc.DiffAgainstStateVector(sv)
			if diff.Empty() {
				return nil
			}
			frame, err := protocol.EncodeUpdate(protocol.StepDiff, diff)
			if err != nil {
				return err
			}
			return c.write(frame)
		default:
			u, err := f.Update()
			if err != nil {
				return err
			}
			if err := c.doc.ApplyRemoteUpdate(u); err != nil {
				return err
			}
			if f.Step == protocol.StepDiff {
				c.syncedOnce.Do(func() { close(c.synced) })
			}
			if c.onChange != nil && !u.Empty() {
				c.onChange()
			}
		}
	case protocol.ClassAwareness:
		msg, err := f.Awareness()
		if err != nil {
			return err
		}
		if msg.Change == nil {
			return nil
		}
		c.peersMu.Lock()
		for id, p := range msg.Change.States {
			c.peers[id] = p
		}
		for _, id := range msg.Change.Removed {
			delete(c.peers, id)
		}
		c.peersMu.Unlock()
	}
	return nil
}
