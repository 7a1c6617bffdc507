package ws

import (
	"sync"

	"github.com/example/richtext-sync/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by document ID
// so downstream services can broadcast efficiently.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{documents: make(map[types.DocumentID]map[*Connection]struct{})}
}

// Register associates the connection with a document.
func (r *ConnectionRegistry) Register(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[documentID] == nil {
		r.documents[documentID] = make(map[*Connection]struct{})
	}
	r.documents[documentID][c] = struct{}{}
	gatewayConnections.WithLabelValues(string(documentID)).Set(float64(len(r.documents[documentID])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[documentID]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.documents, documentID)
	}
	gatewayConnections.WithLabelValues(string(documentID)).Set(float64(len(conns)))
}

// Count returns the number of connections attached to a document.
func (r *ConnectionRegistry) Count(documentID types.DocumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents[documentID])
}

// Broadcast delivers m to every connection attached to the document except
// skip, and returns how many accepted it.
func (r *ConnectionRegistry) Broadcast(documentID types.DocumentID, m Message, skip *Connection) int {
	return r.broadcast(documentID, EncodeMessage(m), func(c *Connection) bool { return c == skip })
}

// BroadcastByClientID is Broadcast for messages relayed from other nodes,
// where only the originating client id is known.
func (r *ConnectionRegistry) BroadcastByClientID(documentID types.DocumentID, m Message, skipClientID types.ClientID) int {
	return r.broadcast(documentID, EncodeMessage(m), func(c *Connection) bool {
		return skipClientID != "" && c.ClientID() == skipClientID
	})
}

func (r *ConnectionRegistry) broadcast(documentID types.DocumentID, payload []byte, skip func(*Connection) bool) int {
	r.mu.RLock()
	conns := r.documents[documentID]
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if !skip(c) {
			recipients = append(recipients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendBinary(payload); err == nil {
			sent++
		}
	}
	return sent
}
