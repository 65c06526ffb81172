package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errPeerNotRegistered = errors.New("server: peer not registered")

// Conn is the subset of a duplex connection the registry needs. Satisfied by
// *websocket.Conn.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Registration identifies one entry in the registry. The token distinguishes
// successive connections for the same client id, so that the deferred
// unregister of a superseded connection cannot evict its replacement.
type Registration struct {
	clientID string
	peer     *peer
}

// ClientID returns the client identifier this registration belongs to.
func (r Registration) ClientID() string {
	return r.clientID
}

// Send delivers a message to this registration's connection. Writes to the
// same connection are serialized.
func (r Registration) Send(message Message) error {
	if r.peer == nil {
		return errPeerNotRegistered
	}
	return r.peer.send(message)
}

type peer struct {
	token string
	mu    sync.Mutex
	conn  Conn
}

func (p *peer) send(message Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(message)
}

// Registry is the concurrency-safe table of live client connections. Lookups
// and broadcasts take the read lock and may proceed concurrently; insertion
// and removal take the write lock.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*peer
	logger *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		peers:  make(map[string]*peer),
		logger: logger,
	}
}

// Register inserts or replaces the mapping for the client id. A later
// connection for the same id silently supersedes an earlier one; the earlier
// physical connection is orphaned from the table but not closed here.
func (r *Registry) Register(clientID string, conn Conn) Registration {
	entry := &peer{token: uuid.NewString(), conn: conn}

	r.mu.Lock()
	if _, ok := r.peers[clientID]; ok {
		r.logger.Info("connection superseded", zap.String("client_id", clientID))
	}
	r.peers[clientID] = entry
	r.mu.Unlock()

	return Registration{clientID: clientID, peer: entry}
}

// Unregister removes the registration if it is still the current one for its
// client id. Safe to call for an absent or already superseded registration.
func (r *Registry) Unregister(registration Registration) {
	if registration.peer == nil {
		return
	}
	r.mu.Lock()
	if current, ok := r.peers[registration.clientID]; ok && current.token == registration.peer.token {
		delete(r.peers, registration.clientID)
	}
	r.mu.Unlock()
}

// BroadcastExcept sends the message to every registered connection other
// than senderID. A failed delivery is logged and does not abort delivery to
// the remaining recipients.
func (r *Registry) BroadcastExcept(senderID string, message Message) {
	r.mu.RLock()
	recipients := make(map[string]*peer, len(r.peers))
	for clientID, entry := range r.peers {
		if clientID == senderID {
			continue
		}
		recipients[clientID] = entry
	}
	r.mu.RUnlock()

	for clientID, entry := range recipients {
		if err := entry.send(message); err != nil {
			r.logger.Warn("broadcast delivery failed",
				zap.String("client_id", clientID),
				zap.String("message_type", string(message.Type)),
				zap.Error(err))
		}
	}
}

// Size returns the number of registered connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
