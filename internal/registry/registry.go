package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"parley/internal/models"
)

const DefaultShards = 32

// Conn is a live outbound channel to one client device.
type Conn interface {
	ID() string
	Identity() models.Identity
	// Enqueue hands an event to the connection without blocking.
	// It returns an error wrapping models.ErrTransport when the
	// connection can no longer accept events.
	Enqueue(msg models.ServerMessage) error
	Close() error
}

// Handle identifies one admitted connection.
type Handle struct {
	Identity models.Identity
	ConnID   string
}

type shard struct {
	mu    sync.RWMutex
	conns map[models.Identity]map[string]Conn
}

// Registry owns the identity -> live connections mapping.
// Identities are spread over shards by FNV hash so unrelated users
// never contend on the same lock.
type Registry struct {
	shards []*shard
	log    *slog.Logger
}

func New(shards int, log *slog.Logger) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		shards: make([]*shard, shards),
		log:    log,
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[models.Identity]map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(id models.Identity) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Admit registers a connection for an already authenticated identity.
// Existing connections of the same identity are kept.
func (r *Registry) Admit(id models.Identity, conn Conn) (Handle, error) {
	if id == "" {
		return Handle{}, fmt.Errorf("%w: connection has no identity", models.ErrAuthentication)
	}
	if conn == nil {
		return Handle{}, errors.New("nil connection")
	}

	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.conns[id]
	if !ok {
		byID = make(map[string]Conn)
		s.conns[id] = byID
	}
	byID[conn.ID()] = conn

	r.log.Debug("connection admitted", "user_id", id, "conn_id", conn.ID(), "devices", len(byID))
	return Handle{Identity: id, ConnID: conn.ID()}, nil
}

// Evict removes a connection. Evicting an unknown handle is a no-op.
// It reports whether the handle was still registered.
func (r *Registry) Evict(h Handle) bool {
	s := r.shardFor(h.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.conns[h.Identity]
	if !ok {
		return false
	}
	if _, ok := byID[h.ConnID]; !ok {
		return false
	}
	delete(byID, h.ConnID)
	if len(byID) == 0 {
		delete(s.conns, h.Identity)
	}

	r.log.Debug("connection evicted", "user_id", h.Identity, "conn_id", h.ConnID)
	return true
}

// ConnectionsFor returns a snapshot of the identity's live connections.
func (r *Registry) ConnectionsFor(id models.Identity) []Conn {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return snapshot(s.conns[id])
}

// ConnectionsForGroupMembers looks up many identities at once, taking each
// shard lock a single time. Identities without connections are omitted.
func (r *Registry) ConnectionsForGroupMembers(ids []models.Identity) map[models.Identity][]Conn {
	byShard := make(map[*shard][]models.Identity)
	for _, id := range ids {
		s := r.shardFor(id)
		byShard[s] = append(byShard[s], id)
	}

	result := make(map[models.Identity][]Conn, len(ids))
	for s, members := range byShard {
		s.mu.RLock()
		for _, id := range members {
			if conns := snapshot(s.conns[id]); len(conns) > 0 {
				result[id] = conns
			}
		}
		s.mu.RUnlock()
	}
	return result
}

// Deliver enqueues msg on one connection. A connection that refuses the
// event is evicted and closed; the error is returned for accounting only.
func (r *Registry) Deliver(conn Conn, msg models.ServerMessage) error {
	err := conn.Enqueue(msg)
	if err == nil {
		return nil
	}

	r.log.Warn("evicting unreachable connection",
		"user_id", conn.Identity(), "conn_id", conn.ID(), "event", msg.Type, "error", err)
	r.Evict(Handle{Identity: conn.Identity(), ConnID: conn.ID()})
	_ = conn.Close()
	return err
}

// Broadcast delivers msg to every live connection of id and returns
// how many connections accepted it.
func (r *Registry) Broadcast(id models.Identity, msg models.ServerMessage) int {
	accepted := 0
	for _, c := range r.ConnectionsFor(id) {
		if r.Deliver(c, msg) == nil {
			accepted++
		}
	}
	return accepted
}

// EvictIdentity closes all connections of id, e.g. on forced logout.
func (r *Registry) EvictIdentity(id models.Identity) int {
	s := r.shardFor(id)
	s.mu.Lock()
	conns := snapshot(s.conns[id])
	delete(s.conns, id)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Close evicts and closes every connection.
func (r *Registry) Close() {
	for _, s := range r.shards {
		s.mu.Lock()
		var conns []Conn
		for _, byID := range s.conns {
			conns = append(conns, snapshot(byID)...)
		}
		s.conns = make(map[models.Identity]map[string]Conn)
		s.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, byID := range s.conns {
			n += len(byID)
		}
		s.mu.RUnlock()
	}
	return n
}

func snapshot(byID map[string]Conn) []Conn {
	if len(byID) == 0 {
		return nil
	}
	conns := make([]Conn, 0, len(byID))
	for _, c := range byID {
		conns = append(conns, c)
	}
	return conns
}
