// Package presence tracks which user currently owns which live connection.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

const shardCount = 32

// Conn is a live, addressable connection. ID must be unique per connection
// for the lifetime of the process.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

type shard struct {
	mu    sync.Mutex
	conns map[string]Conn // userID -> current connection
}

// Registry is a bidirectional user <-> connection index. A user maps to at
// most one connection and a connection to at most one user. The forward map is
// sharded by user so unrelated users never contend on the same lock.
type Registry struct {
	shards [shardCount]*shard
	owners sync.Map // connID -> userID
	logger *slog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{logger: slog.Default()}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Join registers conn as the current connection for userID. A prior
// connection for the same user is superseded silently (last join wins). If
// conn was registered under a different user, that mapping is dropped.
func (r *Registry) Join(userID string, conn Conn) {
	id := conn.ID()

	// Both indexes change under the shard lock so a concurrent Leave sees
	// either neither write or both.
	s := r.shardFor(userID)
	s.mu.Lock()
	prevUser, moved := r.owners.Swap(id, userID)
	prev, hadPrev := s.conns[userID]
	s.conns[userID] = conn
	if hadPrev && prev.ID() != id {
		r.owners.CompareAndDelete(prev.ID(), userID)
	}
	s.mu.Unlock()

	if moved && prevUser.(string) != userID {
		ps := r.shardFor(prevUser.(string))
		ps.mu.Lock()
		if cur, ok := ps.conns[prevUser.(string)]; ok && cur.ID() == id {
			delete(ps.conns, prevUser.(string))
		}
		ps.mu.Unlock()
	}
	if hadPrev && prev.ID() != id {
		r.logger.Debug("presence superseded", "user_id", userID, "old_conn_id", prev.ID(), "conn_id", id)
	}
	r.logger.Debug("presence joined", "user_id", userID, "conn_id", id)
}

// Leave removes the mapping owned by connID, but only if connID is still the
// current connection of its user. A stale leave for a connection that has
// already been superseded by a newer join is a no-op. It returns the user
// whose presence was removed.
func (r *Registry) Leave(connID string) (string, bool) {
	for {
		v, ok := r.owners.Load(connID)
		if !ok {
			return "", false
		}
		userID := v.(string)

		s := r.shardFor(userID)
		s.mu.Lock()
		cur, ok := s.conns[userID]
		if ok && cur.ID() == connID {
			delete(s.conns, userID)
			r.owners.CompareAndDelete(connID, userID)
			s.mu.Unlock()
			r.logger.Debug("presence left", "user_id", userID, "conn_id", connID)
			return userID, true
		}
		s.mu.Unlock()

		// The connection was re-registered under another user between the
		// lookup and the lock; retry against the new owner.
		if r.owners.CompareAndDelete(connID, userID) {
			r.logger.Debug("stale leave ignored", "user_id", userID, "conn_id", connID)
			return "", false
		}
	}
}

// HandleFor returns the current connection for userID.
func (r *Registry) HandleFor(userID string) (Conn, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[userID]
	return c, ok
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []Conn {
	var out []Conn
	for _, s := range r.shards {
		s.mu.Lock()
		for _, c := range s.conns {
			out = append(out, c)
		}
		s.mu.Unlock()
	}
	return out
}

// Len returns the number of users currently present.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.conns)
		s.mu.Unlock()
	}
	return n
}
