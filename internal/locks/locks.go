// Package locks provides the soft, in-process, non-blocking expiring
// locks described by the concurrency model: one keyed by userId for
// topic creation, one keyed by userId for inbox-card updates. They
// damp duplicate work under burst traffic but are never load-bearing
// for correctness — the topic-uniqueness invariant is backstopped by
// a re-read-after-lock in the relay engine, not by these locks.
package locks

import (
	"time"

	"github.com/relaybot/telegram-relaybot/internal/ttlmap"
)

const (
	// TopicCreateTTL bounds how long a topic_create:<userId> lock is held.
	TopicCreateTTL = 5 * time.Second
	// InboxTTL bounds how long an inbox:<userId> lock is held.
	InboxTTL = 3 * time.Second
)

// Manager is a non-blocking, expiring mutex-by-key.
type Manager struct {
	m *ttlmap.Map[struct{}]
}

func New() *Manager {
	return &Manager{m: ttlmap.New[struct{}]()}
}

// TryAcquire attempts to acquire key for ttl. It never blocks: if the
// key is already held, it returns false immediately.
func (m *Manager) TryAcquire(key string, ttl time.Duration) bool {
	return m.m.SetNX(key, struct{}{}, ttl)
}

// Release drops a held lock early, e.g. once the critical section
// finishes well before its TTL.
func (m *Manager) Release(key string) {
	m.m.Delete(key)
}

// Cleanup purges expired entries; intended to be called periodically
// from the maintenance scheduler so the map doesn't grow unbounded
// under sustained unique-key churn.
func (m *Manager) Cleanup() {
	m.m.Cleanup()
}

// TopicCreateKey builds the lock key guarding concurrent topic creation
// for a user.
func TopicCreateKey(userID string) string { return "topic_create:" + userID }

// InboxKey builds the lock key damping inbox-card update stampedes for
// a user.
func InboxKey(userID string) string { return "inbox:" + userID }
