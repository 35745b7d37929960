// Package directory holds the shared online-user registry. It is the single
// source of truth for "who is online": a user is online exactly while an
// entry for their name exists here.
package directory

import (
	"log/slog"
	"sort"
	"sync"
)

// Sink is a place to push outbound wire frames for one connection. Send must
// be safe for concurrent use and must never perform the write inline with the
// caller's lock; implementations queue onto a per-connection writer.
type Sink interface {
	Send(frame []byte)
}

// Directory maps usernames to their connection sinks. All methods are safe
// for concurrent use from any number of handlers; the internal mutex is held
// only for map access, never across network I/O.
type Directory struct {
	mu    sync.RWMutex
	users map[string]Sink

	logger *slog.Logger
}

func New(logger *slog.Logger) *Directory {
	return &Directory{
		users:  make(map[string]Sink),
		logger: logger.With(slog.String("component", "directory")),
	}
}

// Register inserts a username if it is not already present and reports
// whether the insert happened. The existence check and the insert are one
// critical section so two concurrent logins with the same name can never
// both succeed.
func (d *Directory) Register(username string, sink Sink) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.users[username]; taken {
		return false
	}
	d.users[username] = sink
	d.logger.Debug("user registered", slog.String("username", username), slog.Int("online", len(d.users)))
	return true
}

// Unregister removes a username. Removing an absent name is a no-op.
func (d *Directory) Unregister(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[username]; !ok {
		return
	}
	delete(d.users, username)
	d.logger.Debug("user unregistered", slog.String("username", username), slog.Int("online", len(d.users)))
}

// Lookup returns the sink for a username, for private delivery.
func (d *Directory) Lookup(username string) (Sink, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sink, ok := d.users[username]
	return sink, ok
}

// Snapshot returns the online usernames, sorted, as of a single consistent
// point in time.
func (d *Directory) Snapshot() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.users))
	for name := range d.users {
		names = append(names, name)
	}
	d.mu.RUnlock()

	sort.Strings(names)
	return names
}

// SnapshotSinks returns a copy of the full mapping for fan-out. Callers
// iterate the copy so no lock is held while sending.
func (d *Directory) SnapshotSinks() map[string]Sink {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Sink, len(d.users))
	for name, sink := range d.users {
		out[name] = sink
	}
	return out
}

// Len reports how many users are online.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
