package session

import (
	"fmt"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Registry owns the process's active sessions, one per physical device,
// keyed by canonical device address. Entries are added on setup and removed
// on shutdown; there is no lookup by secondary identifiers.
type Registry struct {
	sessions *hashmap.Map[string, *Session]
	logger   *logrus.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sessions: hashmap.New[string, *Session](),
		logger:   logger,
	}
}

// CanonicalAddress is the single canonical key form: trimmed, uppercased.
func CanonicalAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Add registers a session under its canonical address. Registering a second
// session for the same device is a programming error and is rejected.
func (r *Registry) Add(sess *Session) error {
	key := CanonicalAddress(sess.Address())
	if key == "" {
		return fmt.Errorf("cannot register session without a device address")
	}
	if !r.sessions.Insert(key, sess) {
		return fmt.Errorf("session for %s is already registered", key)
	}
	r.logger.WithField("address", key).Debug("Session registered")
	return nil
}

// Get looks up the session for a device address.
func (r *Registry) Get(address string) (*Session, bool) {
	return r.sessions.Get(CanonicalAddress(address))
}

// Remove unregisters and returns the session for a device address. The
// caller is responsible for shutting it down.
func (r *Registry) Remove(address string) (*Session, bool) {
	key := CanonicalAddress(address)
	sess, ok := r.sessions.Get(key)
	if !ok {
		return nil, false
	}
	r.sessions.Del(key)
	r.logger.WithField("address", key).Debug("Session unregistered")
	return sess, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// ShutdownAll retires every registered session and empties the registry.
// Used at process teardown.
func (r *Registry) ShutdownAll() {
	r.sessions.Range(func(key string, sess *Session) bool {
		sess.Shutdown()
		r.sessions.Del(key)
		return true
	})
	r.logger.Info("All sessions shut down")
}
