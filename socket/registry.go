// Package socket implements the process-wide socket registry of spec
// §4.9: a session-id -> socket map where registering a new socket under
// an already-occupied session-id first gives the displaced socket a
// bounded grace period to close itself before the registry forces it
// closed.
//
// It is grounded on the teacher's version-negotiation and hole-punch
// wait patterns in transport (a select over a completion channel raced
// against time.After), applied here to closing a displaced socket
// instead of waiting on a peer response, and on toxcore.go's top-level
// Iterate/Kill lifecycle for how a long-lived registry is torn down.
package socket

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulCloseTimeout is the budget a displaced socket gets to close
// itself before the registry forces termination, per spec §4.9/§7.
const GracefulCloseTimeout = 1500 * time.Millisecond

// Socket is the narrow capability the registry needs from a transport
// connection: a graceful close that signals completion, and a forced
// termination for when that signal doesn't arrive in time.
type Socket interface {
	// Close requests a graceful close and returns a channel that is
	// closed once the close has completed.
	Close() <-chan struct{}
	// Terminate forcibly tears down the connection. Called only when
	// Close's channel does not fire within GracefulCloseTimeout.
	Terminate() error
	// RemoveListeners detaches this socket's event listeners, called on
	// replacement so a displaced socket's events no longer surface.
	RemoveListeners()
}

// Registry is the process-global sessionId -> socket map of spec §4.9.
type Registry struct {
	mu      sync.Mutex
	sockets map[string]Socket
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{sockets: make(map[string]Socket)}
}

// Register installs socket under sessionID. If a socket is already
// registered under that id, the new socket takes its place first; the
// displaced socket then has its listeners removed and is gracefully
// closed (with forced termination on timeout) before Register returns,
// per the "socket replacement" scenario of spec §8.
func (r *Registry) Register(sessionID string, s Socket) {
	r.mu.Lock()
	prior, had := r.sockets[sessionID]
	r.sockets[sessionID] = s
	r.mu.Unlock()

	if had {
		r.closeGracefully(sessionID, prior)
	}
}

// closeGracefully requests a close on prior and waits up to
// GracefulCloseTimeout for it to complete, falling back to a forced
// Terminate. prior's listeners are removed either way so a caller never
// observes events from a socket that has been replaced.
func (r *Registry) closeGracefully(sessionID string, prior Socket) {
	prior.RemoveListeners()

	select {
	case <-prior.Close():
	case <-time.After(GracefulCloseTimeout):
		if err := prior.Terminate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "closeGracefully",
				"session_id": sessionID,
				"error":      err,
			}).Warn("forced socket termination failed")
		}
	}
}

// Deregister removes sessionID's entry if and only if s is still the
// current socket for it, per §4.9's "auto-deregister on close if still
// the current entry" rule — a socket that lost a race to a newer
// registration must not clobber the replacement's entry.
func (r *Registry) Deregister(sessionID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sockets[sessionID]; ok && current == s {
		delete(r.sockets, sessionID)
	}
}

// Get returns the socket currently registered under sessionID, if any.
func (r *Registry) Get(sessionID string) (Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sockets[sessionID]
	return s, ok
}

// Len reports the number of currently registered sockets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}
