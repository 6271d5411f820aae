// Package session owns live interactive terminal sessions: one remote
// shell channel and one output buffer per session, at most one live
// session per user.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ridermw/ClawdBody/internal/metrics"
	"github.com/ridermw/ClawdBody/internal/remote"
	"github.com/ridermw/ClawdBody/internal/stream"
)

// ErrNotFound is returned when the session id is unknown.
var ErrNotFound = errors.New("session: not found")

// Session is one live terminal attachment. It owns its channel and
// buffer; closing the session closes both.
type Session struct {
	ID         string
	UserID     string
	InstanceID string
	Channel    *remote.Channel
	Buffer     *stream.Buffer
	CreatedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// bind derives the context cancelled when the session closes, for
// scoping the session's streamer.
func (s *Session) bind(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.ctx = ctx
	s.cancel = cancel
	return ctx
}

// Done is closed when the session is torn down. Only valid for sessions
// obtained from a Registry.
func (s *Session) Done() <-chan struct{} {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Done()
}

// Close tears the session down. Idempotent; always closes the channel.
func (s *Session) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.Channel != nil {
			s.Channel.Close()
		}
	})
}

// Registry tracks live sessions. It is injected into both the session
// handlers and the streamer wiring rather than living as package state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	lastSeen map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		lastSeen: make(map[string]time.Time),
	}
}

// NewID builds a session id from the owning user and a monotonic
// timestamp. Ids are bearer capabilities: ownership checks are a prefix
// match, so the user id must never contain the separator ambiguity.
func NewID(userID string) string {
	return fmt.Sprintf("%s-%d", userID, time.Now().UnixNano())
}

// OwnedBy reports whether sessionID belongs to userID.
func OwnedBy(sessionID, userID string) bool {
	return strings.HasPrefix(sessionID, userID+"-")
}

// Connect registers a new session for the user, first evicting and
// closing any prior session the user holds. The returned context scopes
// the session's streamer. If the channel has a live shell, the session
// is removed as soon as that shell exits.
func (r *Registry) Connect(parent context.Context, userID, instanceID string, ch *remote.Channel, buf *stream.Buffer) (*Session, context.Context) {
	r.mu.Lock()
	evicted := r.removeUserLocked(userID)
	sess := &Session{
		ID:         NewID(userID),
		UserID:     userID,
		InstanceID: instanceID,
		Channel:    ch,
		Buffer:     buf,
		CreatedAt:  time.Now(),
	}
	r.sessions[sess.ID] = sess
	r.lastSeen[sess.ID] = time.Now()
	r.mu.Unlock()

	// Close evicted sessions outside the lock: channel teardown can block.
	for _, old := range evicted {
		old.Close()
	}
	if len(evicted) > 0 {
		metrics.SessionsEvicted.Add(float64(len(evicted)))
	}

	ctx := sess.bind(parent)
	if done := ch.ShellDone(); done != nil {
		go func() {
			select {
			case <-done:
				r.Remove(sess.ID)
			case <-ctx.Done():
			}
		}()
	}
	return sess, ctx
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch records consumer activity for idle tracking.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		r.lastSeen[id] = time.Now()
	}
}

// Remove closes and unregisters one session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.lastSeen, id)
	}
	r.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// CleanupUser closes and removes every session owned by the user.
func (r *Registry) CleanupUser(userID string) int {
	r.mu.Lock()
	evicted := r.removeUserLocked(userID)
	r.mu.Unlock()
	for _, sess := range evicted {
		sess.Close()
	}
	return len(evicted)
}

// ReapIdle closes sessions with no activity for longer than maxIdle and
// returns how many were reaped.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	now := time.Now()
	r.mu.Lock()
	var idle []*Session
	for id, seen := range r.lastSeen {
		if now.Sub(seen) > maxIdle {
			if sess, ok := r.sessions[id]; ok {
				idle = append(idle, sess)
				delete(r.sessions, id)
			}
			delete(r.lastSeen, id)
		}
	}
	r.mu.Unlock()
	for _, sess := range idle {
		sess.Close()
	}
	return len(idle)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) removeUserLocked(userID string) []*Session {
	var removed []*Session
	for id, sess := range r.sessions {
		if OwnedBy(id, userID) {
			removed = append(removed, sess)
			delete(r.sessions, id)
			delete(r.lastSeen, id)
		}
	}
	return removed
}
