// Package identity derives a stable numeric user id from the current
// session and scopes persistence keys by it. The session itself is an
// external collaborator; this package only reads it.
package identity

import (
	"strconv"
	"sync"
)

// GuestKey is the pseudo-identity used to scope persisted state when no
// user is authenticated.
const GuestKey = "guest"

// User is the session's view of the authenticated user. Session storage
// keeps the id as a string; the Resolver coerces it.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Session provides read-only access to the current authentication state.
type Session interface {
	IsAuthenticated() bool
	CurrentUser() *User
}

// Resolver derives the current numeric user id from a Session.
type Resolver struct {
	session Session
}

func NewResolver(session Session) *Resolver {
	return &Resolver{session: session}
}

// CurrentUserID returns the numeric user id. ok is false when there is
// no user or the stored id is not numeric.
func (r *Resolver) CurrentUserID() (int64, bool) {
	user := r.session.CurrentUser()
	if user == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(user.ID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IsAuthenticated reports whether a user is currently signed in.
func (r *Resolver) IsAuthenticated() bool {
	return r.session.IsAuthenticated()
}

// UserKey returns the persistence key scope for the current identity:
// the decimal user id, or GuestKey when unresolved.
func (r *Resolver) UserKey() string {
	id, ok := r.CurrentUserID()
	if !ok {
		return GuestKey
	}
	return strconv.FormatInt(id, 10)
}

// StaticSession is a Session backed by fixed values, used by cmd/engine
// and in tests. Swap the user at runtime with SetUser.
type StaticSession struct {
	mu   sync.RWMutex
	user *User
}

func NewStaticSession(user *User) *StaticSession {
	return &StaticSession{user: user}
}

func (s *StaticSession) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

func (s *StaticSession) CurrentUser() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetUser replaces the current user. Pass nil to sign out.
func (s *StaticSession) SetUser(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}
