// Package presence owns the table of live sessions. All session state
// is mutated through the Registry; nothing else touches it. Operations
// are in-memory only and never block on I/O; pushes resulting from a
// broadcast happen after the table lock is released.
package presence

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatd/protocol"
)

// Status is a user-selected availability state. Offline is not a
// session status: an offline user simply has no session.
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
	StatusBusy   Status = "busy"
)

func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// Sender delivers one server event to a session's connection. The
// implementation must be safe for concurrent use.
type Sender interface {
	Send(eventType string, payload any) error
}

// Session is the live, in-memory record of a connected user. Its
// mutable fields are guarded by the owning Registry's lock.
type Session struct {
	UserID   string
	Name     string
	Avatar   string
	Status   Status
	LastSeen time.Time

	friendIDs map[string]bool
	sender    Sender
}

func NewSession(userID, name, avatar string, friendIDs []string, sender Sender) *Session {
	s := &Session{
		UserID:    userID,
		Name:      name,
		Avatar:    avatar,
		Status:    StatusOnline,
		LastSeen:  time.Now().UTC(),
		friendIDs: make(map[string]bool, len(friendIDs)),
		sender:    sender,
	}
	for _, id := range friendIDs {
		s.friendIDs[id] = true
	}
	return s
}

// Send pushes an event to the session's connection.
func (s *Session) Send(eventType string, payload any) error {
	return s.sender.Send(eventType, payload)
}

// Close closes the underlying connection when the sender exposes one.
// Used when a session is superseded by a reconnect.
func (s *Session) Close() error {
	if c, ok := s.sender.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Session) snapshot() protocol.OnlineUser {
	return protocol.OnlineUser{
		UserID:   s.UserID,
		Name:     s.Name,
		Avatar:   s.Avatar,
		Status:   string(s.Status),
		LastSeen: s.LastSeen,
	}
}

// Registry maps user ids to live sessions. Instantiate one per server;
// it is not a singleton, so tests can run independent registries.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *logrus.Entry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      logrus.WithField("component", "presence"),
	}
}

// Register installs the session and broadcasts userOnline to every
// other live session. If the user already had a session it is replaced
// (single-session exclusivity) and returned so the caller can close the
// superseded connection; the registry itself never closes connections.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	old := r.sessions[s.UserID]
	s.LastSeen = time.Now().UTC()
	r.sessions[s.UserID] = s
	targets, payload := r.othersLocked(s.UserID), s.snapshot()
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"user_id":  s.UserID,
		"replaced": old != nil,
	}).Info("session registered")

	r.push(targets, protocol.TypeUserOnline, payload)
	return old
}

// Unregister removes the session if it is still the current one for its
// user and broadcasts userOffline. Calling it twice, or after the
// session was superseded by a reconnect, is a harmless no-op.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[s.UserID]
	if !ok || current != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.UserID)
	lastSeen := time.Now().UTC()
	s.LastSeen = lastSeen
	targets := r.othersLocked(s.UserID)
	r.mu.Unlock()

	r.log.WithField("user_id", s.UserID).Info("session unregistered")

	r.push(targets, protocol.TypeUserOffline, protocol.OnlineUser{
		UserID:   s.UserID,
		Status:   "offline",
		LastSeen: lastSeen,
	})
	return true
}

// UpdateStatus applies a last-write-wins status change and broadcasts
// it to all sessions, the origin included.
func (r *Registry) UpdateStatus(userID string, status Status) bool {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s.Status = status
	s.LastSeen = time.Now().UTC()
	targets := r.allLocked()
	payload := protocol.OnlineUser{
		UserID:   userID,
		Status:   string(status),
		LastSeen: s.LastSeen,
	}
	r.mu.Unlock()

	r.push(targets, protocol.TypeUserStatusUpdate, payload)
	return true
}

// UpdateProfile refreshes the session's display fields and broadcasts
// userProfileUpdate to all sessions.
func (r *Registry) UpdateProfile(userID, name, avatar string) bool {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s.Name = name
	s.Avatar = avatar
	targets := r.allLocked()
	r.mu.Unlock()

	r.push(targets, protocol.TypeUserProfileUpdate, protocol.ProfileUpdate{
		UserID: userID,
		Name:   name,
		Avatar: avatar,
	})
	return true
}

// RefreshFriends replaces the session's friend-id snapshot after a
// structural friend change. No-op when the user is offline.
func (r *Registry) RefreshFriends(userID string, friendIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return
	}
	s.friendIDs = make(map[string]bool, len(friendIDs))
	for _, id := range friendIDs {
		s.friendIDs[id] = true
	}
}

// IsFriend consults the session's friend snapshot. The snapshot is kept
// current by RefreshFriends on every accepted request, so for an online
// user it matches the durable adjacency.
func (r *Registry) IsFriend(userID, otherID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return ok && s.friendIDs[otherID]
}

// Find resolves a live session for push delivery.
func (r *Registry) Find(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Snapshot returns a consistent point-in-time view of all sessions,
// used to answer a newly connected client's onlineUsers event.
func (r *Registry) Snapshot() []protocol.OnlineUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]protocol.OnlineUser, 0, len(r.sessions))
	for _, s := range r.sessions {
		users = append(users, s.snapshot())
	}
	return users
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns the current sessions; used for shutdown notices.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allLocked()
}

func (r *Registry) allLocked() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Registry) othersLocked(userID string) []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != userID {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (r *Registry) push(targets []*Session, eventType string, payload any) {
	for _, s := range targets {
		if err := s.Send(eventType, payload); err != nil {
			r.log.WithFields(logrus.Fields{
				"user_id": s.UserID,
				"event":   eventType,
			}).WithError(err).Warn("push failed")
		}
	}
}
