package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MaxSessions caps concurrently registered sessions.
	MaxSessions = 1000
	// HeartbeatInterval is how often live connections refresh their
	// session.
	HeartbeatInterval = 30 * time.Second
	// StaleTimeout marks sessions with no heartbeat for this long as
	// dead.
	StaleTimeout = 5 * time.Minute
	// SweepInterval is the cadence of the stale-session sweep.
	SweepInterval = 60 * time.Second
)

var (
	ErrCapacity      = errors.New("server at maximum capacity")
	ErrSessionActive = errors.New("session already active for this token")
)

// Session tracks one registered connection.
type Session struct {
	SessionID     string
	UserID        string
	Permissions   []string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Registry holds active sessions keyed by token session id (jti). A
// token admits at most one live session at a time.
type Registry struct {
	authority *TokenAuthority
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(authority *TokenAuthority, log zerolog.Logger) *Registry {
	return &Registry{
		authority: authority,
		log:       log.With().Str("component", "sessions").Logger(),
		sessions:  make(map[string]*Session),
	}
}

// Verify validates a token without taking a session slot. Admin feed
// connections use this path.
func (r *Registry) Verify(token string) (*Claims, error) {
	return r.authority.Verify(token)
}

// Acquire validates the token and registers its session. It fails when
// the registry is full or the token already holds a live session.
func (r *Registry) Acquire(token string) (*Claims, error) {
	claims, err := r.authority.Verify(token)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= MaxSessions {
		return nil, ErrCapacity
	}
	if _, exists := r.sessions[claims.ID]; exists {
		return nil, ErrSessionActive
	}

	now := time.Now()
	r.sessions[claims.ID] = &Session{
		SessionID:     claims.ID,
		UserID:        claims.UserID,
		Permissions:   claims.Permissions,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	r.log.Debug().
		Str("session_id", claims.ID).
		Str("user_id", claims.UserID).
		Int("active", len(r.sessions)).
		Msg("session registered")
	return claims, nil
}

// Release removes a session. Unknown ids are ignored so teardown paths
// can call it unconditionally.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return
	}
	delete(r.sessions, sessionID)
	r.log.Debug().
		Str("session_id", sessionID).
		Int("active", len(r.sessions)).
		Msg("session released")
}

// Heartbeat refreshes a session's liveness timestamp. Unknown ids are
// a no-op: the sweep may have already reclaimed the slot.
func (r *Registry) Heartbeat(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.LastHeartbeat = time.Now()
	}
}

// SweepStale removes sessions whose last heartbeat is older than
// StaleTimeout and reports how many were reclaimed.
func (r *Registry) SweepStale() int {
	cutoff := time.Now().Add(-StaleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.LastHeartbeat.Before(cutoff) {
			delete(r.sessions, id)
			removed++
			r.log.Warn().
				Str("session_id", id).
				Str("user_id", s.UserID).
				Time("last_heartbeat", s.LastHeartbeat).
				Msg("reclaimed stale session")
		}
	}
	return removed
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
