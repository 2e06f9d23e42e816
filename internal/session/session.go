// Package session tracks interactive, resumable agent conversations outside
// the one-shot trial pipeline. The registry enforces at most one in-flight
// turn per session and evicts idle sessions on a background sweep.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arenahq/crucible/internal/errdefs"
)

// Status is the session state machine: ready → streaming → ready on a normal
// turn. A failed turn also returns to ready so transient errors never strand
// a session.
type Status string

const (
	StatusReady     Status = "ready"
	StatusStreaming Status = "streaming"
	StatusEnded     Status = "ended"
)

// Key identifies a session by an explicit (trial, purpose) pair instead of a
// concatenated string, so differently-purposed sessions for one trial can
// never collide.
type Key struct {
	TrialID string
	Purpose string
}

func (k Key) String() string {
	return k.TrialID + "/" + k.Purpose
}

// Config is the fixed configuration a session was created with.
type Config struct {
	Model        string
	SystemPrompt string
	Tools        []string
	WorkingDir   string
	MaxTurns     int
}

// Session is a long-lived conversation with one underlying agent process.
type Session struct {
	ID           string
	Key          Key
	Status       Status
	Config       Config
	ResumeToken  string
	CreatedAt    time.Time
	LastActivity time.Time

	cancel context.CancelFunc
}

// Registry owns all live sessions. Constructed once at process start with an
// injected clock and timeout; passed by reference, never ambient.
type Registry struct {
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[Key]*Session
}

func NewRegistry(idleTimeout time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		idleTimeout: idleTimeout,
		now:         now,
		sessions:    make(map[Key]*Session),
	}
}

// Create registers a session. Idempotent by key: creating an existing key
// returns the original session untouched, so a caller can never silently
// reset a live conversation.
func (r *Registry) Create(key Key, cfg Config) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		Key:          key,
		Status:       StatusReady,
		Config:       cfg,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.sessions[key] = s
	return s
}

// Get looks a session up by key.
func (r *Registry) Get(key Key) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", key, errdefs.ErrNotFound)
	}
	return s, nil
}

// BeginTurn claims the session for one turn. Rejected with Conflict while a
// turn is already streaming; rejection mutates nothing, not even
// LastActivity, so the caller can retry without side effects.
func (r *Registry) BeginTurn(key Key, cancel context.CancelFunc) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", key, errdefs.ErrNotFound)
	}
	if s.Status == StatusStreaming {
		return nil, fmt.Errorf("session %s already streaming: %w", key, errdefs.ErrConflict)
	}
	s.Status = StatusStreaming
	s.LastActivity = r.now()
	s.cancel = cancel
	return s, nil
}

// EndTurn releases the session after a turn, recording the remote resume
// token when one was produced. Runs after failed turns too.
func (r *Registry) EndTurn(key Key, resumeToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	s.Status = StatusReady
	s.LastActivity = r.now()
	s.cancel = nil
	if resumeToken != "" {
		s.ResumeToken = resumeToken
	}
}

// SetResumeToken records the opaque remote-process token.
func (r *Registry) SetResumeToken(key Key, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return fmt.Errorf("session %s: %w", key, errdefs.ErrNotFound)
	}
	s.ResumeToken = token
	return nil
}

// Stop cancels the session's in-flight turn, if any. Exactly one session is
// affected; a session with no turn in flight is left untouched.
func (r *Registry) Stop(key Key) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return false, fmt.Errorf("session %s: %w", key, errdefs.ErrNotFound)
	}
	if s.Status != StatusStreaming || s.cancel == nil {
		return false, nil
	}
	s.cancel()
	return true, nil
}

// End removes the session. The next Create with the same key produces a
// brand-new session.
func (r *Registry) End(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return fmt.Errorf("session %s: %w", key, errdefs.ErrNotFound)
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(r.sessions, key)
	return nil
}

// Sweep removes sessions idle past the timeout and reports how many were
// evicted. Streaming sessions are never touched mid-turn; removal-only, so
// it is safe against concurrent traffic.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.idleTimeout)
	removed := 0
	for key, s := range r.sessions {
		if s.Status == StatusStreaming {
			continue
		}
		if s.LastActivity.Before(cutoff) {
			delete(r.sessions, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until the returned stop
// function is called.
func (r *Registry) StartSweeper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
