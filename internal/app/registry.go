package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/call"
	"github.com/dkeye/Call/internal/domain"
)

var (
	// ErrCallInProgress guards the one-live-call-per-conversation invariant.
	ErrCallInProgress = errors.New("call already in progress for this conversation")
	// ErrNoSession is returned for operations on a conversation with no live call.
	ErrNoSession = errors.New("no active call for this conversation")
)

// Registry tracks the live session per conversation. No two sessions may
// share a SessionID while either is non-terminal; terminal sessions are
// reaped automatically.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*call.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.SessionID]*call.Session)}
}

// Bind launches a session via start and registers it, holding the slot so
// concurrent attempts on the same conversation cannot race past the
// invariant.
func (r *Registry) Bind(sid domain.SessionID, start func() (*call.Session, error)) (*call.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[sid]; ok && !existing.State().Terminal() {
		return nil, ErrCallInProgress
	}
	s, err := start()
	if err != nil {
		return nil, err
	}
	r.sessions[sid] = s
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound session")

	go func() {
		<-s.Done()
		r.remove(sid, s)
	}()
	return s, nil
}

// Get returns the live session for a conversation, if any.
func (r *Registry) Get(sid domain.SessionID) (*call.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Active snapshots every registered session.
func (r *Registry) Active() []*call.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*call.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) remove(sid domain.SessionID, s *call.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sid] == s {
		delete(r.sessions, sid)
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("reaped session")
	}
}
