package distance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/model"
)

// Ensurer is the part of Service a Session needs.
type Ensurer interface {
	EnsureDistances(ctx context.Context, home calculator.Coordinate, schools []model.School) model.Distances
}

// ErrSessionNotFound is returned by Sessions.Get for unknown IDs.
var ErrSessionNotFound = errors.New("session not found")

// Snapshot is the state a client polls.
type Snapshot struct {
	ID          string
	Home        *calculator.Coordinate
	Calculating bool
	Distances   model.Distances
	SchoolNames map[int64]string
	UpdatedAt   time.Time
}

// Session holds the current home and its distances for one client. Only the
// most recent SetHome may publish results; a resolution that finishes after
// the home has changed again is discarded.
type Session struct {
	id  string
	svc Ensurer

	mu          sync.Mutex
	home        *calculator.Coordinate
	generation  uint64
	calculating bool
	distances   model.Distances
	names       map[int64]string
	done        chan struct{}
	updatedAt   time.Time
	lastUsed    time.Time
}

// NewSession creates an empty session.
func NewSession(id string, svc Ensurer) *Session {
	now := time.Now()
	done := make(chan struct{})
	close(done)
	return &Session{id: id, svc: svc, done: done, updatedAt: now, lastUsed: now}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// SetHome starts resolving distances for home in the background and returns
// a channel closed when that resolution finishes, whether its result was
// applied or discarded. Setting the home that is already being calculated
// returns the in-flight channel instead of starting again.
func (s *Session) SetHome(ctx context.Context, home calculator.Coordinate, schools []model.School) <-chan struct{} {
	home = home.Rounded()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()

	if s.calculating && s.home != nil && *s.home == home {
		return s.done
	}

	s.generation++
	gen := s.generation
	s.home = &home
	s.calculating = true
	s.distances = nil
	s.names = model.NamesBySchool(schools)
	s.updatedAt = time.Now()
	done := make(chan struct{})
	s.done = done

	// The request that set the home may return before resolution finishes.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		result := s.svc.EnsureDistances(ctx, home, schools)
		s.apply(gen, home, result)
	}()

	return done
}

func (s *Session) apply(gen uint64, home calculator.Coordinate, result model.Distances) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		log.Debug().
			Str("session", s.id).
			Str("stale_home", home.String()).
			Msg("Discarding distances for superseded home")
		return
	}
	s.distances = result
	s.calculating = false
	s.updatedAt = time.Now()
}

// IsCalculating reports whether the current home is still being resolved.
func (s *Session) IsCalculating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calculating
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()

	snap := Snapshot{
		ID:          s.id,
		Calculating: s.calculating,
		UpdatedAt:   s.updatedAt,
		Distances:   copyDistances(s.distances),
		// names is replaced, never mutated, so snapshots can share it.
		SchoolNames: s.names,
	}
	if s.home != nil {
		h := *s.home
		snap.Home = &h
	}
	return snap
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Sessions is a registry of sessions keyed by ID.
type Sessions struct {
	svc     Ensurer
	maxIdle time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessions creates a registry. Sessions unused for maxIdle are removed by
// Sweep.
func NewSessions(svc Ensurer, maxIdle time.Duration) *Sessions {
	return &Sessions{svc: svc, maxIdle: maxIdle, sessions: make(map[string]*Session)}
}

// Create registers a new session with a random ID.
func (r *Sessions) Create() *Session {
	s := NewSession(uuid.New().String(), r.svc)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s
}

// Get looks up a session.
func (r *Sessions) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Sessions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes sessions idle for longer than maxIdle and returns how many
// were removed. Sessions still calculating are kept.
func (r *Sessions) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.IsCalculating() {
			continue
		}
		if now.Sub(s.idleSince()) > r.maxIdle {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				log.Debug().Int("removed", n).Msg("Expired idle sessions")
			}
		}
	}
}
