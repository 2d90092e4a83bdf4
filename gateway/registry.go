package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/streamgate/errors"
	"github.com/c360/streamgate/event"
)

// Registry is the concurrent directory of sessions. It owns canonical
// session state; every other component looks sessions up by id. Dropped
// Active sessions move to a resumable store where they keep buffering
// matching events until the resume window expires.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	detached map[string]*detachedSession

	resumeWindow time.Duration

	sweepOnce sync.Once
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

type detachedSession struct {
	session   *Session
	expiresAt time.Time
}

// NewRegistry creates a session registry. A zero resumeWindow disables the
// resumable store entirely.
func NewRegistry(resumeWindow time.Duration) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		byUser:       make(map[string]map[string]*Session),
		detached:     make(map[string]*detachedSession),
		resumeWindow: resumeWindow,
		shutdown:     make(chan struct{}),
	}
}

// Insert admits a session. A duplicate id is a fatal invariant violation.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return errors.WrapFatal(
			fmt.Errorf("session id %s already registered", s.ID),
			"Registry", "Insert", "enforce unique session ids")
	}
	if _, exists := r.detached[s.ID]; exists {
		return errors.WrapFatal(
			fmt.Errorf("session id %s still in resumable store", s.ID),
			"Registry", "Insert", "enforce unique session ids")
	}

	r.sessions[s.ID] = s
	userSessions := r.byUser[s.UserID]
	if userSessions == nil {
		userSessions = make(map[string]*Session)
		r.byUser[s.UserID] = userSessions
	}
	userSessions[s.ID] = s
	return nil
}

// Remove deletes a session from the live directory
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if userSessions, ok := r.byUser[s.UserID]; ok {
		delete(userSessions, id)
		if len(userSessions) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// Get looks up a live session by id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DetachedLen returns the number of sessions in the resumable store
func (r *Registry) DetachedLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.detached)
}

// Sessions returns a snapshot of all live sessions
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// SessionsForUser returns a snapshot of a user's live sessions
func (r *Registry) SessionsForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[userID]
	result := make([]*Session, 0, len(userSessions))
	for _, s := range userSessions {
		result = append(result, s)
	}
	return result
}

// Detach moves a session from the live directory to the resumable store.
// The session keeps its sequence counter, replay buffer and scope sets and
// continues to buffer matching events until the window expires. With a zero
// resume window the session is simply removed.
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(s.ID)

	if r.resumeWindow <= 0 {
		return
	}

	s.markDetached(true)
	r.detached[s.ID] = &detachedSession{
		session:   s,
		expiresAt: time.Now().Add(r.resumeWindow),
	}
}

// DetachedMatching returns detached sessions whose scope sets match an event
func (r *Registry) DetachedMatching(evt event.DomainEvent) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	result := make([]*Session, 0)
	for _, d := range r.detached {
		if now.After(d.expiresAt) {
			continue
		}
		if d.session.Matches(evt) {
			result = append(result, d.session)
		}
	}
	return result
}

// Resume validates a resume attempt and atomically moves the session from
// the resumable store back into the live directory. On success the returned
// session is Active again with a fresh outbound queue and a rotated resume
// token, and entries holds everything after lastSeq. The store move and the
// queue swap happen under the registry and session locks, so the bus sees
// the session in exactly one store at all times: an event published during
// the handoff either makes the replay slice or lands on the new queue.
func (r *Registry) Resume(sessionID, resumeToken string, lastSeq uint64, queueSize int) (*Session, []ReplayEntry, error) {
	if queueSize <= 0 {
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("queue size must be positive, got %d", queueSize),
			"Registry", "Resume", "validate queue size")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.detached[sessionID]
	if !ok {
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown session %s", errors.ErrResumeRejected, sessionID),
			"Registry", "Resume", "look up resumable session")
	}

	if time.Now().After(d.expiresAt) {
		delete(r.detached, sessionID)
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("%w: session %s expired", errors.ErrResumeRejected, sessionID),
			"Registry", "Resume", "check resume window")
	}

	old := d.session
	if subtle.ConstantTimeCompare([]byte(old.ResumeToken()), []byte(resumeToken)) != 1 {
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("%w: resume token mismatch for session %s", errors.ErrResumeRejected, sessionID),
			"Registry", "Resume", "verify resume token")
	}

	entries, err := old.reattach(lastSeq, queueSize, uuid.NewString())
	if err != nil {
		// Below the buffer floor. The session is unrecoverable; drop it.
		delete(r.detached, sessionID)
		return nil, nil, err
	}

	delete(r.detached, sessionID)
	r.sessions[old.ID] = old
	userSessions := r.byUser[old.UserID]
	if userSessions == nil {
		userSessions = make(map[string]*Session)
		r.byUser[old.UserID] = userSessions
	}
	userSessions[old.ID] = old

	return old, entries, nil
}

// ResolveSnapshot returns the live and detached directories under a single
// lock acquisition, so a session moving between stores appears in exactly
// one of the two slices. Expired resumable sessions are skipped.
func (r *Registry) ResolveSnapshot() (live, detached []*Session) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live = make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}

	now := time.Now()
	detached = make([]*Session, 0, len(r.detached))
	for _, d := range r.detached {
		if now.After(d.expiresAt) {
			continue
		}
		detached = append(detached, d.session)
	}
	return live, detached
}

// StartSweeper launches the background loop that expires resumable sessions
func (r *Registry) StartSweeper(ctx context.Context) {
	r.sweepOnce.Do(func() {
		r.wg.Add(1)
		go r.sweep(ctx)
	})
}

// StopSweeper stops the background sweeper
func (r *Registry) StopSweeper() {
	close(r.shutdown)
	r.wg.Wait()
}

func (r *Registry) sweep(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.expireDetached(time.Now())
		}
	}
}

func (r *Registry) expireDetached(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, d := range r.detached {
		if now.After(d.expiresAt) {
			delete(r.detached, id)
		}
	}
}
