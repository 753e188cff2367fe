// Package sessionmgr implements the process-wide registry of live PTY
// sessions and the lifecycle events they emit (spec.md §4.3).
//
// Manager generalizes the teacher's daemon.Daemon (internal/daemon/daemon.go):
// the same map-of-instances, lock-then-release-before-I/O discipline, and
// monotonic short-ID allocator are kept, but instances are now generic
// assistant subprocesses (ptysession.Session) rather than git-worktree+Docker
// project instances.
package sessionmgr

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/run-vibes/vibes/internal/events"
	"github.com/run-vibes/vibes/internal/ptysession"
)

// ErrSessionNotFound is returned when an operation names an unknown or
// already-torn-down session id.
var ErrSessionNotFound = errors.New("sessionmgr: session not found")

// ErrShuttingDown is returned by Create once Shutdown has been called.
var ErrShuttingDown = errors.New("sessionmgr: manager is shutting down")

// ReapPolicy controls what happens when a session's last subscriber detaches.
type ReapPolicy int

const (
	// KeepRunning leaves the session (and its child process) running with
	// no attached clients until explicitly killed.
	KeepRunning ReapPolicy = iota
	// ReapOnEmpty kills the session once its subscriber count drops to zero.
	ReapOnEmpty
)

// EventSink receives every lifecycle and PTY-output event published by
// managed sessions, in addition to whatever the Manager itself publishes
// (SessionCreated). The daemon wires this to the event log and, separately,
// to the plugin host's dispatch loop.
type EventSink interface {
	Publish(events.Event)
}

// Summary is a point-in-time snapshot of one session's metadata, returned
// by List.
type Summary struct {
	ID         string
	Name       string
	State      ptysession.State
	Subscribers int
	CreatedAt  time.Time
}

// Manager owns the map of live sessions.
type Manager struct {
	log        *logrus.Logger
	sink       EventSink
	reapPolicy ReapPolicy
	scrollCap  int

	mu       sync.Mutex
	sessions map[string]*ptysession.Session
	closed   bool
}

// New creates an empty Manager. scrollbackCapacity is the default per-session
// scrollback size (spec.md §3 default 1 MiB; pass 0 to use that default).
func New(sink EventSink, reapPolicy ReapPolicy, scrollbackCapacity int, log *logrus.Logger) *Manager {
	if scrollbackCapacity <= 0 {
		scrollbackCapacity = 1 << 20
	}
	return &Manager{
		log:        log,
		sink:       sink,
		reapPolicy: reapPolicy,
		scrollCap:  scrollbackCapacity,
		sessions:   make(map[string]*ptysession.Session),
	}
}

// Create allocates a new session id, spawns the session, emits
// SessionCreated, and returns the id.
func (m *Manager) Create(name string, cfg ptysession.Config) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	id := m.nextID()
	m.mu.Unlock()

	s := ptysession.New(id, name, cfg, m.sink, m.scrollCap, m.log.WithField("component", "sessionmgr"))
	if err := s.Start(cfg); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Publish(events.SessionCreated(id, name))
	}

	go m.watchForExit(id, s)

	return id, nil
}

// watchForExit removes a session from the map once its process has fully
// exited, so List/Attach reflect teardown without a separate reap pass.
func (m *Manager) watchForExit(id string, s *ptysession.Session) {
	s.Wait()
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// get looks up a session by id. The map lock is released before returning,
// satisfying spec.md §5's "releasing the map lock before any I/O await"
// rule — callers never hold m.mu while blocking on session I/O.
func (m *Manager) get(id string) (*ptysession.Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Attach looks up a session and returns an Attachment carrying the replay
// scrollback and a live output channel, atomically with respect to the
// publisher (spec.md §4.3 "Ordering on attach").
func (m *Manager) Attach(id string) (*ptysession.Attachment, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.AttachSnapshot(), nil
}

// Detach releases a previously obtained Attachment. If the reap policy is
// ReapOnEmpty and the subscriber count has reached zero, the session is
// killed.
func (m *Manager) Detach(id string, att *ptysession.Attachment) {
	att.Detach()
	if m.reapPolicy != ReapOnEmpty {
		return
	}
	s, err := m.get(id)
	if err != nil {
		return
	}
	if s.SubscriberCount() == 0 {
		_ = s.Kill()
	}
}

// Write delegates to the named session.
func (m *Manager) Write(id string, p []byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Write(p)
}

// Resize delegates to the named session.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// Kill signals termination of the named session. It returns
// ErrSessionNotFound for an unknown id and for a session that has exited
// and been removed from the map; a session that has terminated but is not
// yet removed returns ptysession.ErrAlreadyTerminated.
func (m *Manager) Kill(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Kill()
}

// List enumerates all currently live sessions, sorted by creation time.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	out := make([]Summary, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, Summary{
			ID:          id,
			Name:        s.Name,
			State:       s.State(),
			Subscribers: s.SubscriberCount(),
			CreatedAt:   s.CreatedAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown stops Create from admitting new sessions, kills every currently
// live session, and blocks until each one has fully exited. This is step 2
// of the daemon's shutdown sequence: sessions must be torn down before the
// event log is flushed and closed, so no session can still be publishing
// once that happens.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*ptysession.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Kill()
	}
	for _, s := range sessions {
		s.Wait()
	}

	m.mu.Lock()
	for _, s := range sessions {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
}

// idAlphabet mirrors the teacher's daemon.idAlphabet: single-character ids
// first (digits then letters), falling back to two-character combinations.
var idAlphabet = []string{
	"1", "2", "3", "4", "5", "6", "7", "8", "9",
	"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m",
	"n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z",
}

// nextID returns the lowest unused session id. Must be called with m.mu held.
func (m *Manager) nextID() string {
	for _, id := range idAlphabet {
		if _, taken := m.sessions[id]; !taken {
			return id
		}
	}
	for _, a := range idAlphabet {
		for _, b := range idAlphabet {
			id := a + b
			if _, taken := m.sessions[id]; !taken {
				return id
			}
		}
	}
	// Both alphabets exhausted (1,260 live sessions); fall back to a UUID
	// rather than growing the short-id scheme further.
	return uuid.NewString()
}
