// Package ptysession owns one child process attached to a PTY master,
// exposing asynchronous read (via subscription), synchronous writes, resize,
// and scrollback access (spec.md §4.2).
//
// This is a direct generalization of the teacher's internal/daemon/instance.go
// ptyReader/Attach/destroy trio, widened from one attachedConn to an
// arbitrary set of Subscribers.
package ptysession

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/run-vibes/vibes/internal/events"
	"github.com/run-vibes/vibes/internal/scrollback"
)

// Errors returned by Session operations.
var (
	ErrClosed           = errors.New("ptysession: session closed")
	ErrAlreadyTerminated = errors.New("ptysession: already terminated")
)

// State mirrors the per-session state machine of spec.md §4.3.
type State string

const (
	StateSpawning    State = "Spawning"
	StateRunning     State = "Running"
	StateTerminating State = "Terminating"
	StateTerminated  State = "Terminated"
)

// subscriberQueueDepth is the bounded per-subscriber fan-out queue size.
// Drop policy on overflow is drop-oldest (spec.md §9 open question (a),
// resolved in favor of the teacher's existing logBuf drop-oldest discipline).
const subscriberQueueDepth = 256

// Config names the black-box assistant subprocess to spawn. The assistant
// is an opaque child process; vibes performs no assistant-specific parsing
// of its output (spec.md §1).
type Config struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Cols    uint16
	Rows    uint16
}

// EventSink receives events published by a Session's reader loop, in
// addition to per-subscriber PTY byte fan-out. The Session Manager and the
// Plugin Host both implement (or wrap) this.
type EventSink interface {
	Publish(events.Event)
}

// Subscriber is one attached client's inbound queue of raw PTY bytes.
type subscriber struct {
	id      uint64
	ch      chan []byte
	lagDrop uint64 // count of chunks dropped due to a full queue
}

// Session owns one child process and its PTY master.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	log *logrus.Entry

	writeMu sync.Mutex // serializes writes so each call is atomic

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	ptm         *os.File
	cols, rows  uint16
	scrollback  *scrollback.Buffer
	subs        map[uint64]*subscriber
	nextSubID   uint64
	sink        EventSink
	processDone chan struct{}
	killed      bool
}

// New allocates a Session in the Spawning state but does not start the
// child process; call Start to do so.
func New(id, name string, cfg Config, sink EventSink, scrollbackCapacity int, log *logrus.Entry) *Session {
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}
	return &Session{
		ID:         id,
		Name:       name,
		CreatedAt:  time.Now(),
		log:        log.WithField("session_id", id),
		state:      StateSpawning,
		cols:       cfg.Cols,
		rows:       cfg.Rows,
		scrollback: scrollback.New(scrollbackCapacity),
		subs:       make(map[uint64]*subscriber),
		sink:       sink,
	}
}

// Start spawns the child process inside a PTY and launches the reader loop.
func (s *Session) Start(cfg Config) error {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	} else {
		cmd.Env = os.Environ()
	}

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows})
	if err != nil {
		return fmt.Errorf("ptysession: pty start: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.ptm = ptm
	s.state = StateRunning
	s.processDone = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop()
	return nil
}

// readLoop is the dedicated reader task described in spec.md §4.2: it reads
// PTY output in chunks, appends to scrollback, publishes PtyOutput, and
// fans out to subscribers. On EOF/error it emits SessionEnded and exits.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptm.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.appendScrollbackAndPublish(chunk)
		}
		if err != nil {
			break
		}
	}
	s.finish()
}

func (s *Session) appendScrollbackAndPublish(chunk []byte) {
	// The scrollback append and the subscriber copy happen under s.mu, the
	// same lock AttachSnapshot holds, so a chunk is either in an attaching
	// client's replay or in its live queue, never both and never neither.
	s.mu.Lock()
	s.scrollback.Append(chunk)
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		publishNonBlocking(sub, chunk)
	}

	if s.sink != nil {
		s.sink.Publish(events.PtyOutput(s.ID, chunk))
	}
}

// publishNonBlocking sends chunk to sub's queue, dropping the oldest queued
// chunk on overflow rather than blocking the reader loop (spec.md §4.2 fan-out
// policy).
func publishNonBlocking(sub *subscriber, chunk []byte) {
	select {
	case sub.ch <- chunk:
		return
	default:
	}
	// Queue full: drop the oldest, then enqueue the new chunk.
	select {
	case <-sub.ch:
		sub.lagDrop++
	default:
	}
	select {
	case sub.ch <- chunk:
	default:
		// Extremely rare race with a concurrent drain; give up silently.
	}
}

// finish runs once the PTY read loop observes EOF/error, so every chunk
// read before EOF has already been published (spec.md §9 open question
// (b): flush-then-end). It waits for the child to fully exit, closes the
// PTY master, transitions to Terminated, and then emits
// SessionStateChanged and SessionEnded.
func (s *Session) finish() {
	waitErr := s.cmd.Wait()

	s.mu.Lock()
	s.ptm.Close()
	s.ptm = nil
	s.state = StateTerminated
	killed := s.killed
	processDone := s.processDone
	s.mu.Unlock()

	reason := "exited"
	switch {
	case killed:
		reason = "killed"
	case waitErr != nil:
		reason = "crashed: " + waitErr.Error()
	}

	if s.sink != nil {
		s.sink.Publish(events.SessionStateChanged(s.ID, string(StateTerminated)))
		s.sink.Publish(events.SessionEnded(s.ID, reason))
	}

	s.log.WithField("reason", reason).Info("session ended")

	if processDone != nil {
		close(processDone)
	}
}

// unsubscribe removes a subscriber by id, called from Attachment.Detach.
// Per spec.md §4.3's attach ordering rule, the matching subscribe happens
// atomically with the scrollback snapshot in AttachSnapshot below.
func (s *Session) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// Attachment is returned by AttachSnapshot: the replay bytes plus a live
// handle for subsequent output and detach.
type Attachment struct {
	Replay   []byte
	Output   <-chan []byte
	session  *Session
	subID    uint64
}

// Detach unregisters this attachment's subscriber queue.
func (a *Attachment) Detach() {
	a.session.unsubscribe(a.subID)
}

// AttachSnapshot atomically captures the scrollback snapshot and subscribes
// to live output, guaranteeing replay-then-live with no gap or overlap
// (spec.md §4.3 "Ordering on attach").
func (s *Session) AttachSnapshot() *Attachment {
	s.mu.Lock()
	replay := s.scrollback.Snapshot()
	s.nextSubID++
	sub := &subscriber{id: s.nextSubID, ch: make(chan []byte, subscriberQueueDepth)}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	return &Attachment{Replay: replay, Output: sub.ch, session: s, subID: sub.id}
}

// Write multiplexes stdin from any subscriber into the PTY master. Each
// call commits its full buffer before the next writer's bytes are written
// (spec.md §4.2 input multiplexing: per-call atomicity, no cross-writer
// ordering guarantee).
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	ptm := s.ptm
	state := s.state
	s.mu.Unlock()

	if ptm == nil || state == StateTerminated {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := ptm.Write(p)
	if err != nil {
		return fmt.Errorf("ptysession: write: %w", err)
	}
	return nil
}

// Resize applies new window dimensions. Last-writer-wins: no negotiation
// between concurrent resizers (spec.md §4.2 resize policy).
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("ptysession: cols and rows must be positive")
	}
	s.mu.Lock()
	ptm := s.ptm
	s.mu.Unlock()
	if ptm == nil {
		return ErrClosed
	}
	if err := pty.Setsize(ptm, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("ptysession: resize: %w", err)
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// WindowSize returns the session's current (cols, rows).
func (s *Session) WindowSize() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// AppendScrollback appends bytes directly to scrollback without going
// through the PTY reader loop (used by tests and by synthetic replay).
func (s *Session) AppendScrollback(b []byte) {
	s.scrollback.Append(b)
}

// SnapshotScrollback returns a copy of the retained scrollback bytes.
func (s *Session) SnapshotScrollback() []byte {
	return s.scrollback.Snapshot()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscriberCount returns the number of currently attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Kill signals termination of the child process and its process group.
// Killing an already-terminated session sends no signal and returns
// ErrAlreadyTerminated.
func (s *Session) Kill() error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrAlreadyTerminated
	}
	s.killed = true
	s.state = StateTerminating
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	if pid <= 0 {
		return nil
	}
	pgid, err := unix.Getpgid(pid)
	if err == nil && pgid > 0 {
		unix.Kill(-pgid, unix.SIGKILL)
	} else {
		unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

// Wait blocks until the session's child process has fully exited and the
// reader loop has finished cleanup.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.processDone
	s.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}
