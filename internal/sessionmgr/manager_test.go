package sessionmgr

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes/internal/events"
	"github.com/run-vibes/vibes/internal/ptysession"
)

type capturingSink struct {
	ch chan events.Event
}

func newCapturingSink() *capturingSink {
	return &capturingSink{ch: make(chan events.Event, 256)}
}

func (c *capturingSink) Publish(e events.Event) {
	select {
	case c.ch <- e:
	default:
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func catConfig() ptysession.Config {
	return ptysession.Config{Command: "sh", Args: []string{"-c", "cat"}}
}

func TestCreateEmitsSessionCreated(t *testing.T) {
	sink := newCapturingSink()
	m := New(sink, KeepRunning, 0, testLogger())

	id, err := m.Create("agent-1", catConfig())
	require.NoError(t, err)
	defer m.Kill(id)

	select {
	case e := <-sink.ch:
		assert.Equal(t, events.KindSessionCreated, e.Kind)
		assert.Equal(t, id, e.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected SessionCreated event")
	}
}

func TestAttachReplaysScrollbackBeforeLiveOutput(t *testing.T) {
	sink := newCapturingSink()
	m := New(sink, KeepRunning, 0, testLogger())

	id, err := m.Create("", catConfig())
	require.NoError(t, err)
	defer m.Kill(id)

	require.NoError(t, m.Write(id, []byte("HELLO\n")))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Write(id, []byte("WORLD\n")))
	time.Sleep(100 * time.Millisecond)

	att, err := m.Attach(id)
	require.NoError(t, err)
	assert.Contains(t, string(att.Replay), "HELLO")
	assert.Contains(t, string(att.Replay), "WORLD")

	require.NoError(t, m.Write(id, []byte("!\n")))
	select {
	case chunk := <-att.Output:
		assert.Contains(t, string(chunk), "!")
	case <-time.After(2 * time.Second):
		t.Fatal("expected live output after replay")
	}

	m.Detach(id, att)
}

func TestAttachUnknownSession(t *testing.T) {
	m := New(nil, KeepRunning, 0, testLogger())
	_, err := m.Attach("does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListReflectsLiveSessions(t *testing.T) {
	m := New(nil, KeepRunning, 0, testLogger())
	id1, err := m.Create("one", catConfig())
	require.NoError(t, err)
	id2, err := m.Create("two", catConfig())
	require.NoError(t, err)
	defer m.Kill(id1)
	defer m.Kill(id2)

	summaries := m.List()
	ids := map[string]bool{}
	for _, s := range summaries {
		ids[s.ID] = true
	}
	assert.True(t, ids[id1])
	assert.True(t, ids[id2])
}

func TestKillIsIdempotentThroughManager(t *testing.T) {
	m := New(nil, KeepRunning, 0, testLogger())
	id, err := m.Create("", catConfig())
	require.NoError(t, err)

	require.NoError(t, m.Kill(id))
	// Give the reader loop time to observe EOF and tear down.
	time.Sleep(200 * time.Millisecond)
	err = m.Kill(id)
	assert.Error(t, err) // either ErrSessionNotFound or ptysession.ErrAlreadyTerminated
}

func TestShutdownKillsAllSessionsAndRejectsNewOnes(t *testing.T) {
	m := New(nil, KeepRunning, 0, testLogger())
	id1, err := m.Create("one", catConfig())
	require.NoError(t, err)
	id2, err := m.Create("two", catConfig())
	require.NoError(t, err)

	m.Shutdown()

	assert.Empty(t, m.List())
	assert.ErrorIs(t, m.Write(id1, []byte("x")), ErrSessionNotFound)
	assert.ErrorIs(t, m.Write(id2, []byte("x")), ErrSessionNotFound)

	_, err = m.Create("three", catConfig())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestReapOnEmptyKillsSessionOnLastDetach(t *testing.T) {
	m := New(nil, ReapOnEmpty, 0, testLogger())
	id, err := m.Create("", catConfig())
	require.NoError(t, err)

	att, err := m.Attach(id)
	require.NoError(t, err)
	m.Detach(id, att)

	time.Sleep(200 * time.Millisecond)
	_, err = m.Attach(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
