package eventlog

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes/internal/events"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, testLogger())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestAppendAndPollRoundTrip(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Append(events.SessionCreated("s1", "agent"))
	require.NoError(t, err)
	_, err = l.Append(events.PtyOutput("s1", []byte("b")))
	require.NoError(t, err)

	c, err := l.OpenConsumer("g1")
	require.NoError(t, err)
	require.NoError(t, c.Seek(SeekBeginning, 0))

	recs, err := c.Poll(10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, events.KindSessionCreated, recs[0].Payload.Kind)
	assert.Equal(t, events.KindPtyOutput, recs[1].Payload.Kind)
}

func TestSessionPartitioningPreservesPerSessionOrder(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Append(events.SessionCreated("s1", ""))
	require.NoError(t, err)
	_, err = l.Append(events.PtyOutput("s2", []byte("a")))
	require.NoError(t, err)
	_, err = l.Append(events.PtyOutput("s1", []byte("b")))
	require.NoError(t, err)

	c, err := l.OpenConsumer("scenario3")
	require.NoError(t, err)
	require.NoError(t, c.Seek(SeekBeginning, 0))

	recs, err := c.Poll(10, 2*time.Second)
	require.NoError(t, err)

	var s1Order []events.Kind
	for _, r := range recs {
		if r.Payload.SessionID == "s1" {
			s1Order = append(s1Order, r.Payload.Kind)
		}
	}
	require.Len(t, s1Order, 2)
	assert.Equal(t, events.KindSessionCreated, s1Order[0])
	assert.Equal(t, events.KindPtyOutput, s1Order[1])
}

func TestOffsetPersistenceAcrossConsumerInstances(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 5; i++ {
		_, err := l.Append(events.PtyOutput("s1", []byte("x")))
		require.NoError(t, err)
	}

	c, err := l.OpenConsumer("g")
	require.NoError(t, err)
	require.NoError(t, c.Seek(SeekBeginning, 0))

	// All five events share one partition and Poll fetches
	// ⌈maxCount/PartitionCount⌉ per partition, so ask for 3 per partition.
	first, err := c.Poll(3*PartitionCount, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.NoError(t, c.Commit(first))

	// A fresh consumer with the same group name should resume, not replay.
	c.Close()
	l.mu.Lock()
	delete(l.consumers, "g")
	l.mu.Unlock()

	c2, err := l.OpenConsumer("g")
	require.NoError(t, err)

	rest, err := c2.Poll(10, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestSeekBeginningYieldsAllEvents(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 4; i++ {
		_, err := l.Append(events.PtyOutput("s1", []byte("x")))
		require.NoError(t, err)
	}

	c, err := l.OpenConsumer("g2")
	require.NoError(t, err)
	require.NoError(t, c.Seek(SeekBeginning, 0))

	recs, err := c.Poll(100, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestPartitionAssignmentInvariant(t *testing.T) {
	e1 := events.SessionCreated("same-session", "")
	e2 := events.PtyOutput("same-session", []byte("x"))
	assert.Equal(t, partitionFor(e1.PartitionKey()), partitionFor(e2.PartitionKey()))
}
