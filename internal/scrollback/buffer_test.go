package scrollback

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWithinCapacity(t *testing.T) {
	buf := New(16)
	buf.Append([]byte("hello"))
	buf.Append([]byte(" world"))
	assert.Equal(t, []byte("hello world"), buf.Snapshot())
	assert.Equal(t, 11, buf.Len())
}

func TestAppendOverflowDropsOldest(t *testing.T) {
	buf := New(5)
	buf.Append([]byte("HELLO"))
	buf.Append([]byte("WORLD"))
	// capacity 5, last append "WORLD" alone fills capacity.
	assert.Equal(t, []byte("WORLD"), buf.Snapshot())
}

func TestAppendPartialOverflow(t *testing.T) {
	buf := New(10)
	buf.Append([]byte("0123456789")) // exactly fills
	buf.Append([]byte("AB"))         // should drop "01" leaving "23456789AB"
	assert.Equal(t, []byte("23456789AB"), buf.Snapshot())
	assert.Equal(t, 10, buf.Len())
}

func TestAppendSingleChunkLargerThanCapacity(t *testing.T) {
	buf := New(4)
	buf.Append([]byte("abcdefgh"))
	assert.Equal(t, []byte("efgh"), buf.Snapshot())
}

func TestEmptyBuffer(t *testing.T) {
	buf := New(10)
	assert.True(t, buf.IsEmpty())
	assert.Empty(t, buf.Snapshot())
}

func TestSnapshotIsACopy(t *testing.T) {
	buf := New(10)
	buf.Append([]byte("abc"))
	snap := buf.Snapshot()
	snap[0] = 'X'
	require.Equal(t, []byte("abc"), buf.Snapshot())
}

func TestAppendSequenceInvariant(t *testing.T) {
	buf := New(8)
	chunks := [][]byte{[]byte("aa"), []byte("bb"), []byte("cc"), []byte("dd"), []byte("ee")}
	var all []byte
	for _, c := range chunks {
		buf.Append(c)
		all = append(all, c...)
	}
	want := all[len(all)-8:]
	assert.True(t, bytes.Equal(want, buf.Snapshot()))
	assert.LessOrEqual(t, buf.Len(), buf.Capacity())
}
