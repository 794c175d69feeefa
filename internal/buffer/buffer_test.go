package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendReadRoundtrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "raw.buf"))
	require.NoError(t, err)
	defer s.Close()

	v1, err := s.Append([]byte("hello"))
	require.NoError(t, err)

	v2, err := s.Append([]byte("world!"))
	require.NoError(t, err)

	got1, err := s.Read(v1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got1))

	got2, err := s.Read(v2)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(got2))
}

func TestNullViewReadsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "raw.buf"))
	require.NoError(t, err)
	defer s.Close()

	b, err := s.Read(View{})
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.True(t, View{}.IsNull())
}

func TestPurgeTruncatesTail(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "raw.buf"))
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Append([]byte("keep"))
	require.NoError(t, err)

	_, err = s.Append([]byte("drop-me"))
	require.NoError(t, err)

	require.NoError(t, s.Purge(v.Offset+int64(v.Size)))
	assert.Equal(t, v.Offset+int64(v.Size), s.Tail())

	got, err := s.Read(v)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))
}

func TestReopenPicksUpExistingTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.buf")

	s1, err := Open(path)
	require.NoError(t, err)
	v, err := s1.Append([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Read(v)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}
