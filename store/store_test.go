package store

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreNewThenDuplicate(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("test_content")

	handle1, verdict1, err := s.Store(TestCase{Content: content, Kind: KindNormal})
	require.NoError(t, err)
	require.Equal(t, New, verdict1)
	require.Equal(t, "594a1b494545be568120d28c43b3319e41d7b8e51a8112ebbece7b3275591a9a", handle1.HexHash())

	handle2, verdict2, err := s.Store(TestCase{Content: content, Kind: KindNormal})
	require.NoError(t, err)
	require.Equal(t, Duplicate, verdict2)
	require.Equal(t, handle1, handle2)

	retrieved, err := s.Retrieve(handle1)
	require.NoError(t, err)
	require.Equal(t, content, retrieved.Content)
}

func TestStoreDistinguishesByKind(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("crashy")

	normalHandle, verdict, err := s.Store(TestCase{Content: content, Kind: KindNormal})
	require.NoError(t, err)
	require.Equal(t, New, verdict)

	crashHandle, verdict, err := s.Store(TestCase{Content: content, Kind: KindCrash})
	require.NoError(t, err)
	require.Equal(t, New, verdict, "same bytes under a different kind is a distinct handle")
	require.NotEqual(t, normalHandle, crashHandle)
}

func TestHandleFromID(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	handle, _, err := s.Store(TestCase{Content: []byte("parent"), Kind: KindNormal})
	require.NoError(t, err)

	resolved, ok := s.HandleFromID(hex.EncodeToString(handle.Hash[:]))
	require.True(t, ok)
	require.Equal(t, handle, resolved)

	_, ok = s.HandleFromID("not-a-known-hash")
	require.False(t, ok)
}

func TestRetrieveUnknownHandlePanics(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _ = s.Retrieve(TestCaseHandle{Kind: KindNormal})
	})
}
