package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReadWrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	f, err := m.ReadFile(ctx, "todos/active.json")
	require.NoError(t, err)
	assert.Nil(t, f, "absent file is not an error")

	tag, err := m.WriteFile(ctx, "todos/active.json", []byte("[]\n"), "")
	require.NoError(t, err)
	assert.Equal(t, ContentTag([]byte("[]\n")), tag)

	f, err = m.ReadFile(ctx, "todos/active.json")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "[]\n", string(f.Content))
	assert.Equal(t, tag, f.VersionTag)

	_, err = m.WriteFile(ctx, "todos/active.json", []byte("[1]\n"), "")
	assert.ErrorIs(t, err, ErrConflict, "create over existing file")

	_, err = m.WriteFile(ctx, "todos/active.json", []byte("[1]\n"), "stale")
	assert.ErrorIs(t, err, ErrConflict)

	newTag, err := m.WriteFile(ctx, "todos/active.json", []byte("[1]\n"), tag)
	require.NoError(t, err)
	assert.NotEqual(t, tag, newTag)
	assert.Equal(t, []string{"todos/active.json", "todos/active.json"}, m.Written())
}

func TestMemory_ListDirectory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Put("todos/active.json", []byte("a"))
	m.Put("todos/completed/2024-01.json", []byte("b"))
	m.Put("todos/completed/2024-02.json", []byte("c"))
	m.Put("wiki/2024-01-01-notes.md", []byte("d"))

	entries, err := m.ListDirectory(ctx, "todos")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Path: "todos/active.json", Name: "active.json", VersionTag: ContentTag([]byte("a"))}, entries[0])
	assert.Equal(t, Entry{Path: "todos/completed", Name: "completed", IsDir: true}, entries[1])

	entries, err = m.ListDirectory(ctx, "todos/completed/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = m.ListDirectory(ctx, "customers")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_DeleteAndFailures(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	tag := m.Put("a.json", []byte("x"))
	assert.ErrorIs(t, m.DeleteFile(ctx, "a.json", "wrong"), ErrConflict)
	require.NoError(t, m.DeleteFile(ctx, "a.json", tag))
	_, ok := m.Get("a.json")
	assert.False(t, ok)

	boom := errors.New("boom")
	m.Fail(OpWrite, boom)
	_, err := m.WriteFile(ctx, "b.json", []byte("y"), "")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.Calls(OpWrite))

	m.Fail(OpWrite, nil)
	_, err = m.WriteFile(ctx, "b.json", []byte("y"), "")
	assert.NoError(t, err)

	m.FailOnce(OpRead, boom)
	_, err = m.ReadFile(ctx, "b.json")
	assert.ErrorIs(t, err, boom)
	f, err := m.ReadFile(ctx, "b.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), f.Content)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConflict))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.False(t, IsRetryable(ErrUnauthenticated))
	assert.False(t, IsRetryable(ErrNotConfigured))
}
