package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/reader-progress-sync/internal/logger"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	fsStore, err := NewFileStorage(t.TempDir(), logger.Nop())
	require.NoError(t, err)
	return map[string]Storage{
		"file":   fsStore,
		"memory": NewMemoryStorage(),
	}
}

func TestStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := LibraryKey("Dune_42.sdr/metadata.epub.lua")
			_, err := s.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, key, []byte("return {}"), "application/x-lua"))
			require.NoError(t, s.Put(ctx, LibraryKey("Dune_42.epub"), []byte("epub"), "application/epub+zip"))

			data, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "return {}", string(data))

			// overwrite
			require.NoError(t, s.Put(ctx, key, []byte("return {1}"), "application/x-lua"))
			data, err = s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "return {1}", string(data))

			list, err := s.List(ctx, LibraryPrefix)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "library/Dune_42.epub", list[0].Key)
			assert.Equal(t, "library/Dune_42.sdr/metadata.epub.lua", list[1].Key)
			assert.Equal(t, int64(10), list[1].Size)

			require.NoError(t, s.Delete(ctx, key))
			assert.ErrorIs(t, s.Delete(ctx, key), ErrNotFound)
			assert.NoError(t, DeleteIfExists(ctx, s, key))
		})
	}
}

func TestStorage_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../etc/passwd", "/abs", "a/../../b"} {
				err := s.Put(ctx, key, []byte("x"), "text/plain")
				assert.True(t, errors.Is(err, ErrInvalidKey), "key %q", key)
			}
		})
	}
}

func TestFileStorage_NoTempFilesLeft(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStorage(root, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "library/a/b.lua", []byte("x"), "application/x-lua"))

	entries, err := os.ReadDir(filepath.Join(root, "library", "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.lua", entries[0].Name())
}

func TestMemoryStorage_ContentType(t *testing.T) {
	m := NewMemoryStorage()
	require.NoError(t, m.Put(context.Background(), "k", []byte("x"), "application/x-lua"))
	ct, ok := m.ContentType("k")
	assert.True(t, ok)
	assert.Equal(t, "application/x-lua", ct)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentTypeFor("PDF"))
	assert.Equal(t, "application/epub+zip", ContentTypeFor(".epub"))
	assert.Equal(t, DefaultContentType, ContentTypeFor("xyz"))
	assert.Equal(t, DefaultContentType, ContentTypeFor(""))
	assert.Equal(t, "application/x-mobipocket-ebook", ContentTypeForKey("The_Road_42.mobi"))
	assert.Equal(t, DefaultContentType, ContentTypeForKey("noext"))
}
