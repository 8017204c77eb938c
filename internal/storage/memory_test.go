package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookpipe/bookpipe/internal/storage"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()

	require.NoError(t, st.Put(ctx, "outputs/1/translated.txt", []byte("hola"), "text/plain"))

	got, err := st.Get(ctx, "outputs/1/translated.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hola"), got)

	_, err = st.Get(ctx, "outputs/1/missing.txt")
	assert.Error(t, err)

	require.NoError(t, st.Delete(ctx, "outputs/1/translated.txt"))
	_, err = st.Get(ctx, "outputs/1/translated.txt")
	assert.Error(t, err)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()

	require.NoError(t, st.Put(ctx, "k", []byte("abc"), "text/plain"))
	got, err := st.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'x'

	again, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStore_CleanupOnlyTouchesTempPrefix(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()

	require.NoError(t, st.Put(ctx, "temp/scratch.txt", []byte("x"), "text/plain"))
	require.NoError(t, st.Put(ctx, "outputs/1/translated.txt", []byte("y"), "text/plain"))

	deleted, err := st.CleanupOlderThan(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = st.Get(ctx, "temp/scratch.txt")
	assert.Error(t, err)
	_, err = st.Get(ctx, "outputs/1/translated.txt")
	assert.NoError(t, err)
}

func TestMemoryStore_CleanupKeepsFreshObjects(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()

	require.NoError(t, st.Put(ctx, "temp/fresh.txt", []byte("x"), "text/plain"))

	deleted, err := st.CleanupOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
