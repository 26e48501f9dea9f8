package options

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "a", []byte(`{"x":1}`)))
	got, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"x":1}`, string(got))

	require.NoError(t, s.Set(ctx, "a", []byte(`{"x":2}`)))
	got, _, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, `{"x":2}`, string(got))

	require.NoError(t, s.Delete(ctx, "a"))
	_, found, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Delete(ctx, "never-set"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'z'

	got, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NewMemoryStore().Set(ctx, "k", nil))
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStorePersistsEncrypted(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "extmgr_site_options", []byte(`{"api_key":"secret-key"}`)))

	raw, err := os.ReadFile(filepath.Join(dir, OptionsFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-key")

	info, err := os.Stat(filepath.Join(dir, OptionsFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(privateFilePerm), info.Mode().Perm())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	got, found, err := reopened.Get(ctx, "extmgr_site_options")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"api_key":"secret-key"}`, string(got))
}

func TestFileStoreRefusesSymlinkedFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "elsewhere")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, OptionsFileName)))

	_, err := NewFileStore(dir)
	assert.Error(t, err)
}

func TestFileStoreRejectsForeignKey(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName), []byte("different"), 0o600))
	_, err = NewFileStore(dir)
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, found, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(got))
}

func TestOpen(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{BackendMemory, false},
		{BackendFile, false},
		{BackendSQLite, false},
		{"redis", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.backend, func(t *testing.T) {
			s, err := Open(tt.backend, t.TempDir())
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, ValidBackend(tt.backend))
				return
			}
			require.NoError(t, err)
			assert.True(t, ValidBackend(tt.backend))
			require.NoError(t, s.Close())
		})
	}
}
