package extensions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/rcourtman/extension-manager/internal/errors"
)

func TestFilesAcceptsStringOrList(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`{"namespace":"Monitor","test":{"_base":"monitor.ext.yaml","Admin":"a.yaml","Data":["b.yaml","c.yaml"]}}`), &m))

	assert.Equal(t, "Monitor", m.Namespace)
	assert.Equal(t, []Component{
		{Name: "Admin", Files: []string{"a.yaml"}},
		{Name: "Data", Files: []string{"b.yaml", "c.yaml"}},
	}, m.Components())
	assert.Equal(t, 3, m.FileCount())
}

func TestFilesRejectsOtherShapes(t *testing.T) {
	var m Manifest
	assert.Error(t, json.Unmarshal([]byte(`{"test":{"Admin":42}}`), &m))
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := ReadManifest(ctx, dir, 0)
	require.NoError(t, err)
	assert.Nil(t, m, "missing manifest is not an error")
	assert.Empty(t, m.Components())

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"namespace":"X","test":{"Core":"inc/core.yaml"}}`), 0o600))
	m, err = ReadManifest(ctx, dir, DefaultManifestTimeout)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Len(t, m.Components(), 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"test":`), 0o600))
	_, err = ReadManifest(ctx, dir, DefaultManifestTimeout)
	assert.Equal(t, errs.ClassValidation, errs.ClassOf(err))
}

func TestReadManifestHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{}`), 0o600))

	// The read may win the race against the cancelled context; both
	// outcomes are valid, but a cancellation must surface as transient.
	_, err := ReadManifest(ctx, dir, DefaultManifestTimeout)
	if err != nil {
		assert.True(t, errs.IsRetryable(err))
	}
}
