package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithMemoryRepositories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
batch:
  dir: ` + filepath.Join(dir, "batches") + `
  ledger_file: ` + filepath.Join(dir, "resume.json") + `
embedding:
  base_url: http://localhost:9200
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	a, err := New(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.Logger())
	require.NotNil(t, a.Tasks())
	require.NotNil(t, a.Pages())
	require.NotNil(t, a.Records())
	require.NotNil(t, a.Imports())
	require.NotNil(t, a.Cases())
	require.NotNil(t, a.Batches())
	require.NotNil(t, a.Ledger())
	require.NotNil(t, a.Source())
	require.NotNil(t, a.Encoder())
	require.DirExists(t, filepath.Join(dir, "batches"))
}

func TestNewWithoutEmbeddingService(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
batch:
  dir: ` + filepath.Join(dir, "batches") + `
  ledger_file: ` + filepath.Join(dir, "resume.json") + `
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	a, err := New(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.Nil(t, a.Encoder())
}

func TestNewRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl:\n  batch_size: 0\n"), 0o600))

	_, err := New(context.Background(), path)
	require.Error(t, err)
}
