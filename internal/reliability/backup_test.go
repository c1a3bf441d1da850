package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveExcludesVaultKeyAndWAL(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.db"), []byte("db"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.db-wal"), []byte("wal"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.db-shm"), []byte("shm"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env_key"), []byte("0123456789abcdef0123456789abcdef"), 0600))

	svc := &Service{dataDir: dir, log: zerolog.Nop()}
	archive, err := svc.archiveDataDir()
	require.NoError(t, err)

	names := tarEntries(t, archive)
	assert.Contains(t, names, "engine.db")
	assert.NotContains(t, names, ".env_key")
	assert.NotContains(t, names, "engine.db-wal")
	assert.NotContains(t, names, "engine.db-shm")
}

func TestArchiveIncludesNestedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "file.txt"), []byte("content"), 0644))

	svc := &Service{dataDir: dir, log: zerolog.Nop()}
	archive, err := svc.archiveDataDir()
	require.NoError(t, err)

	names := tarEntries(t, archive)
	assert.Contains(t, names, filepath.Join("sub", "file.txt"))
}

func tarEntries(t *testing.T, archive []byte) []string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}
