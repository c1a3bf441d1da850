package vault

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supakiln/engine/internal/database"
)

func testVault(t *testing.T) (*Vault, *sql.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{
		Path: filepath.Join(dir, "test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(zerolog.Nop()))
	t.Cleanup(func() { _ = db.Close() })

	v, err := New(db.Conn(), dir, zerolog.Nop())
	require.NoError(t, err)
	return v, db.Conn(), dir
}

func TestVaultRoundTrip(t *testing.T) {
	v, _, _ := testVault(t)

	require.NoError(t, v.Set("API_KEY", "sk-secret-value", "external API key"))

	value, err := v.Get("API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-value", value)
}

func TestVaultUpsert(t *testing.T) {
	v, _, _ := testVault(t)

	require.NoError(t, v.Set("TOKEN", "first", ""))
	require.NoError(t, v.Set("TOKEN", "second", "rotated"))

	value, err := v.Get("TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "second", value)

	metas, err := v.ListMetadata()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "rotated", metas[0].Description)
}

func TestVaultValueNotStoredInPlaintext(t *testing.T) {
	v, conn, _ := testVault(t)

	require.NoError(t, v.Set("DB_PASSWORD", "hunter2", ""))

	var stored string
	require.NoError(t, conn.QueryRow(`SELECT value FROM environment_variables WHERE name = 'DB_PASSWORD'`).Scan(&stored))
	assert.NotContains(t, stored, "hunter2")
}

func TestVaultNamesAndMetadata(t *testing.T) {
	v, _, _ := testVault(t)

	require.NoError(t, v.Set("B_KEY", "2", ""))
	require.NoError(t, v.Set("A_KEY", "1", "first"))

	names, err := v.ListNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"A_KEY", "B_KEY"}, names)

	meta, err := v.GetMetadata("A_KEY")
	require.NoError(t, err)
	assert.Equal(t, "A_KEY", meta.Name)
	assert.Equal(t, "first", meta.Description)

	_, err = v.GetMetadata("MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVaultDelete(t *testing.T) {
	v, _, _ := testVault(t)

	require.NoError(t, v.Set("TEMP", "x", ""))
	require.NoError(t, v.Delete("TEMP"))

	_, err := v.Get("TEMP")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, v.Delete("TEMP"), ErrNotFound)
}

func TestVaultAllDecrypted(t *testing.T) {
	v, conn, _ := testVault(t)

	require.NoError(t, v.Set("A", "1", ""))
	require.NoError(t, v.Set("B", "2", ""))

	// A row the key cannot open must be skipped, not fail the whole set.
	_, err := conn.Exec(
		`INSERT INTO environment_variables (name, value) VALUES ('CORRUPT', 'bm90LXZhbGlkLWNpcGhlcnRleHQ=')`,
	)
	require.NoError(t, err)

	all, err := v.AllDecrypted()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, all)
}

func TestVaultKeyPersistsAcrossRestarts(t *testing.T) {
	v, conn, dir := testVault(t)
	require.NoError(t, v.Set("KEY", "stable", ""))

	reopened, err := New(conn, dir, zerolog.Nop())
	require.NoError(t, err)

	value, err := reopened.Get("KEY")
	require.NoError(t, err)
	assert.Equal(t, "stable", value)

	info, err := os.Stat(filepath.Join(dir, KeyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestVaultRejectsTruncatedKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName), []byte("short"), 0600))

	_, err := New(nil, dir, zerolog.Nop())
	assert.Error(t, err)
}
