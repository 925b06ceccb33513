package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lifecycle-registry.json"), []byte(`{"records":[]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "event-log.json"), []byte(`{"records":[]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("operator notes"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skipme.pdf"), []byte("%PDF"), 0o600))
	return dir
}

func TestBackupSnapshotsJSONAndTxtOnly(t *testing.T) {
	dir := seedDataDir(t)
	a, err := NewAgent(dir, Options{})
	require.NoError(t, err)

	man, path, err := a.Backup()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".json"))
	assert.False(t, man.Encrypted)

	paths := make([]string, 0, len(man.Files))
	for _, f := range man.Files {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "lifecycle-registry.json")
	assert.Contains(t, paths, "notes.txt")
	assert.NotContains(t, paths, "skipme.pdf")

	// The ledger file exists after the first backup and rides along in the
	// second snapshot.
	man, _, err = a.Backup()
	require.NoError(t, err)
	paths = paths[:0]
	for _, f := range man.Files {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, LedgerFile)
}

func TestVerifyBackupPlain(t *testing.T) {
	dir := seedDataDir(t)
	a, err := NewAgent(dir, Options{})
	require.NoError(t, err)
	_, path, err := a.Backup()
	require.NoError(t, err)

	report, err := VerifyBackup(path, "")
	require.NoError(t, err)
	assert.True(t, report.Valid, "issues: %v", report.Issues)
}

func TestVerifyBackupDetectsTamper(t *testing.T) {
	dir := seedDataDir(t)
	a, err := NewAgent(dir, Options{})
	require.NoError(t, err)
	_, path, err := a.Backup()
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var b bundle
	require.NoError(t, json.Unmarshal(raw, &b))
	b.Payload["event-log.json"] = `{"records":["forged"]}`
	tampered, err := json.MarshalIndent(b, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	report, err := VerifyBackup(path, "")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Issues)
}

func TestEncryptedBackupRoundTrip(t *testing.T) {
	dir := seedDataDir(t)
	a, err := NewAgent(dir, Options{Passphrase: "correct horse battery staple"})
	require.NoError(t, err)

	man, path, err := a.Backup()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".enc"))
	assert.True(t, man.Encrypted)

	report, err := VerifyBackup(path, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, report.Valid, "issues: %v", report.Issues)

	_, err = VerifyBackup(path, "wrong passphrase")
	assert.ErrorIs(t, err, ErrPassphrase)
}

func TestLedgerChainsEvents(t *testing.T) {
	dir := seedDataDir(t)
	a, err := NewAgent(dir, Options{})
	require.NoError(t, err)

	_, _, err = a.Backup()
	require.NoError(t, err)
	_, _, err = a.Backup()
	require.NoError(t, err)

	entries := a.Ledger()
	require.Len(t, entries, 2)
	assert.Equal(t, EventCreated, entries[0].Event)
	assert.Equal(t, entries[0].ChainHash, entries[1].PreviousChainHash)

	ok, issues := a.VerifyLedger()
	assert.True(t, ok, "issues: %v", issues)
}

func TestFailedBackupIsLedgered(t *testing.T) {
	dir := t.TempDir() // empty: nothing to snapshot
	a, err := NewAgent(dir, Options{})
	require.NoError(t, err)

	_, _, err = a.Backup()
	require.Error(t, err)

	entries := a.Ledger()
	require.Len(t, entries, 1)
	assert.Equal(t, EventFailed, entries[0].Event)
}

func TestRetentionPrunesOldBackups(t *testing.T) {
	dir := seedDataDir(t)
	a, err := NewAgent(dir, Options{Retention: time.Hour})
	require.NoError(t, err)
	_, path, err := a.Backup()
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	require.NoError(t, a.ApplyRetention())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries := a.Ledger()
	assert.Equal(t, EventPruned, entries[len(entries)-1].Event)
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	dir := seedDataDir(t)
	a, err := NewAgent(dir, Options{})
	require.NoError(t, err)
	_, _, err = a.Backup()
	require.NoError(t, err)

	reopened, err := NewAgent(dir, Options{})
	require.NoError(t, err)
	_, _, err = reopened.Backup()
	require.NoError(t, err)

	entries := reopened.Ledger()
	require.Len(t, entries, 2)
	ok, issues := reopened.VerifyLedger()
	assert.True(t, ok, "issues: %v", issues)
}
