package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Engine  string   `json:"engine"`
	Records []string `json:"records"`
}

func TestLoadMissingFile(t *testing.T) {
	f := NewFile(t.TempDir(), "missing.json")
	var doc testDoc
	found, err := f.Load(&doc)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWriteThenLoad(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir, "state.json")
	require.NoError(t, f.Write(testDoc{Engine: "doc-engine", Records: []string{"a", "b"}}))

	var doc testDoc
	found, err := f.Load(&doc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "doc-engine", doc.Engine)
	assert.Equal(t, []string{"a", "b"}, doc.Records)
}

func TestWriteCreatesNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".doc-engine")
	f := NewFile(dir, "state.json")
	require.NoError(t, f.Write(testDoc{Engine: "x"}))
	_, err := os.Stat(f.Path())
	require.NoError(t, err)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir, "state.json")
	require.NoError(t, f.Write(testDoc{Engine: "x"}))
	_, err := os.Stat(f.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir, "state.json")
	require.NoError(t, os.WriteFile(f.Path(), []byte("{not json"), 0600))
	var doc testDoc
	_, err := f.Load(&doc)
	assert.Error(t, err)
}
