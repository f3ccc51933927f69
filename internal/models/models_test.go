package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoadsExistingCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"updatedAt":"2026-01-01T00:00:00Z","models":[{"id":"gemini-2.5-flash","displayName":"Gemini 2.5 Flash","contextWindow":1000000,"family":"gemini"}]}`), 0o644))

	s := New(path)
	cat := s.Get()
	require.Len(t, cat.Models, 1)
	m, ok := cat.Lookup("gemini-2.5-flash")
	require.True(t, ok)
	assert.Equal(t, "gemini", m.Family)
}

func TestNewMissingFileYieldsEmptyCatalog(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"))
	assert.Empty(t, s.Get().Models)
}

func TestSaveThenReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	s := New(path)

	require.NoError(t, s.Save(&Catalog{Models: []Model{{ID: "claude-opus-4", Family: "anthropic"}}}))
	assert.Len(t, s.Get().Models, 1)

	s.Reload()
	m, ok := s.Get().Lookup("claude-opus-4")
	require.True(t, ok)
	assert.Equal(t, "anthropic", m.Family)
}

func TestReloadOnCorruptFileKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	s := New(path)
	require.NoError(t, s.Save(&Catalog{Models: []Model{{ID: "gpt-5"}}}))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s.Reload()

	m, ok := s.Get().Lookup("gpt-5")
	require.True(t, ok)
	_ = m
}
