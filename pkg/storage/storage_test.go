package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_SaveReplay(t *testing.T) {
	s := NewStorage(t.TempDir())

	path, err := s.SaveReplay("match/../1", map[string]int{"turns": 3})
	require.NoError(t, err)
	assert.Equal(t, "replays/match____1.json", path)
	assert.Equal(t, "/storage/replays/match____1.json", s.GetFileURL(path))

	data, err := s.Open(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 3, got["turns"])

	require.NoError(t, s.DeleteFile(path))
	_, err = s.Open(path)
	assert.Error(t, err)
}

func TestStorage_SaveFile(t *testing.T) {
	s := NewStorage(t.TempDir())

	a, err := s.SaveFile("exports", ".json", []byte("{}"))
	require.NoError(t, err)
	b, err := s.SaveFile("exports", ".json", []byte("{}"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
