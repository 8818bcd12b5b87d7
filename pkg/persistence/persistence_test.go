package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "tok:1", "engine")

	in := payload{Name: "hello", Value: 0.53}
	require.NoError(t, store.Save(&in))

	var out payload
	require.NoError(t, store.Load(&out))
	assert.Equal(t, in, out)
}

func TestLoadNotExists(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "x", "y")

	var out payload
	assert.ErrorIs(t, store.Load(&out), ErrNotExists)
}

func TestLoadCorrupted(t *testing.T) {
	dir := t.TempDir()
	svc := NewJSONFileService(dir)
	store := svc.NewStore("state", "x", "y")

	require.NoError(t, store.Save(&payload{}))
	// 破坏文件内容
	path := filepath.Join(dir, "state_x_y.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	var out payload
	assert.ErrorIs(t, store.Load(&out), ErrCorrupted)
}

func TestLoadEmptyFile(t *testing.T) {
	dir := t.TempDir()
	svc := NewJSONFileService(dir)
	store := svc.NewStore("state", "x", "y")

	require.NoError(t, store.Save(&payload{}))
	path := filepath.Join(dir, "state_x_y.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	var out payload
	assert.ErrorIs(t, store.Load(&out), ErrNotExists)
}

func TestDelete(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "x", "y")

	require.NoError(t, store.Save(&payload{Name: "gone"}))
	require.NoError(t, store.Delete())

	var out payload
	assert.ErrorIs(t, store.Load(&out), ErrNotExists)

	// 重复删除静默成功
	assert.NoError(t, store.Delete())
}
