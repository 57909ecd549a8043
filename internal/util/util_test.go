package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{4}, r.Filter(func(v int) bool { return v%2 == 0 }))

	r.Reset()
	assert.Empty(t, r.Snapshot())
	r.Push(9)
	assert.Equal(t, []int{9}, r.Snapshot())
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("peer", "data.db"), ResolvePath("peer", "data.db"))
	abs := filepath.Join(string(filepath.Separator), "tmp", "x")
	assert.Equal(t, abs, ResolvePath("peer", abs))
}

func TestValidateLabel(t *testing.T) {
	got, err := ValidateLabel("  Ana  ")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got)

	_, err = ValidateLabel("   ")
	assert.Error(t, err)
	_, err = ValidateLabel("a\nb")
	assert.Error(t, err)
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}

func TestAbsDiff(t *testing.T) {
	assert.EqualValues(t, 5, AbsDiff(10, 5))
	assert.EqualValues(t, 5, AbsDiff(5, 10))
}
