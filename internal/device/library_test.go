package device

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSilence writes a wav file holding ms of silence.
func writeSilence(t *testing.T, path string, ms int) {
	t.Helper()
	format := beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, wav.Encode(f, beep.Silence(format.SampleRate.N(time.Duration(ms)*time.Millisecond)), format))
}

func TestScanLibrary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Album"), 0o755))
	writeSilence(t, filepath.Join(dir, "Album", "Song.wav"), 1000)
	writeSilence(t, filepath.Join(dir, "Album", "Short.WAV"), 250)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.mp3"), make([]byte, 64), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.wav"), nil, 0o644))

	tracks, err := ScanLibrary(dir)
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	byName := map[string]int64{}
	for _, tr := range tracks {
		assert.Equal(t, "Album", tr.Album)
		assert.Contains(t, tr.URI, "file://")
		byName[tr.Name] = tr.Duration
	}
	assert.EqualValues(t, 1000, byName["Song"])
	assert.EqualValues(t, 250, byName["Short"])
	assert.Less(t, tracks[0].URI, tracks[1].URI)
}

func TestTrackLengthRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cover.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))
	_, err := trackLength(path)
	assert.Error(t, err)
}

func TestScanLibraryMissingDir(t *testing.T) {
	_, err := ScanLibrary(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
