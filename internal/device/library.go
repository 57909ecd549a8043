package device

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"github.com/petervdpas/together/internal/proto"
)

// decode opens an audio file by extension.
func decode(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return mp3.Decode(f)
	case ".wav":
		return wav.Decode(f)
	default:
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("%s: unsupported format", filepath.Base(path))
	}
}

// trackLength decodes the file far enough to know how many samples it holds.
func trackLength(path string) (time.Duration, error) {
	streamer, format, err := decode(path)
	if err != nil {
		return 0, err
	}
	defer streamer.Close()

	n := streamer.Len()
	if n <= 0 || format.SampleRate <= 0 {
		return 0, fmt.Errorf("%s: no audio", filepath.Base(path))
	}
	return format.SampleRate.D(n), nil
}

func playable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav":
		return true
	}
	return false
}

// ScanLibrary returns a track for every readable mp3 or wav under dir,
// ordered by path. The file URI doubles as the item reference.
func ScanLibrary(dir string) ([]proto.Track, error) {
	var out []proto.Track
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !playable(path) {
			return nil
		}
		length, lerr := trackLength(path)
		if lerr != nil {
			log.Debugf("skipping %s: %v", path, lerr)
			return nil
		}
		abs, _ := filepath.Abs(path)
		album := filepath.Base(filepath.Dir(abs))
		out = append(out, proto.Track{
			URI:      "file://" + filepath.ToSlash(abs),
			Name:     strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Album:    album,
			Duration: length.Milliseconds(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan library %s: %w", dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}
