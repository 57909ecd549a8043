package device

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/together/internal/proto"
)

var lib = []proto.Track{
	{URI: "u:a", Name: "A", Artist: "X", Duration: 10000},
	{URI: "u:b", Name: "B", Artist: "Y", Duration: 20000},
	{URI: "u:c", Name: "C", Artist: "Z", Duration: 30000},
}

func drain(s *Sim) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSimLoadAndProgress(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim(clk, lib)

	_, ok := s.Current()
	assert.False(t, ok)
	assert.ErrorIs(t, s.Play(), ErrNoItem)

	require.NoError(t, s.LoadAndPlay("u:b", 5000))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "u:b", cur.URI)
	assert.True(t, s.IsPlaying())

	clk.Add(1500 * time.Millisecond)
	assert.EqualValues(t, 6500, s.Progress())

	require.NoError(t, s.Pause())
	clk.Add(time.Second)
	assert.EqualValues(t, 6500, s.Progress())

	evs := drain(s)
	require.Len(t, evs, 3)
	assert.Equal(t, ItemChanged, evs[0].Kind)
	assert.Equal(t, "u:b", evs[0].Item.URI)
	assert.Equal(t, PlayPauseChanged, evs[1].Kind)
	assert.True(t, evs[1].IsPlaying)
	assert.False(t, evs[2].IsPlaying)
}

func TestSimSeekClamps(t *testing.T) {
	s := NewSim(clock.NewMock(), lib)
	require.NoError(t, s.LoadAndPlay("u:a", 0))
	require.NoError(t, s.Seek(99999))
	assert.EqualValues(t, 10000, s.Progress())
	require.NoError(t, s.Seek(-5))
	assert.EqualValues(t, 0, s.Progress())

	evs := drain(s)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, Progress, last.Kind)
	assert.EqualValues(t, 0, last.Position)
}

func TestSimRejectAndUnknown(t *testing.T) {
	s := NewSim(clock.NewMock(), lib)
	assert.ErrorIs(t, s.LoadAndPlay("u:nope", 0), ErrUnknownItem)

	s.Reject("u:a")
	assert.ErrorIs(t, s.LoadAndPlay("u:a", 0), ErrUnknownItem)
	s.Allow("u:a")
	assert.NoError(t, s.LoadAndPlay("u:a", 0))
}

func TestSimNextBack(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim(clk, lib)
	require.NoError(t, s.LoadAndPlay("u:a", 0))
	require.NoError(t, s.Next())
	cur, _ := s.Current()
	assert.Equal(t, "u:b", cur.URI)

	clk.Add(4 * time.Second)
	require.NoError(t, s.Back())
	cur, _ = s.Current()
	assert.Equal(t, "u:b", cur.URI, "late back restarts the item")
	assert.EqualValues(t, 0, s.Progress())

	require.NoError(t, s.Back())
	cur, _ = s.Current()
	assert.Equal(t, "u:a", cur.URI)

	require.NoError(t, s.LoadAndPlay("u:c", 0))
	assert.ErrorIs(t, s.Next(), ErrNoItem)
}

func TestSimAutoAdvance(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim(clk, lib)
	require.NoError(t, s.LoadAndPlay("u:a", 8000))
	drain(s)

	clk.Add(2500 * time.Millisecond)
	require.Eventually(t, func() bool {
		cur, _ := s.Current()
		return cur.URI == "u:b"
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsPlaying())
}

func TestSimVolume(t *testing.T) {
	s := NewSim(clock.NewMock(), nil)
	require.NoError(t, s.SetVolume(30))
	assert.Equal(t, 30, s.Volume())
	assert.Error(t, s.SetVolume(101))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
