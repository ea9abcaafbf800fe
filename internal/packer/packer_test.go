package packer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gotest.tools/assert"

	"github.com/twoears/hcomb/pkg/nprand"
)

func scenes(lengths ...int) []Sequence {
	out := make([]Sequence, len(lengths))
	for i, n := range lengths {
		out[i] = Sequence{
			ID:       string(rune('a' + i)),
			Frames:   n,
			Location: "/data/" + string(rune('a'+i)) + ".npz",
		}
	}
	return out
}

func TestBalancerScenario(t *testing.T) {
	seqs := scenes(120, 80, 200)
	b := newBalancer(2)
	for _, i := range []int{2, 0, 1} {
		b.assign(i, seqs[i].Frames)
	}
	assert.DeepEqual(t, b.rows, [][]int{{2}, {0, 1}})

	p := cut(seqs, b.rows, 150)
	assert.Equal(t, p.TotalFrames, 400)
	assert.Equal(t, p.Discarded, 100)
	want := []Clip{
		{Row: 0, Slices: []Slice{{Sequence: 2, Location: "/data/c.npz", Start: 0, End: 150}}},
		{Row: 1, Slices: []Slice{
			{Sequence: 0, Location: "/data/a.npz", Start: 0, End: 120},
			{Sequence: 1, Location: "/data/b.npz", Start: 0, End: 30},
		}},
	}
	if diff := cmp.Diff(want, p.Clips); diff != "" {
		t.Fatalf("unexpected clips (-want +got):\n%s", diff)
	}
	assert.Equal(t, p.Clips[1].Descriptor(), "/data/a.npz&0&120@/data/b.npz&0&30")
}

func TestPackTrainScenario(t *testing.T) {
	seqs := scenes(120, 80, 200)
	p, err := PackTrain(seqs, Config{Rows: 2, Passes: 1, ClipFrames: 150}, nprand.New(0))
	require.NoError(t, err)
	require.Len(t, p.Clips, 2)
	for _, c := range p.Clips {
		assert.Equal(t, c.Frames(), 150)
	}
	assert.Equal(t, p.Discarded, 100)

	var assigned []int
	for _, row := range p.Rows {
		assigned = append(assigned, row...)
	}
	assert.Equal(t, len(assigned), 3)
}

func TestPackTrainClipCount(t *testing.T) {
	seqs := scenes(37, 410, 5, 98, 260, 133, 71)
	var total int
	for _, s := range seqs {
		total += s.Frames
	}
	for _, cfg := range []Config{
		{Rows: 1, Passes: 1, ClipFrames: 50},
		{Rows: 3, Passes: 2, ClipFrames: 64},
		{Rows: 4, Passes: 5, ClipFrames: 100},
		{Rows: 16, Passes: 3, ClipFrames: 1000},
		{Rows: 2, Passes: 1, ClipFrames: 5000},
	} {
		p, err := PackTrain(seqs, cfg, nprand.New(11))
		require.NoError(t, err)
		L := cfg.Passes * total
		assert.Equal(t, p.TotalFrames, L)
		assert.Equal(t, len(p.Clips), L/cfg.ClipFrames, "%+v", cfg)
		assert.Equal(t, p.Discarded, L%cfg.ClipFrames)

		// Every sequence appears once per pass.
		counts := map[int]int{}
		for _, row := range p.Rows {
			for _, i := range row {
				counts[i]++
			}
		}
		for i := range seqs {
			assert.Equal(t, counts[i], cfg.Passes)
		}
		for _, c := range p.Clips {
			assert.Equal(t, c.Frames(), cfg.ClipFrames)
			for _, s := range c.Slices {
				assert.Assert(t, s.Start >= 0 && s.End <= seqs[s.Sequence].Frames && s.Start < s.End)
			}
		}
	}
}

func TestLongSequenceSpansClips(t *testing.T) {
	seqs := scenes(1000)
	p, err := PackTrain(seqs, Config{Rows: 1, Passes: 1, ClipFrames: 300}, nprand.New(1))
	require.NoError(t, err)
	require.Len(t, p.Clips, 3)
	for k, c := range p.Clips {
		require.Len(t, c.Slices, 1)
		assert.Equal(t, c.Slices[0].Start, 300*k)
		assert.Equal(t, c.Slices[0].End, 300*(k+1))
	}
	assert.Equal(t, p.Discarded, 100)
}

func TestClipContinuesInNextRow(t *testing.T) {
	seqs := scenes(100, 250)
	rows := [][]int{{0}, {1}}
	p := cut(seqs, rows, 110)
	require.Len(t, p.Clips, 3)
	// Row 0 has 100 frames, so its first clip borrows 10 from row 1.
	assert.DeepEqual(t, p.Clips[0].Slices, []Slice{
		{Sequence: 0, Location: "/data/a.npz", Start: 0, End: 100},
		{Sequence: 1, Location: "/data/b.npz", Start: 0, End: 10},
	})
	assert.Equal(t, p.Clips[1].Row, 1)
	assert.DeepEqual(t, p.Clips[1].Slices, []Slice{
		{Sequence: 1, Location: "/data/b.npz", Start: 10, End: 120},
	})
	assert.Equal(t, p.Clips[2].Row, 1)
	assert.DeepEqual(t, p.Clips[2].Slices, []Slice{
		{Sequence: 1, Location: "/data/b.npz", Start: 120, End: 230},
	})
}

func TestPackTrainReproducible(t *testing.T) {
	seqs := scenes(37, 410, 5, 98, 260, 133, 71)
	cfg := Config{Rows: 3, Passes: 4, ClipFrames: 90}
	a, err := PackTrain(seqs, cfg, nprand.New(5))
	require.NoError(t, err)
	b, err := PackTrain(seqs, cfg, nprand.New(5))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPackValidation(t *testing.T) {
	seqs := scenes(120, 80, 200, 40)
	clips, err := PackValidation(seqs, 2)
	require.NoError(t, err)
	require.Len(t, clips, len(seqs))
	for i, c := range clips {
		require.Len(t, c.Slices, 1)
		assert.Equal(t, c.Slices[0].Sequence, i)
		assert.Equal(t, c.Slices[0].Start, 0)
		assert.Equal(t, c.Slices[0].End, seqs[i].Frames)
	}
	rows := make([]int, len(clips))
	for i, c := range clips {
		rows[i] = c.Row
	}
	assert.DeepEqual(t, rows, []int{0, 1, 1, 0})
	assert.DeepEqual(t, Descriptors(clips[:2]), []string{"/data/a.npz&0&120", "/data/b.npz&0&80"})
}

func TestInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Rows: 0, Passes: 1, ClipFrames: 10},
		{Rows: 1, Passes: 0, ClipFrames: 10},
		{Rows: 1, Passes: 1, ClipFrames: 0},
	} {
		_, err := PackTrain(scenes(10), cfg, nprand.New(0))
		require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
	}
	_, err := PackTrain(scenes(10, 0), Config{Rows: 1, Passes: 1, ClipFrames: 5}, nprand.New(0))
	require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
	_, err = PackValidation(scenes(10), 0)
	require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
}
