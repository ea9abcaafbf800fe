// Package packer lays variable-length sequences out in parallel batch rows and cuts the rows into
// fixed-length clips. Row loads are balanced greedily with a min-heap.
package packer

import (
	"strconv"
	"strings"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/pkg/errors"

	"github.com/twoears/hcomb/pkg/check"
	"github.com/twoears/hcomb/pkg/nprand"
)

// ErrInvalidConfig is returned for a packing request that cannot be satisfied.
var ErrInvalidConfig = errors.New("invalid packing config")

// Sequence is one labeled scene instance.
type Sequence struct {
	ID       string `json:"id" yaml:"id"`
	Frames   int    `json:"frames" yaml:"frames"`
	Location string `json:"location" yaml:"location"`
}

// Config configures a packing.
type Config struct {
	// Rows is the number of parallel batch positions.
	Rows int `json:"rows"`
	// Passes is the number of shuffled passes over the sequences in training mode.
	Passes int `json:"passes"`
	// ClipFrames is the length of every training clip.
	ClipFrames int `json:"clip_frames"`
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	return []error{
		check.GreaterThan(c.Rows, 0, "rows must be positive"),
		check.GreaterThan(c.Passes, 0, "passes must be positive"),
		check.GreaterThan(c.ClipFrames, 0, "clip_frames must be positive"),
	}
}

// Slice is the half-open frame range [Start, End) of one sequence.
type Slice struct {
	Sequence int    `json:"sequence"`
	Location string `json:"location"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Frames is the slice length.
func (s Slice) Frames() int { return s.End - s.Start }

// Clip is one batch element: a list of slices cut from a row.
type Clip struct {
	Row    int     `json:"row"`
	Slices []Slice `json:"slices"`
}

// Frames is the total clip length.
func (c Clip) Frames() int {
	var n int
	for _, s := range c.Slices {
		n += s.Frames()
	}
	return n
}

// Descriptor encodes the clip for the data loader as location&start&end slices joined by '@'.
func (c Clip) Descriptor() string {
	parts := make([]string, len(c.Slices))
	for i, s := range c.Slices {
		parts[i] = strings.Join(
			[]string{s.Location, strconv.Itoa(s.Start), strconv.Itoa(s.End)}, "&")
	}
	return strings.Join(parts, "@")
}

// Packing is the result of PackTrain.
type Packing struct {
	// Rows holds the sequence indices assigned to each row, in order.
	Rows  [][]int `json:"rows"`
	Clips []Clip  `json:"clips"`
	// TotalFrames is the frame count over all rows.
	TotalFrames int `json:"total_frames"`
	// Discarded is the remainder shorter than one clip that is dropped.
	Discarded int `json:"discarded"`
}

// rowLoad is a heap entry. Ties on load pop the lower row first.
type rowLoad struct {
	load int
	row  int
}

func byLoadThenRow(a, b interface{}) int {
	x, y := a.(rowLoad), b.(rowLoad)
	switch {
	case x.load != y.load:
		if x.load < y.load {
			return -1
		}
		return 1
	case x.row < y.row:
		return -1
	case x.row > y.row:
		return 1
	default:
		return 0
	}
}

// balancer hands each sequence to the least loaded row.
type balancer struct {
	heap *binaryheap.Heap
	rows [][]int
}

func newBalancer(rows int) *balancer {
	b := &balancer{heap: binaryheap.NewWith(byLoadThenRow), rows: make([][]int, rows)}
	for r := 0; r < rows; r++ {
		b.heap.Push(rowLoad{row: r})
	}
	return b
}

func (b *balancer) assign(seq, frames int) int {
	v, _ := b.heap.Pop()
	least := v.(rowLoad)
	b.rows[least.row] = append(b.rows[least.row], seq)
	b.heap.Push(rowLoad{load: least.load + frames, row: least.row})
	return least.row
}

func validate(seqs []Sequence, cfg Config) error {
	if err := check.Validate(cfg); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	for _, s := range seqs {
		if s.Frames <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "sequence %q has %d frames", s.ID, s.Frames)
		}
	}
	return nil
}

// AssignRows runs cfg.Passes shuffled passes over seqs, each sequence going to the currently
// least loaded row.
func AssignRows(seqs []Sequence, cfg Config, rand *nprand.State) ([][]int, error) {
	if err := validate(seqs, cfg); err != nil {
		return nil, err
	}
	b := newBalancer(cfg.Rows)
	order := make([]int, len(seqs))
	for pass := 0; pass < cfg.Passes; pass++ {
		for i := range order {
			order[i] = i
		}
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			b.assign(i, seqs[i].Frames)
		}
	}
	return b.rows, nil
}

// PackTrain assigns rows and cuts them into clips of exactly cfg.ClipFrames frames. Clips are
// emitted round-robin over the rows. A clip that reaches the end of its row continues in the
// next row that still has frames. Exactly TotalFrames / ClipFrames clips are emitted and the
// remainder is discarded.
func PackTrain(seqs []Sequence, cfg Config, rand *nprand.State) (Packing, error) {
	rows, err := AssignRows(seqs, cfg, rand)
	if err != nil {
		return Packing{}, err
	}
	return cut(seqs, rows, cfg.ClipFrames), nil
}

type cursor struct {
	pos, offset int
}

func cut(seqs []Sequence, rows [][]int, clipFrames int) Packing {
	p := Packing{Rows: rows}
	for _, row := range rows {
		for _, i := range row {
			p.TotalFrames += seqs[i].Frames
		}
	}
	n := p.TotalFrames / clipFrames
	p.Discarded = p.TotalFrames - n*clipFrames
	p.Clips = make([]Clip, 0, n)

	cursors := make([]cursor, len(rows))
	exhausted := func(r int) bool { return cursors[r].pos >= len(rows[r]) }
	// next returns the first row at or after r with frames left.
	next := func(r int) int {
		for k := 0; k < len(rows); k++ {
			if c := (r + k) % len(rows); !exhausted(c) {
				return c
			}
		}
		panic("packer: ran out of frames before the last full clip")
	}

	start := 0
	for k := 0; k < n; k++ {
		start = next(start)
		clip := Clip{Row: start}
		need, r := clipFrames, start
		for need > 0 {
			r = next(r)
			cur := &cursors[r]
			seq := rows[r][cur.pos]
			take := seqs[seq].Frames - cur.offset
			if take > need {
				take = need
			}
			clip.Slices = append(clip.Slices, Slice{
				Sequence: seq,
				Location: seqs[seq].Location,
				Start:    cur.offset,
				End:      cur.offset + take,
			})
			cur.offset += take
			need -= take
			if cur.offset == seqs[seq].Frames {
				cur.pos, cur.offset = cur.pos+1, 0
			}
		}
		p.Clips = append(p.Clips, clip)
		start = (start + 1) % len(rows)
	}
	return p
}

// PackValidation keeps the listed order and emits one whole-sequence clip per sequence, so every
// frame is evaluated exactly once. Rows are still balanced so the batch positions finish together.
func PackValidation(seqs []Sequence, rows int) ([]Clip, error) {
	if err := validate(seqs, Config{Rows: rows, Passes: 1, ClipFrames: 1}); err != nil {
		return nil, err
	}
	b := newBalancer(rows)
	clips := make([]Clip, len(seqs))
	for i, s := range seqs {
		clips[i] = Clip{
			Row:    b.assign(i, s.Frames),
			Slices: []Slice{{Sequence: i, Location: s.Location, End: s.Frames}},
		}
	}
	return clips, nil
}

// Descriptors returns the descriptor of every clip.
func Descriptors(clips []Clip) []string {
	out := make([]string, len(clips))
	for i, c := range clips {
		out[i] = c.Descriptor()
	}
	return out
}
