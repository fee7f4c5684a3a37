// Package cpcv generates combinatorial purged cross-validation folds over a
// bar series.
//
// The series is cut into NGroups contiguous groups of near-equal size. Every
// combination of KTest groups becomes one fold's test set; the remaining
// bars, minus a purge window around each test segment, form the training
// set.
package cpcv

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// ErrNotEnoughBars is returned when the series has fewer bars than groups
var ErrNotEnoughBars = errors.New("cpcv: not enough bars")

// Config controls fold generation. HorizonBars is the label lookahead;
// training bars within HorizonBars+PurgeBars before a test segment or
// HorizonBars+EmbargoBars after it are dropped.
type Config struct {
	NGroups     int `json:"n_groups"`
	KTest       int `json:"k_test"`
	HorizonBars int `json:"horizon_bars"`
	PurgeBars   int `json:"purge_bars"`
	EmbargoBars int `json:"embargo_bars"`
}

// Validate reports every problem with c
func (c Config) Validate() error {
	var errs []error
	if c.NGroups < 2 {
		errs = append(errs, errors.New("n_groups must be >= 2"))
	}
	if c.KTest < 1 || c.KTest >= c.NGroups {
		errs = append(errs, errors.New("k_test must be >= 1 and < n_groups"))
	}
	if c.HorizonBars < 0 || c.PurgeBars < 0 || c.EmbargoBars < 0 {
		errs = append(errs, errors.New("horizon_bars, purge_bars and embargo_bars must be >= 0"))
	}
	return errors.Join(errs...)
}

// Segment is an inclusive index range with its bar timestamps
type Segment struct {
	StartIdx int   `json:"start_idx"`
	EndIdx   int   `json:"end_idx"`
	StartTs  int64 `json:"start_ts"`
	EndTs    int64 `json:"end_ts"`
}

// Len is the number of bars in the segment
func (s Segment) Len() int {
	return s.EndIdx - s.StartIdx + 1
}

// Fold is one train/test split
type Fold struct {
	ID         int       `json:"fold_id"`
	TestGroups []int     `json:"test_groups"`
	Train      []Segment `json:"train_segments"`
	Test       []Segment `json:"test_segments"`
}

// Result holds the groups and every fold, ordered by fold ID
type Result struct {
	TotalBars int      `json:"total_bars"`
	Groups    [][2]int `json:"groups"`
	Folds     []Fold   `json:"folds"`
}

// Generate builds C(NGroups, KTest) folds over bars, which must already be
// sorted by timestamp.
func Generate(bars []types.Bar, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cpcv: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: cannot split 0 bars", ErrNotEnoughBars)
	}
	if len(bars) < cfg.NGroups {
		return nil, fmt.Errorf("%w: bars=%d n_groups=%d", ErrNotEnoughBars, len(bars), cfg.NGroups)
	}

	groups := partitionGroups(len(bars), cfg.NGroups)
	combos := Combinations(cfg.NGroups, cfg.KTest)

	folds := make([]Fold, 0, len(combos))
	for id, testGroups := range combos {
		ranges := make([][2]int, len(testGroups))
		for i, g := range testGroups {
			ranges[i] = groups[g]
		}
		ranges = mergeRanges(ranges)
		folds = append(folds, Fold{
			ID:         id,
			TestGroups: testGroups,
			Train:      segments(bars, trainRanges(len(bars), ranges, cfg)),
			Test:       segments(bars, ranges),
		})
	}

	return &Result{TotalBars: len(bars), Groups: groups, Folds: folds}, nil
}

// Combinations lists every k-subset of [0, n) in lexicographic order
func Combinations(n, k int) [][]int {
	if k <= 0 || k > n {
		return nil
	}
	var out [][]int
	cur := make([]int, k)
	for i := range cur {
		cur[i] = i
	}
	for {
		out = append(out, append([]int(nil), cur...))

		i := k - 1
		for i >= 0 && cur[i] == i+n-k {
			i--
		}
		if i < 0 {
			return out
		}
		cur[i]++
		for j := i + 1; j < k; j++ {
			cur[j] = cur[j-1] + 1
		}
	}
}

// partitionGroups splits [0, total) into n inclusive ranges
func partitionGroups(total, n int) [][2]int {
	out := make([][2]int, n)
	for g := range n {
		out[g] = [2]int{g * total / n, (g+1)*total/n - 1}
	}
	return out
}

// mergeRanges sorts and joins ranges that touch or overlap
func mergeRanges(ranges [][2]int) [][2]int {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
	var out [][2]int
	for _, r := range ranges {
		if n := len(out); n > 0 && r[0] <= out[n-1][1]+1 {
			out[n-1][1] = max(out[n-1][1], r[1])
			continue
		}
		out = append(out, r)
	}
	return out
}

// trainRanges returns the maximal runs of bars that are neither in a test
// range nor inside its purge window
func trainRanges(total int, test [][2]int, cfg Config) [][2]int {
	blocked := make([]bool, total)
	left := min(cfg.HorizonBars+cfg.PurgeBars, total-1)
	right := min(cfg.HorizonBars+cfg.EmbargoBars, total-1)
	for _, r := range test {
		for i := max(r[0]-left, 0); i <= min(r[1]+right, total-1); i++ {
			blocked[i] = true
		}
	}

	var out [][2]int
	start := -1
	for i, b := range blocked {
		switch {
		case !b && start < 0:
			start = i
		case b && start >= 0:
			out = append(out, [2]int{start, i - 1})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, [2]int{start, total - 1})
	}
	return out
}

func segments(bars []types.Bar, ranges [][2]int) []Segment {
	out := make([]Segment, len(ranges))
	for i, r := range ranges {
		out[i] = Segment{
			StartIdx: r[0],
			EndIdx:   r[1],
			StartTs:  bars[r[0]].Timestamp,
			EndTs:    bars[r[1]].Timestamp,
		}
	}
	return out
}
