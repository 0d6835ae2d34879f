package segment

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/tundradb/tundra/pkg/frame"
)

// FieldStats summarises one field for filter push-down: min/max, a unique
// count (exact below a threshold, HyperLogLog above it), a sorted flag and
// whether any position is unpopulated.
type FieldStats struct {
	MinNum      *float64 `json:"min_num,omitempty"`
	MaxNum      *float64 `json:"max_num,omitempty"`
	MinStr      *string  `json:"min_str,omitempty"`
	MaxStr      *string  `json:"max_str,omitempty"`
	UniqueCount uint64   `json:"unique_count"`
	UniqueExact bool     `json:"unique_exact"`
	Sorted      bool     `json:"sorted"`
	HasNulls    bool     `json:"has_nulls"`
}

// exactUniqueLimit is where unique counting switches from a map to HLL
const exactUniqueLimit = 4096

// ComputeStats scans a column once and produces its statistics
func ComputeStats(c *frame.Column) *FieldStats {
	stats := &FieldStats{Sorted: true, UniqueExact: true}
	n := c.Len()

	seen := make(map[uint64]struct{}, 64)
	var hll hyperLogLog
	useHLL := false

	var prev float64
	var prevStr string
	first := true

	for i := 0; i < n; i++ {
		if c.IsNull(i) {
			stats.HasNulls = true
			continue
		}

		var h uint64
		if c.Type == frame.String {
			s := c.Strs[i]
			h = xxhash.Sum64String(s)
			if stats.MinStr == nil || s < *stats.MinStr {
				v := s
				stats.MinStr = &v
			}
			if stats.MaxStr == nil || s > *stats.MaxStr {
				v := s
				stats.MaxStr = &v
			}
			if !first && s < prevStr {
				stats.Sorted = false
			}
			prevStr = s
		} else {
			v := c.Float(i)
			var raw [8]byte
			binary.LittleEndian.PutUint64(raw[:], math.Float64bits(v))
			h = xxhash.Sum64(raw[:])
			if stats.MinNum == nil || v < *stats.MinNum {
				x := v
				stats.MinNum = &x
			}
			if stats.MaxNum == nil || v > *stats.MaxNum {
				x := v
				stats.MaxNum = &x
			}
			if !first && v < prev {
				stats.Sorted = false
			}
			prev = v
		}
		first = false

		if useHLL {
			hll.add(h)
			continue
		}
		seen[h] = struct{}{}
		if len(seen) > exactUniqueLimit {
			useHLL = true
			stats.UniqueExact = false
			for s := range seen {
				hll.add(s)
			}
			seen = nil
		}
	}

	if useHLL {
		stats.UniqueCount = hll.estimate()
	} else {
		stats.UniqueCount = uint64(len(seen))
	}
	return stats
}

// Merge folds another slice's stats into s. Min/max and flags combine
// exactly; the unique count degrades to an upper bound, so the exact
// flag drops.
func (s *FieldStats) Merge(o *FieldStats) {
	if o.MinNum != nil && (s.MinNum == nil || *o.MinNum < *s.MinNum) {
		s.MinNum = o.MinNum
	}
	if o.MaxNum != nil && (s.MaxNum == nil || *o.MaxNum > *s.MaxNum) {
		s.MaxNum = o.MaxNum
	}
	if o.MinStr != nil && (s.MinStr == nil || *o.MinStr < *s.MinStr) {
		s.MinStr = o.MinStr
	}
	if o.MaxStr != nil && (s.MaxStr == nil || *o.MaxStr > *s.MaxStr) {
		s.MaxStr = o.MaxStr
	}
	s.UniqueCount += o.UniqueCount
	s.UniqueExact = false
	s.Sorted = s.Sorted && o.Sorted
	s.HasNulls = s.HasNulls || o.HasNulls
}

// hyperLogLog is a fixed-precision (p=8, 256 registers) cardinality sketch
type hyperLogLog struct {
	registers [256]uint8
}

func (h *hyperLogLog) add(hash uint64) {
	idx := hash >> 56
	rest := hash<<8 | 0x80 // sentinel bit keeps rank bounded
	rank := uint8(1)
	for rest&(1<<63) == 0 {
		rank++
		rest <<= 1
	}
	if rank > h.registers[idx] {
		h.registers[idx] = rank
	}
}

func (h *hyperLogLog) estimate() uint64 {
	const m = 256.0
	const alpha = 0.7182725932495458 // alpha_m for m=256

	sum := 0.0
	zeros := 0
	for _, r := range h.registers {
		sum += 1.0 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}
	est := alpha * m * m / sum
	if est <= 2.5*m && zeros != 0 {
		est = m * math.Log(m/float64(zeros))
	}
	return uint64(est + 0.5)
}
