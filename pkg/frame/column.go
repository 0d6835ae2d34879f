// Package frame provides the logical, in-memory representation of tabular
// data: typed columns with validity bitmaps, assembled into row-aligned
// frames keyed by an index column.
package frame

import (
	"math"

	"github.com/tundradb/tundra/pkg/errors"
)

// DType is the data type of a column
type DType uint8

const (
	// Int64 is a signed 64-bit integer column
	Int64 DType = iota
	// Float64 is an IEEE-754 double column
	Float64
	// Bool is a boolean column
	Bool
	// String is a UTF-8 string column
	String
	// Timestamp is a nanosecond epoch column
	Timestamp
)

// String returns the type name
func (t DType) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Timestamp:
		return "timestamp"
	}
	return "unknown"
}

// Numeric reports whether the type participates in arithmetic
func (t DType) Numeric() bool {
	return t == Int64 || t == Float64 || t == Timestamp
}

// Column is a typed value vector with an optional validity bitmap. A nil
// bitmap means every position is populated. Absent positions read back as
// the type's null sentinel: 0, NaN, false or "".
type Column struct {
	Name string
	Type DType

	Ints   []int64 // Int64 and Timestamp
	Floats []float64
	Bools  []bool
	Strs   []string

	valid []uint64 // 1 bit per row, nil when dense
}

// NewInt64 builds a dense int64 column
func NewInt64(name string, values []int64) *Column {
	return &Column{Name: name, Type: Int64, Ints: values}
}

// NewFloat64 builds a dense float64 column
func NewFloat64(name string, values []float64) *Column {
	return &Column{Name: name, Type: Float64, Floats: values}
}

// NewBool builds a dense bool column
func NewBool(name string, values []bool) *Column {
	return &Column{Name: name, Type: Bool, Bools: values}
}

// NewString builds a dense string column
func NewString(name string, values []string) *Column {
	return &Column{Name: name, Type: String, Strs: values}
}

// NewTimestamp builds a dense nanosecond-epoch column
func NewTimestamp(name string, values []int64) *Column {
	return &Column{Name: name, Type: Timestamp, Ints: values}
}

// NewNullColumn builds a column of n all-null rows, used when dynamic
// schema materialises a column absent from a slice.
func NewNullColumn(name string, dtype DType, n int) *Column {
	c := &Column{Name: name, Type: dtype}
	switch dtype {
	case Int64, Timestamp:
		c.Ints = make([]int64, n)
	case Float64:
		c.Floats = make([]float64, n)
		for i := range c.Floats {
			c.Floats[i] = math.NaN()
		}
	case Bool:
		c.Bools = make([]bool, n)
	case String:
		c.Strs = make([]string, n)
	}
	c.valid = make([]uint64, (n+63)/64)
	return c
}

// Len returns the row count
func (c *Column) Len() int {
	switch c.Type {
	case Int64, Timestamp:
		return len(c.Ints)
	case Float64:
		return len(c.Floats)
	case Bool:
		return len(c.Bools)
	case String:
		return len(c.Strs)
	}
	return 0
}

// IsNull reports whether row i is unpopulated
func (c *Column) IsNull(i int) bool {
	if c.valid == nil {
		return false
	}
	return c.valid[i/64]&(1<<(uint(i)%64)) == 0
}

// NullCount returns the number of unpopulated rows
func (c *Column) NullCount() int {
	if c.valid == nil {
		return 0
	}
	nulls := 0
	for i := 0; i < c.Len(); i++ {
		if c.IsNull(i) {
			nulls++
		}
	}
	return nulls
}

// SetNull marks row i unpopulated, allocating the bitmap on first use
func (c *Column) SetNull(i int) {
	c.ensureBitmap()
	c.valid[i/64] &^= 1 << (uint(i) % 64)
}

// SetValid marks row i populated
func (c *Column) SetValid(i int) {
	if c.valid == nil {
		return
	}
	c.valid[i/64] |= 1 << (uint(i) % 64)
}

func (c *Column) ensureBitmap() {
	if c.valid != nil {
		return
	}
	n := c.Len()
	c.valid = make([]uint64, (n+63)/64)
	for i := 0; i < n; i++ {
		c.valid[i/64] |= 1 << (uint(i) % 64)
	}
}

// ValidityBitmap returns the raw bitmap, nil when dense
func (c *Column) ValidityBitmap() []uint64 { return c.valid }

// SetValidityBitmap installs a decoded bitmap
func (c *Column) SetValidityBitmap(bits []uint64) { c.valid = bits }

// Value returns the value at row i as an interface, nil when null
func (c *Column) Value(i int) interface{} {
	if c.IsNull(i) {
		return nil
	}
	switch c.Type {
	case Int64, Timestamp:
		return c.Ints[i]
	case Float64:
		return c.Floats[i]
	case Bool:
		return c.Bools[i]
	case String:
		return c.Strs[i]
	}
	return nil
}

// Float returns row i widened to float64; NaN when null
func (c *Column) Float(i int) float64 {
	if c.IsNull(i) {
		return math.NaN()
	}
	switch c.Type {
	case Int64, Timestamp:
		return float64(c.Ints[i])
	case Float64:
		return c.Floats[i]
	case Bool:
		if c.Bools[i] {
			return 1
		}
		return 0
	}
	return math.NaN()
}

// Slice returns a view of rows [start, end)
func (c *Column) Slice(start, end int) *Column {
	out := &Column{Name: c.Name, Type: c.Type}
	switch c.Type {
	case Int64, Timestamp:
		out.Ints = c.Ints[start:end]
	case Float64:
		out.Floats = c.Floats[start:end]
	case Bool:
		out.Bools = c.Bools[start:end]
	case String:
		out.Strs = c.Strs[start:end]
	}
	if c.valid != nil {
		bits := make([]uint64, (end-start+63)/64)
		for i := start; i < end; i++ {
			if !c.IsNull(i) {
				bits[(i-start)/64] |= 1 << (uint(i-start) % 64)
			}
		}
		out.valid = bits
	}
	return out
}

// Take returns a new column holding the rows whose indices appear in idx,
// in idx order.
func (c *Column) Take(idx []int) *Column {
	out := &Column{Name: c.Name, Type: c.Type}
	switch c.Type {
	case Int64, Timestamp:
		out.Ints = make([]int64, len(idx))
		for i, j := range idx {
			out.Ints[i] = c.Ints[j]
		}
	case Float64:
		out.Floats = make([]float64, len(idx))
		for i, j := range idx {
			out.Floats[i] = c.Floats[j]
		}
	case Bool:
		out.Bools = make([]bool, len(idx))
		for i, j := range idx {
			out.Bools[i] = c.Bools[j]
		}
	case String:
		out.Strs = make([]string, len(idx))
		for i, j := range idx {
			out.Strs[i] = c.Strs[j]
		}
	}
	if c.valid != nil {
		bits := make([]uint64, (len(idx)+63)/64)
		for i, j := range idx {
			if !c.IsNull(j) {
				bits[i/64] |= 1 << (uint(i) % 64)
			}
		}
		out.valid = bits
	}
	return out
}

// AppendColumn appends all rows of o, which must have the same type
func (c *Column) AppendColumn(o *Column) error {
	if c.Type != o.Type {
		return errors.Newf(errors.ErrorTypeUserInput,
			"cannot append %s column to %s column", o.Type, c.Type)
	}
	oldLen := c.Len()
	if c.valid != nil || o.valid != nil {
		c.ensureBitmap()
	}
	switch c.Type {
	case Int64, Timestamp:
		c.Ints = append(c.Ints, o.Ints...)
	case Float64:
		c.Floats = append(c.Floats, o.Floats...)
	case Bool:
		c.Bools = append(c.Bools, o.Bools...)
	case String:
		c.Strs = append(c.Strs, o.Strs...)
	}
	if c.valid != nil {
		newLen := c.Len()
		grown := make([]uint64, (newLen+63)/64)
		copy(grown, c.valid)
		c.valid = grown
		for i := oldLen; i < newLen; i++ {
			if !o.IsNull(i - oldLen) {
				c.valid[i/64] |= 1 << (uint(i) % 64)
			}
		}
	}
	return nil
}

// Equal compares logical content, treating NaNs at the same position as equal
func (c *Column) Equal(o *Column) bool {
	if c.Type != o.Type || c.Len() != o.Len() || c.Name != o.Name {
		return false
	}
	for i := 0; i < c.Len(); i++ {
		if c.IsNull(i) != o.IsNull(i) {
			return false
		}
		if c.IsNull(i) {
			continue
		}
		switch c.Type {
		case Int64, Timestamp:
			if c.Ints[i] != o.Ints[i] {
				return false
			}
		case Float64:
			a, b := c.Floats[i], o.Floats[i]
			if a != b && !(math.IsNaN(a) && math.IsNaN(b)) {
				return false
			}
		case Bool:
			if c.Bools[i] != o.Bools[i] {
				return false
			}
		case String:
			if c.Strs[i] != o.Strs[i] {
				return false
			}
		}
	}
	return true
}
