// Package expr implements the expression trees evaluated by the filter
// and projection clauses. A tree is a flat node table addressed by child
// indices, so trees serialise trivially and cannot form cycles.
package expr

import (
	"math"

	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

// Op is the closed set of node operators
type Op uint8

const (
	// OpColumn is a leaf reading a named column
	OpColumn Op = iota
	// OpValue is a literal leaf
	OpValue

	// Comparisons, producing a row mask
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// Arithmetic, producing a column
	OpAdd
	OpSub
	OpMul
	OpDiv

	// Logical, combining row masks
	OpAnd
	OpOr
	OpNot

	// OpIsIn tests column membership in a literal set
	OpIsIn
	// OpIsNull and OpNotNull test validity
	OpIsNull
	OpNotNull
)

var opNames = map[Op]string{
	OpColumn: "column", OpValue: "value",
	OpEq: "==", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/",
	OpAnd: "and", OpOr: "or", OpNot: "not",
	OpIsIn: "isin", OpIsNull: "isnull", OpNotNull: "notnull",
}

func (o Op) String() string { return opNames[o] }

// Literal is a typed constant leaf value
type Literal struct {
	Kind  frame.DType `json:"kind"`
	Int   int64       `json:"int,omitempty"`
	Float float64     `json:"float,omitempty"`
	Bool  bool        `json:"bool,omitempty"`
	Str   string      `json:"str,omitempty"`
}

// IntLit makes an int64 literal
func IntLit(v int64) Literal { return Literal{Kind: frame.Int64, Int: v} }

// FloatLit makes a float64 literal
func FloatLit(v float64) Literal { return Literal{Kind: frame.Float64, Float: v} }

// StrLit makes a string literal
func StrLit(v string) Literal { return Literal{Kind: frame.String, Str: v} }

// BoolLit makes a bool literal
func BoolLit(v bool) Literal { return Literal{Kind: frame.Bool, Bool: v} }

// NodeID indexes into a tree's node table; -1 means no child
type NodeID int32

// None is the absent-child marker
const None NodeID = -1

// Node is one row of the node table
type Node struct {
	Op     Op        `json:"op"`
	Left   NodeID    `json:"left"`
	Right  NodeID    `json:"right"`
	Column string    `json:"column,omitempty"`
	Value  Literal   `json:"value,omitempty"`
	Set    []Literal `json:"set,omitempty"`
}

// Tree is an expression: a node table plus the root index. Build with the
// append-style constructors; children must be created before parents, so
// a well-formed tree is acyclic by construction.
type Tree struct {
	Nodes []Node `json:"nodes"`
	Root  NodeID `json:"root"`
}

// New creates an empty tree
func New() *Tree {
	return &Tree{Root: None}
}

func (t *Tree) add(n Node) NodeID {
	t.Nodes = append(t.Nodes, n)
	id := NodeID(len(t.Nodes) - 1)
	t.Root = id
	return id
}

// Column appends a column leaf
func (t *Tree) Column(name string) NodeID {
	return t.add(Node{Op: OpColumn, Left: None, Right: None, Column: name})
}

// Value appends a literal leaf
func (t *Tree) Value(v Literal) NodeID {
	return t.add(Node{Op: OpValue, Left: None, Right: None, Value: v})
}

// Compare appends a comparison node
func (t *Tree) Compare(op Op, left, right NodeID) NodeID {
	return t.add(Node{Op: op, Left: left, Right: right})
}

// Arith appends an arithmetic node
func (t *Tree) Arith(op Op, left, right NodeID) NodeID {
	return t.add(Node{Op: op, Left: left, Right: right})
}

// And appends a conjunction of two masks
func (t *Tree) And(left, right NodeID) NodeID {
	return t.add(Node{Op: OpAnd, Left: left, Right: right})
}

// Or appends a disjunction of two masks
func (t *Tree) Or(left, right NodeID) NodeID {
	return t.add(Node{Op: OpOr, Left: left, Right: right})
}

// Not appends a mask complement
func (t *Tree) Not(child NodeID) NodeID {
	return t.add(Node{Op: OpNot, Left: child, Right: None})
}

// IsIn appends a set-membership test on a column leaf
func (t *Tree) IsIn(column NodeID, set []Literal) NodeID {
	return t.add(Node{Op: OpIsIn, Left: column, Right: None, Set: set})
}

// IsNull appends a validity test
func (t *Tree) IsNull(column NodeID) NodeID {
	return t.add(Node{Op: OpIsNull, Left: column, Right: None})
}

// NotNull appends the complementary validity test
func (t *Tree) NotNull(column NodeID) NodeID {
	return t.add(Node{Op: OpNotNull, Left: column, Right: None})
}

// Kind is the static result kind of a node
type Kind uint8

const (
	// KindColumn means the node yields a value column
	KindColumn Kind = iota
	// KindMask means the node yields a row mask
	KindMask
)

// KindOf returns the static result kind of node id
func (t *Tree) KindOf(id NodeID) (Kind, error) {
	if id < 0 || int(id) >= len(t.Nodes) {
		return 0, errors.Newf(errors.ErrorTypeUserInput, "expression references node %d out of %d", id, len(t.Nodes))
	}
	switch t.Nodes[id].Op {
	case OpColumn, OpValue, OpAdd, OpSub, OpMul, OpDiv:
		return KindColumn, nil
	default:
		return KindMask, nil
	}
}

// Validate checks structural well-formedness from the root down
func (t *Tree) Validate() error {
	if t.Root == None {
		return errors.New(errors.ErrorTypeUserInput, "empty expression")
	}
	return t.validateNode(t.Root)
}

func (t *Tree) validateNode(id NodeID) error {
	if id < 0 || int(id) >= len(t.Nodes) {
		return errors.Newf(errors.ErrorTypeUserInput, "expression references node %d out of %d", id, len(t.Nodes))
	}
	n := t.Nodes[id]
	// Children must precede parents in the table.
	if n.Left >= id || n.Right >= id {
		return errors.New(errors.ErrorTypeUserInput, "expression node references a later node")
	}

	childKind := func(c NodeID) (Kind, error) {
		if err := t.validateNode(c); err != nil {
			return 0, err
		}
		return t.KindOf(c)
	}

	switch n.Op {
	case OpColumn:
		if n.Column == "" {
			return errors.New(errors.ErrorTypeUserInput, "column leaf without a name")
		}
	case OpValue:
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpAdd, OpSub, OpMul, OpDiv:
		for _, c := range []NodeID{n.Left, n.Right} {
			k, err := childKind(c)
			if err != nil {
				return err
			}
			if k != KindColumn {
				return errors.Newf(errors.ErrorTypeUserInput, "%s expects value operands", n.Op)
			}
		}
	case OpAnd, OpOr:
		for _, c := range []NodeID{n.Left, n.Right} {
			k, err := childKind(c)
			if err != nil {
				return err
			}
			if k != KindMask {
				return errors.Newf(errors.ErrorTypeUserInput, "%s expects mask operands", n.Op)
			}
		}
	case OpNot:
		k, err := childKind(n.Left)
		if err != nil {
			return err
		}
		if k != KindMask {
			return errors.New(errors.ErrorTypeUserInput, "not expects a mask operand")
		}
	case OpIsIn:
		if err := t.validateNode(n.Left); err != nil {
			return err
		}
		if t.Nodes[n.Left].Op != OpColumn {
			return errors.New(errors.ErrorTypeUserInput, "isin expects a column operand")
		}
		if len(n.Set) == 0 {
			return errors.New(errors.ErrorTypeUserInput, "isin with an empty set")
		}
	case OpIsNull, OpNotNull:
		if err := t.validateNode(n.Left); err != nil {
			return err
		}
		if t.Nodes[n.Left].Op != OpColumn {
			return errors.New(errors.ErrorTypeUserInput, "null test expects a column operand")
		}
	default:
		return errors.Newf(errors.ErrorTypeUserInput, "unknown expression operator %d", n.Op)
	}
	return nil
}

// RequiredColumns returns the column names the tree reads
func (t *Tree) RequiredColumns() []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range t.Nodes {
		if n.Op == OpColumn && !seen[n.Column] {
			seen[n.Column] = true
			out = append(out, n.Column)
		}
	}
	return out
}

// EvalMask evaluates the tree over f, requiring a mask result. Rows where
// a comparison touches a null evaluate to false.
func (t *Tree) EvalMask(f *frame.Frame) (*Bitset, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	k, err := t.KindOf(t.Root)
	if err != nil {
		return nil, err
	}
	if k != KindMask {
		return nil, errors.New(errors.ErrorTypeUserInput, "filter expression must yield a row mask")
	}
	v, err := t.eval(t.Root, f)
	if err != nil {
		return nil, err
	}
	return v.mask, nil
}

// EvalColumn evaluates the tree over f, requiring a value result. The
// output column carries the given name; nulls propagate through
// arithmetic.
func (t *Tree) EvalColumn(name string, f *frame.Frame) (*frame.Column, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	k, err := t.KindOf(t.Root)
	if err != nil {
		return nil, err
	}
	if k != KindColumn {
		return nil, errors.New(errors.ErrorTypeUserInput, "projection expression must yield a value, not a mask")
	}
	v, err := t.eval(t.Root, f)
	if err != nil {
		return nil, err
	}
	// Shallow copy so renaming cannot touch a source column.
	col := *v.col
	col.Name = name
	return &col, nil
}

// value is an evaluated node: exactly one of col and mask is set
type value struct {
	col  *frame.Column
	mask *Bitset
}

func (t *Tree) eval(id NodeID, f *frame.Frame) (value, error) {
	n := t.Nodes[id]
	rows := f.RowCount()

	switch n.Op {
	case OpColumn:
		col, ok := f.Column(n.Column)
		if !ok {
			if f.Index != nil && f.Index.Name == n.Column {
				col = f.Index
			} else {
				return value{}, errors.Newf(errors.ErrorTypeUserInput, "unknown column %q", n.Column)
			}
		}
		return value{col: col}, nil

	case OpValue:
		return value{col: broadcast(n.Value, rows)}, nil

	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		left, err := t.eval(n.Left, f)
		if err != nil {
			return value{}, err
		}
		right, err := t.eval(n.Right, f)
		if err != nil {
			return value{}, err
		}
		mask, err := compare(n.Op, left.col, right.col)
		if err != nil {
			return value{}, err
		}
		return value{mask: mask}, nil

	case OpAdd, OpSub, OpMul, OpDiv:
		left, err := t.eval(n.Left, f)
		if err != nil {
			return value{}, err
		}
		right, err := t.eval(n.Right, f)
		if err != nil {
			return value{}, err
		}
		col, err := arith(n.Op, left.col, right.col)
		if err != nil {
			return value{}, err
		}
		return value{col: col}, nil

	case OpAnd, OpOr:
		left, err := t.eval(n.Left, f)
		if err != nil {
			return value{}, err
		}
		right, err := t.eval(n.Right, f)
		if err != nil {
			return value{}, err
		}
		if n.Op == OpAnd {
			left.mask.And(right.mask)
		} else {
			left.mask.Or(right.mask)
		}
		return value{mask: left.mask}, nil

	case OpNot:
		child, err := t.eval(n.Left, f)
		if err != nil {
			return value{}, err
		}
		child.mask.Not()
		return value{mask: child.mask}, nil

	case OpIsIn:
		child, err := t.eval(n.Left, f)
		if err != nil {
			return value{}, err
		}
		return value{mask: isin(child.col, n.Set)}, nil

	case OpIsNull, OpNotNull:
		child, err := t.eval(n.Left, f)
		if err != nil {
			return value{}, err
		}
		mask := NewBitset(child.col.Len())
		for i := 0; i < child.col.Len(); i++ {
			if child.col.IsNull(i) == (n.Op == OpIsNull) {
				mask.Set(i)
			}
		}
		return value{mask: mask}, nil
	}
	return value{}, errors.Newf(errors.ErrorTypeInternal, "unhandled expression operator %d", n.Op)
}

// broadcast expands a literal to a dense column of n rows
func broadcast(lit Literal, n int) *frame.Column {
	switch lit.Kind {
	case frame.Float64:
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = lit.Float
		}
		return frame.NewFloat64("", vals)
	case frame.Bool:
		vals := make([]bool, n)
		for i := range vals {
			vals[i] = lit.Bool
		}
		return frame.NewBool("", vals)
	case frame.String:
		vals := make([]string, n)
		for i := range vals {
			vals[i] = lit.Str
		}
		return frame.NewString("", vals)
	default:
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = lit.Int
		}
		return frame.NewInt64("", vals)
	}
}

func compare(op Op, left, right *frame.Column) (*Bitset, error) {
	if left.Len() != right.Len() {
		return nil, errors.New(errors.ErrorTypeInternal, "comparison operands differ in length")
	}
	mask := NewBitset(left.Len())

	if left.Type == frame.String || right.Type == frame.String {
		if left.Type != frame.String || right.Type != frame.String {
			return nil, errors.New(errors.ErrorTypeUserInput, "cannot compare string and numeric operands")
		}
		for i := 0; i < left.Len(); i++ {
			if left.IsNull(i) || right.IsNull(i) {
				continue
			}
			if cmpOrdered(op, left.Strs[i], right.Strs[i]) {
				mask.Set(i)
			}
		}
		return mask, nil
	}

	if !left.Type.Numeric() && left.Type != frame.Bool {
		return nil, errors.Newf(errors.ErrorTypeUserInput, "cannot compare %s columns", left.Type)
	}
	for i := 0; i < left.Len(); i++ {
		if left.IsNull(i) || right.IsNull(i) {
			continue
		}
		if cmpOrdered(op, left.Float(i), right.Float(i)) {
			mask.Set(i)
		}
	}
	return mask, nil
}

func cmpOrdered[T float64 | string](op Op, a, b T) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	}
	return false
}

// arith applies the numeric promotion rules: int op int stays int64,
// anything touching a float widens to float64. Nulls propagate.
func arith(op Op, left, right *frame.Column) (*frame.Column, error) {
	if left.Len() != right.Len() {
		return nil, errors.New(errors.ErrorTypeInternal, "arithmetic operands differ in length")
	}
	for _, c := range []*frame.Column{left, right} {
		if !c.Type.Numeric() {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "arithmetic on %s column", c.Type)
		}
	}
	n := left.Len()

	intOut := left.Type != frame.Float64 && right.Type != frame.Float64 && op != OpDiv
	if intOut {
		out := frame.NewInt64("", make([]int64, n))
		for i := 0; i < n; i++ {
			if left.IsNull(i) || right.IsNull(i) {
				out.SetNull(i)
				continue
			}
			a, b := left.Ints[i], right.Ints[i]
			switch op {
			case OpAdd:
				out.Ints[i] = a + b
			case OpSub:
				out.Ints[i] = a - b
			case OpMul:
				out.Ints[i] = a * b
			}
		}
		return out, nil
	}

	out := frame.NewFloat64("", make([]float64, n))
	for i := 0; i < n; i++ {
		if left.IsNull(i) || right.IsNull(i) {
			out.Floats[i] = math.NaN()
			out.SetNull(i)
			continue
		}
		a, b := left.Float(i), right.Float(i)
		switch op {
		case OpAdd:
			out.Floats[i] = a + b
		case OpSub:
			out.Floats[i] = a - b
		case OpMul:
			out.Floats[i] = a * b
		case OpDiv:
			out.Floats[i] = a / b
		}
	}
	return out, nil
}

func isin(col *frame.Column, set []Literal) *Bitset {
	mask := NewBitset(col.Len())
	switch col.Type {
	case frame.String:
		members := make(map[string]bool, len(set))
		for _, lit := range set {
			if lit.Kind == frame.String {
				members[lit.Str] = true
			}
		}
		for i, s := range col.Strs {
			if !col.IsNull(i) && members[s] {
				mask.Set(i)
			}
		}
	case frame.Int64, frame.Timestamp:
		members := make(map[int64]bool, len(set))
		for _, lit := range set {
			switch lit.Kind {
			case frame.Int64, frame.Timestamp:
				members[lit.Int] = true
			}
		}
		for i, v := range col.Ints {
			if !col.IsNull(i) && members[v] {
				mask.Set(i)
			}
		}
	case frame.Float64:
		members := make(map[float64]bool, len(set))
		for _, lit := range set {
			switch lit.Kind {
			case frame.Float64:
				members[lit.Float] = true
			case frame.Int64:
				members[float64(lit.Int)] = true
			}
		}
		for i, v := range col.Floats {
			if !col.IsNull(i) && members[v] {
				mask.Set(i)
			}
		}
	}
	return mask
}
