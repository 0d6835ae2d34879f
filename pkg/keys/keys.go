// Package keys defines the typed identifiers addressing everything the
// engine persists. Atom keys are immutable and content-addressed; ref keys
// are mutable anchors advanced by compare-and-swap. The textual form is a
// bijection, so object-store names parse back to the exact typed key.
package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tundradb/tundra/pkg/errors"
)

// KeyType is the closed enumeration of persisted key types
type KeyType uint8

const (
	// TableData addresses a column data segment
	TableData KeyType = iota
	// TableIndex addresses an index segment mapping ranges to data keys
	TableIndex
	// Version addresses a version node
	Version
	// VersionRef anchors the latest version node of a symbol
	VersionRef
	// SymbolList addresses a symbol-list journal entry
	SymbolList
	// Snapshot addresses a named snapshot record
	Snapshot
	// Tombstone addresses a standalone tombstone record
	Tombstone
	// AppendData addresses staged append segments
	AppendData
	// Log addresses write-ahead log entries
	Log
	// Metrics addresses persisted metric samples
	Metrics

	numKeyTypes
)

var keyTypeNames = [numKeyTypes]string{
	TableData:  "tdata",
	TableIndex: "tindex",
	Version:    "ver",
	VersionRef: "vref",
	SymbolList: "slist",
	Snapshot:   "snap",
	Tombstone:  "tomb",
	AppendData: "adata",
	Log:        "log",
	Metrics:    "metrics",
}

// String returns the directory name used in the persistent layout
func (t KeyType) String() string {
	if int(t) < len(keyTypeNames) {
		return keyTypeNames[t]
	}
	return fmt.Sprintf("keytype(%d)", uint8(t))
}

// IsRef reports whether keys of this type are mutable anchors
func (t KeyType) IsRef() bool {
	return t == VersionRef
}

// ParseKeyType resolves a directory name back to its key type
func ParseKeyType(s string) (KeyType, error) {
	for t, name := range keyTypeNames {
		if name == s {
			return KeyType(t), nil
		}
	}
	return 0, errors.Newf(errors.ErrorTypeUserInput, "unknown key type %q", s)
}

// StreamID names a symbol: either a UTF-8 string or a signed 64-bit number.
// The choice is made at symbol creation and is immutable thereafter.
type StreamID struct {
	Str     string
	Num     int64
	Numeric bool
}

// StringStream makes a string-named stream id
func StringStream(s string) StreamID {
	return StreamID{Str: s}
}

// NumericStream makes a numeric stream id
func NumericStream(n int64) StreamID {
	return StreamID{Num: n, Numeric: true}
}

// String renders the stream id in its escaped textual form. Numeric ids
// carry a '#' prefix; string ids escape '#', '%' and '/' so the rendering
// stays bijective.
func (s StreamID) String() string {
	if s.Numeric {
		return "#" + strconv.FormatInt(s.Num, 10)
	}
	return escape(s.Str)
}

// ParseStreamID inverts String
func ParseStreamID(s string) (StreamID, error) {
	if strings.HasPrefix(s, "#") {
		n, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil {
			return StreamID{}, errors.Wrap(err, errors.ErrorTypeUserInput, "malformed numeric stream id")
		}
		return NumericStream(n), nil
	}
	raw, err := unescape(s)
	if err != nil {
		return StreamID{}, err
	}
	return StringStream(raw), nil
}

// IndexValue is one bound of a key's index range: a numeric timestamp or a
// string, or unset for keys that carry no index.
type IndexValue struct {
	Num   int64
	Str   string
	IsStr bool
	Set   bool
}

// NumIndex makes a numeric index value
func NumIndex(n int64) IndexValue {
	return IndexValue{Num: n, Set: true}
}

// StrIndex makes a string index value
func StrIndex(s string) IndexValue {
	return IndexValue{Str: s, IsStr: true, Set: true}
}

// Less orders index values; numerics sort before strings
func (v IndexValue) Less(o IndexValue) bool {
	if v.IsStr != o.IsStr {
		return !v.IsStr
	}
	if v.IsStr {
		return v.Str < o.Str
	}
	return v.Num < o.Num
}

func (v IndexValue) String() string {
	if v.IsStr {
		return "s" + escape(v.Str)
	}
	return "i" + strconv.FormatInt(v.Num, 10)
}

func parseIndexValue(s string) (IndexValue, error) {
	if s == "" {
		return IndexValue{}, errors.New(errors.ErrorTypeUserInput, "empty index value")
	}
	switch s[0] {
	case 'i':
		n, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil {
			return IndexValue{}, errors.Wrap(err, errors.ErrorTypeUserInput, "malformed numeric index value")
		}
		return NumIndex(n), nil
	case 's':
		raw, err := unescape(s[1:])
		if err != nil {
			return IndexValue{}, err
		}
		return StrIndex(raw), nil
	}
	return IndexValue{}, errors.Newf(errors.ErrorTypeUserInput, "malformed index value %q", s)
}

// AtomKey is the immutable, content-addressed identifier of a segment
type AtomKey struct {
	Stream      StreamID
	Type        KeyType
	VersionID   uint64
	CreationTS  int64 // nanoseconds, tie-breaker
	ContentHash uint64
	Start       IndexValue
	End         IndexValue
}

// Validate checks the atom key invariants
func (k AtomKey) Validate() error {
	if k.Type.IsRef() {
		return errors.Newf(errors.ErrorTypeInternal, "key type %s is not atomic", k.Type)
	}
	if k.Start.Set != k.End.Set {
		return errors.New(errors.ErrorTypeInternal, "atom key has half-open index bounds")
	}
	if k.Start.Set && k.End.Less(k.Start) {
		return errors.New(errors.ErrorTypeInternal, "atom key start index exceeds end index")
	}
	return nil
}

// Path renders the textual form used as the object-store name:
//
//	<type>/<stream_id>/<version_id>/<creation_ts>/<content_hash>[/<start>/<end>]
func (k AtomKey) Path() string {
	var b strings.Builder
	b.WriteString(k.Type.String())
	b.WriteByte('/')
	b.WriteString(k.Stream.String())
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(k.VersionID, 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(k.CreationTS, 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(k.ContentHash, 16))
	if k.Start.Set {
		b.WriteByte('/')
		b.WriteString(k.Start.String())
		b.WriteByte('/')
		b.WriteString(k.End.String())
	}
	return b.String()
}

// String is an alias of Path for logging
func (k AtomKey) String() string { return k.Path() }

// ParseAtomKey inverts Path
func ParseAtomKey(path string) (AtomKey, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 5 && len(parts) != 7 {
		return AtomKey{}, errors.Newf(errors.ErrorTypeUserInput, "malformed atom key %q", path)
	}

	keyType, err := ParseKeyType(parts[0])
	if err != nil {
		return AtomKey{}, err
	}
	stream, err := ParseStreamID(parts[1])
	if err != nil {
		return AtomKey{}, err
	}
	versionID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return AtomKey{}, errors.Wrap(err, errors.ErrorTypeUserInput, "malformed version id")
	}
	creationTS, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return AtomKey{}, errors.Wrap(err, errors.ErrorTypeUserInput, "malformed creation timestamp")
	}
	contentHash, err := strconv.ParseUint(parts[4], 16, 64)
	if err != nil {
		return AtomKey{}, errors.Wrap(err, errors.ErrorTypeUserInput, "malformed content hash")
	}

	k := AtomKey{
		Stream:      stream,
		Type:        keyType,
		VersionID:   versionID,
		CreationTS:  creationTS,
		ContentHash: contentHash,
	}
	if len(parts) == 7 {
		if k.Start, err = parseIndexValue(parts[5]); err != nil {
			return AtomKey{}, err
		}
		if k.End, err = parseIndexValue(parts[6]); err != nil {
			return AtomKey{}, err
		}
	}
	return k, k.Validate()
}

// RefKey is a mutable anchor. Exactly one ref key per (stream, type) exists
// at any time; its payload is replaced by compare-and-swap.
type RefKey struct {
	Stream StreamID
	Type   KeyType
	Legacy bool
}

// Path renders the textual form; ref keys elide version and content
// components. Legacy-format refs live under an "l" segment, which cannot
// collide with stream names because '/' is escaped in those.
func (k RefKey) Path() string {
	if k.Legacy {
		return k.Type.String() + "/l/" + k.Stream.String()
	}
	return k.Type.String() + "/" + k.Stream.String()
}

// String is an alias of Path for logging
func (k RefKey) String() string { return k.Path() }

// ParseRefKey inverts Path
func ParseRefKey(path string) (RefKey, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 2 && len(parts) != 3 {
		return RefKey{}, errors.Newf(errors.ErrorTypeUserInput, "malformed ref key %q", path)
	}
	keyType, err := ParseKeyType(parts[0])
	if err != nil {
		return RefKey{}, err
	}
	legacy := false
	streamPart := parts[1]
	if len(parts) == 3 {
		if parts[1] != "l" {
			return RefKey{}, errors.Newf(errors.ErrorTypeUserInput, "malformed ref key %q", path)
		}
		legacy = true
		streamPart = parts[2]
	}
	stream, err := ParseStreamID(streamPart)
	if err != nil {
		return RefKey{}, err
	}
	return RefKey{Stream: stream, Type: keyType, Legacy: legacy}, nil
}

// TypePrefix returns the listing prefix for all keys of a type
func TypePrefix(t KeyType) string {
	return t.String() + "/"
}

// StreamPrefix returns the listing prefix for one stream's keys of a type
func StreamPrefix(t KeyType, stream StreamID) string {
	return t.String() + "/" + stream.String() + "/"
}

const hexDigits = "0123456789ABCDEF"

// escape percent-encodes the characters that would break path parsing
func escape(s string) string {
	if !strings.ContainsAny(s, "/%#") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '/', '%', '#':
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.Newf(errors.ErrorTypeUserInput, "truncated escape in %q", s)
		}
		hi := strings.IndexByte(hexDigits, s[i+1])
		lo := strings.IndexByte(hexDigits, s[i+2])
		if hi < 0 || lo < 0 {
			return "", errors.Newf(errors.ErrorTypeUserInput, "invalid escape in %q", s)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}
