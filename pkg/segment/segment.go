// Package segment implements the self-describing binary container for
// column slices. A segment carries a schema descriptor, one encoded field
// per column, an optional metadata field and per-field statistics. The
// byte layout is:
//
//	MAGIC(8) | ENC_VER(u32 LE) | HDR_LEN(u32 LE) | HDR_BYTES | BODY_BYTES
//
// except under encoding version 2, where the header length immediately
// follows the magic. The header is itself a codec block (so it is hashed
// and may be compressed) and enumerates every body region; decoding fails
// if regions overlap, leave gaps or leave trailing bytes.
package segment

import (
	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/frame"
)

// Magic identifies segment files and objects
var Magic = [8]byte{'T', 'N', 'D', 'R', 'S', 'E', 'G', 0}

// Encoding versions
const (
	// EncodingV1 is the original layout: magic, version, header length
	EncodingV1 uint32 = 1
	// EncodingV2 places the header length immediately after the magic
	// and rejects the reserved header fields 6 and 10-12.
	EncodingV2 uint32 = 2
)

// reservedV2Fields are header field ids that EncodingV2 disallows
var reservedV2Fields = map[int]bool{6: true, 10: true, 11: true, 12: true}

// BlockRole tags what a body block holds
type BlockRole string

const (
	// RoleValues holds the field's populated values
	RoleValues BlockRole = "values"
	// RolePositions holds dictionary codes
	RolePositions BlockRole = "positions"
	// RoleSparseMap holds the validity bitmap
	RoleSparseMap BlockRole = "sparse"
	// RoleMetadata holds opaque caller metadata
	RoleMetadata BlockRole = "metadata"
)

// FieldEncoding selects how a column is laid out in the body
type FieldEncoding string

const (
	// EncodingNDArray stores raw value words
	EncodingNDArray FieldEncoding = "ndarray"
	// EncodingDictionary stores a values field plus a positions field
	EncodingDictionary FieldEncoding = "dictionary"
)

// BlockDesc is one entry of the header's field table: a body region with
// its codec selection and integrity hash. Offsets are relative to the
// body start and must tile the body exactly.
type BlockDesc struct {
	Role   BlockRole      `json:"role"`
	Offset uint32         `json:"offset"`
	Length uint32         `json:"length"`
	Kind   codec.Kind     `json:"codec"`
	Sub    codec.PForKind `json:"sub,omitempty"`
	Level  int            `json:"level,omitempty"`
	RawLen uint32         `json:"raw_len"`
	Hash   uint64         `json:"hash"`
}

// FieldDesc describes one encoded field
type FieldDesc struct {
	Name     string        `json:"name"`
	DType    frame.DType   `json:"dtype"`
	Encoding FieldEncoding `json:"encoding"`
	// Items is the logical row count including nulls
	Items int `json:"items"`
	// SparseBytes is the bitmap byte count, zero for dense fields
	SparseBytes int         `json:"sparse_bytes,omitempty"`
	Blocks      []BlockDesc `json:"blocks"`
	Stats       *FieldStats `json:"stats,omitempty"`
}

// IndexBound is a serialisable min/max index value
type IndexBound struct {
	Num   int64  `json:"num,omitempty"`
	Str   string `json:"str,omitempty"`
	IsStr bool   `json:"is_str,omitempty"`
	Set   bool   `json:"set,omitempty"`
}

// Header is the decoded segment header
type Header struct {
	EncodingVersion uint32      `json:"encoding_version"`
	RowCount        int         `json:"row_count"`
	Index           FieldDesc   `json:"index"`
	Fields          []FieldDesc `json:"fields"`
	MinIndex        IndexBound  `json:"min_index"`
	MaxIndex        IndexBound  `json:"max_index"`
	Compacted       bool        `json:"compacted"`
	Metadata        *BlockDesc  `json:"metadata,omitempty"`
	// ReservedFields carries forward unknown numbered fields from older
	// writers; EncodingV2 rejects ids 6 and 10-12.
	ReservedFields []int `json:"reserved_fields,omitempty"`
}

// Segment is the logical unit of I/O: a row-aligned column slice plus
// optional opaque metadata.
type Segment struct {
	Frame    *frame.Frame
	Metadata []byte
	Header   Header
}

// EncodeOptions selects codecs for segment encoding
type EncodeOptions struct {
	// Numeric is applied to int64/timestamp/float64 value blocks
	Numeric codec.Codec
	// General is applied to string bytes, bools, bitmaps and metadata
	General codec.Codec
	// Header is applied to the header block; Passthrough is permitted
	Header codec.Codec
	// Version is the encoding version to emit (default EncodingV2)
	Version uint32
	// Compacted marks segments produced by compaction
	Compacted bool
}

// DefaultEncodeOptions mirrors the engine defaults: delta-packed numerics
// and lz4 for everything else.
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{
		Numeric: codec.Codec{Kind: codec.PFor, Sub: codec.P4Delta},
		General: codec.Codec{Kind: codec.LZ4, Level: 1},
		Header:  codec.Codec{Kind: codec.LZ4, Level: 1},
		Version: EncodingV2,
	}
}
