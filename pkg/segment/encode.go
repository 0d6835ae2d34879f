package segment

import (
	"encoding/binary"
	"math"

	json "github.com/goccy/go-json"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

const preambleSize = 16 // magic + two u32 words

// Encode serialises a segment. The resulting bytes are exactly decodable
// by Decode; re-encoding may differ in block boundaries but never in
// logical content.
func Encode(seg *Segment, opts EncodeOptions) ([]byte, error) {
	if seg == nil || seg.Frame == nil {
		return nil, errors.New(errors.ErrorTypeUserInput, "nil segment")
	}
	if opts.Version == 0 {
		opts.Version = EncodingV2
	}
	if opts.Version != EncodingV1 && opts.Version != EncodingV2 {
		return nil, errors.Newf(errors.ErrorTypeUserInput, "unknown encoding version %d", opts.Version)
	}

	hdr := Header{
		EncodingVersion: opts.Version,
		RowCount:        seg.Frame.RowCount(),
		Compacted:       opts.Compacted,
	}
	fillIndexBounds(&hdr, seg.Frame.Index)

	var body []byte
	var err error

	hdr.Index, body, err = encodeField(body, seg.Frame.Index, opts)
	if err != nil {
		return nil, err
	}
	for _, col := range seg.Frame.Columns {
		var desc FieldDesc
		desc, body, err = encodeField(body, col, opts)
		if err != nil {
			return nil, err
		}
		hdr.Fields = append(hdr.Fields, desc)
	}
	if len(seg.Metadata) > 0 {
		var desc BlockDesc
		desc, body, err = appendBlock(body, RoleMetadata, seg.Metadata, opts.General)
		if err != nil {
			return nil, err
		}
		hdr.Metadata = &desc
	}

	headerJSON, err := json.Marshal(&hdr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to marshal segment header")
	}
	headerBlock, _, err := codec.EncodeBlock(nil, headerJSON, opts.Header)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, preambleSize+len(headerBlock)+len(body))
	out = append(out, Magic[:]...)
	var words [8]byte
	if opts.Version == EncodingV2 {
		binary.LittleEndian.PutUint32(words[0:4], uint32(len(headerBlock)))
		binary.LittleEndian.PutUint32(words[4:8], opts.Version)
	} else {
		binary.LittleEndian.PutUint32(words[0:4], opts.Version)
		binary.LittleEndian.PutUint32(words[4:8], uint32(len(headerBlock)))
	}
	out = append(out, words[:]...)
	out = append(out, headerBlock...)
	out = append(out, body...)

	seg.Header = hdr
	return out, nil
}

// Decode parses segment bytes, verifying block hashes and that the header
// enumerates the body exactly.
func Decode(data []byte) (*Segment, error) {
	if len(data) < preambleSize {
		return nil, errors.New(errors.ErrorTypeCorrupt, "truncated segment preamble")
	}
	for i, b := range Magic {
		if data[i] != b {
			return nil, errors.New(errors.ErrorTypeCorrupt, "bad segment magic")
		}
	}

	a := binary.LittleEndian.Uint32(data[8:12])
	b := binary.LittleEndian.Uint32(data[12:16])
	var version, hdrLen uint32
	switch {
	case a == EncodingV1:
		version, hdrLen = a, b
	case b == EncodingV2:
		version, hdrLen = b, a
	default:
		return nil, errors.Newf(errors.ErrorTypeCorrupt, "unrecognised segment preamble words %d/%d", a, b)
	}

	if len(data) < preambleSize+int(hdrLen) {
		return nil, errors.New(errors.ErrorTypeCorrupt, "truncated segment header")
	}
	headerJSON, consumed, err := codec.DecodeBlock(data[preambleSize : preambleSize+int(hdrLen)])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "failed to decode segment header")
	}
	if consumed != int(hdrLen) {
		return nil, errors.New(errors.ErrorTypeCorrupt, "segment header length mismatch")
	}

	var hdr Header
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "failed to parse segment header")
	}
	if hdr.EncodingVersion != version {
		return nil, errors.Newf(errors.ErrorTypeCorrupt,
			"header encoding version %d disagrees with preamble %d", hdr.EncodingVersion, version)
	}
	if version == EncodingV2 {
		for _, id := range hdr.ReservedFields {
			if reservedV2Fields[id] {
				return nil, errors.Newf(errors.ErrorTypeCorrupt,
					"reserved header field %d is not permitted under encoding v2", id)
			}
		}
	}

	body := data[preambleSize+int(hdrLen):]
	if err := checkBodyCoverage(&hdr, len(body)); err != nil {
		return nil, err
	}

	index, err := decodeField(body, hdr.Index)
	if err != nil {
		return nil, err
	}
	cols := make([]*frame.Column, len(hdr.Fields))
	for i, desc := range hdr.Fields {
		if cols[i], err = decodeField(body, desc); err != nil {
			return nil, err
		}
	}

	f, err := frame.New(index, cols...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "decoded segment is not row-aligned")
	}

	seg := &Segment{Frame: f, Header: hdr}
	if hdr.Metadata != nil {
		seg.Metadata, err = decodeBlockAt(body, *hdr.Metadata)
		if err != nil {
			return nil, err
		}
	}
	return seg, nil
}

// checkBodyCoverage verifies the header's block regions tile the body with
// no gaps, overlaps or trailing bytes.
func checkBodyCoverage(hdr *Header, bodyLen int) error {
	var blocks []BlockDesc
	blocks = append(blocks, hdr.Index.Blocks...)
	for _, f := range hdr.Fields {
		blocks = append(blocks, f.Blocks...)
	}
	if hdr.Metadata != nil {
		blocks = append(blocks, *hdr.Metadata)
	}

	covered := 0
	for _, b := range blocks {
		covered += int(b.Length)
		if int(b.Offset)+int(b.Length) > bodyLen {
			return errors.New(errors.ErrorTypeCorrupt, "block region exceeds segment body")
		}
	}
	if covered != bodyLen {
		return errors.Newf(errors.ErrorTypeCorrupt,
			"header enumerates %d body bytes, segment has %d", covered, bodyLen)
	}
	return nil
}

func appendBlock(body []byte, role BlockRole, raw []byte, c codec.Codec) (BlockDesc, []byte, error) {
	offset := len(body)
	body, hash, err := codec.EncodeBlock(body, raw, c)
	if err != nil {
		return BlockDesc{}, nil, err
	}
	return BlockDesc{
		Role:   role,
		Offset: uint32(offset),
		Length: uint32(len(body) - offset),
		Kind:   c.Kind,
		Sub:    c.Sub,
		Level:  c.Level,
		RawLen: uint32(len(raw)),
		Hash:   hash,
	}, body, nil
}

func decodeBlockAt(body []byte, desc BlockDesc) ([]byte, error) {
	if int(desc.Offset)+int(desc.Length) > len(body) {
		return nil, errors.New(errors.ErrorTypeCorrupt, "block region exceeds segment body")
	}
	raw, consumed, err := codec.DecodeBlock(body[desc.Offset : desc.Offset+desc.Length])
	if err != nil {
		return nil, err
	}
	if consumed != int(desc.Length) {
		return nil, errors.New(errors.ErrorTypeCorrupt, "block length disagrees with field table")
	}
	if codec.Hash(raw) != desc.Hash {
		return nil, errors.New(errors.ErrorTypeCorrupt, "field table hash disagrees with block")
	}
	return raw, nil
}

func encodeField(body []byte, col *frame.Column, opts EncodeOptions) (FieldDesc, []byte, error) {
	desc := FieldDesc{
		Name:     col.Name,
		DType:    col.Type,
		Encoding: EncodingNDArray,
		Items:    col.Len(),
		Stats:    ComputeStats(col),
	}

	sparse := col.NullCount() > 0
	var err error
	var block BlockDesc

	switch col.Type {
	case frame.Int64, frame.Timestamp, frame.Float64:
		raw := numericValueBytes(col)
		block, body, err = appendBlock(body, RoleValues, raw, opts.Numeric)
		if err != nil {
			return desc, nil, err
		}
		desc.Blocks = append(desc.Blocks, block)

	case frame.Bool:
		raw := make([]byte, 0, col.Len())
		for i := 0; i < col.Len(); i++ {
			if col.IsNull(i) {
				continue
			}
			v := byte(0)
			if col.Bools[i] {
				v = 1
			}
			raw = append(raw, v)
		}
		block, body, err = appendBlock(body, RoleValues, raw, opts.General)
		if err != nil {
			return desc, nil, err
		}
		desc.Blocks = append(desc.Blocks, block)

	case frame.String:
		desc.Encoding = EncodingDictionary
		values, positions := dictionaryEncode(col)
		block, body, err = appendBlock(body, RoleValues, values, opts.General)
		if err != nil {
			return desc, nil, err
		}
		desc.Blocks = append(desc.Blocks, block)
		block, body, err = appendBlock(body, RolePositions, positions, opts.Numeric)
		if err != nil {
			return desc, nil, err
		}
		desc.Blocks = append(desc.Blocks, block)

	default:
		return desc, nil, errors.Newf(errors.ErrorTypeInternal, "unhandled column type %s", col.Type)
	}

	if sparse {
		raw := validityBytes(col)
		desc.SparseBytes = len(raw)
		block, body, err = appendBlock(body, RoleSparseMap, raw, opts.General)
		if err != nil {
			return desc, nil, err
		}
		desc.Blocks = append(desc.Blocks, block)
	}
	return desc, body, nil
}

func decodeField(body []byte, desc FieldDesc) (*frame.Column, error) {
	var values, positions, sparse []byte
	for _, b := range desc.Blocks {
		raw, err := decodeBlockAt(body, b)
		if err != nil {
			return nil, err
		}
		switch b.Role {
		case RoleValues:
			values = raw
		case RolePositions:
			positions = raw
		case RoleSparseMap:
			sparse = raw
		default:
			return nil, errors.Newf(errors.ErrorTypeCorrupt, "unexpected block role %q", b.Role)
		}
	}

	valid, err := validityFromBytes(sparse, desc.Items, desc.SparseBytes)
	if err != nil {
		return nil, err
	}

	col := &frame.Column{Name: desc.Name, Type: desc.DType}
	switch desc.DType {
	case frame.Int64, frame.Timestamp, frame.Float64:
		if len(values)%8 != 0 {
			return nil, errors.New(errors.ErrorTypeCorrupt, "numeric value block is not word aligned")
		}
		if err := fillNumeric(col, values, desc.Items, valid); err != nil {
			return nil, err
		}

	case frame.Bool:
		col.Bools = make([]bool, desc.Items)
		if err := forEachPopulated(desc.Items, valid, len(values), func(row, seq int) {
			col.Bools[row] = values[seq] != 0
		}); err != nil {
			return nil, err
		}

	case frame.String:
		dict, err := dictionaryValues(values)
		if err != nil {
			return nil, err
		}
		if len(positions)%8 != 0 {
			return nil, errors.New(errors.ErrorTypeCorrupt, "position block is not word aligned")
		}
		codes := make([]uint64, len(positions)/8)
		for i := range codes {
			codes[i] = binary.LittleEndian.Uint64(positions[i*8:])
		}
		col.Strs = make([]string, desc.Items)
		var codeErr error
		if err := forEachPopulated(desc.Items, valid, len(codes), func(row, seq int) {
			if codes[seq] >= uint64(len(dict)) {
				codeErr = errors.New(errors.ErrorTypeCorrupt, "dictionary code out of range")
				return
			}
			col.Strs[row] = dict[codes[seq]]
		}); err != nil {
			return nil, err
		}
		if codeErr != nil {
			return nil, codeErr
		}

	default:
		return nil, errors.Newf(errors.ErrorTypeCorrupt, "unhandled field type %d", desc.DType)
	}

	if valid != nil {
		col.SetValidityBitmap(valid)
		if desc.DType == frame.Float64 {
			for i := 0; i < desc.Items; i++ {
				if col.IsNull(i) {
					col.Floats[i] = math.NaN()
				}
			}
		}
	}
	return col, nil
}

func numericValueBytes(col *frame.Column) []byte {
	out := make([]byte, 0, col.Len()*8)
	var word [8]byte
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		switch col.Type {
		case frame.Float64:
			binary.LittleEndian.PutUint64(word[:], math.Float64bits(col.Floats[i]))
		default:
			binary.LittleEndian.PutUint64(word[:], uint64(col.Ints[i]))
		}
		out = append(out, word[:]...)
	}
	return out
}

func fillNumeric(col *frame.Column, values []byte, items int, valid []uint64) error {
	words := len(values) / 8
	if col.Type == frame.Float64 {
		col.Floats = make([]float64, items)
	} else {
		col.Ints = make([]int64, items)
	}
	return forEachPopulated(items, valid, words, func(row, seq int) {
		w := binary.LittleEndian.Uint64(values[seq*8:])
		if col.Type == frame.Float64 {
			col.Floats[row] = math.Float64frombits(w)
		} else {
			col.Ints[row] = int64(w)
		}
	})
}

// forEachPopulated walks rows in order, invoking fn with the row index and
// the sequence number within the populated values. It verifies the encoded
// value count matches the bitmap.
func forEachPopulated(items int, valid []uint64, haveValues int, fn func(row, seq int)) error {
	seq := 0
	for row := 0; row < items; row++ {
		if valid != nil && valid[row/64]&(1<<(uint(row)%64)) == 0 {
			continue
		}
		if seq >= haveValues {
			return errors.New(errors.ErrorTypeCorrupt, "fewer encoded values than populated positions")
		}
		fn(row, seq)
		seq++
	}
	if seq != haveValues {
		return errors.New(errors.ErrorTypeCorrupt, "more encoded values than populated positions")
	}
	return nil
}

func dictionaryEncode(col *frame.Column) (values []byte, positions []byte) {
	dict := make(map[string]uint64)
	var order []string
	var codes []uint64
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		s := col.Strs[i]
		code, ok := dict[s]
		if !ok {
			code = uint64(len(order))
			dict[s] = code
			order = append(order, s)
		}
		codes = append(codes, code)
	}

	var lenBuf [binary.MaxVarintLen64]byte
	for _, s := range order {
		n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
		values = append(values, lenBuf[:n]...)
		values = append(values, s...)
	}
	positions = make([]byte, len(codes)*8)
	for i, c := range codes {
		binary.LittleEndian.PutUint64(positions[i*8:], c)
	}
	return values, positions
}

func dictionaryValues(values []byte) ([]string, error) {
	var dict []string
	for off := 0; off < len(values); {
		n, read := binary.Uvarint(values[off:])
		if read <= 0 {
			return nil, errors.New(errors.ErrorTypeCorrupt, "malformed dictionary length")
		}
		off += read
		if off+int(n) > len(values) {
			return nil, errors.New(errors.ErrorTypeCorrupt, "truncated dictionary entry")
		}
		dict = append(dict, string(values[off:off+int(n)]))
		off += int(n)
	}
	return dict, nil
}

// validityBytes serialises the populated-position bitmap, one bit per row
func validityBytes(col *frame.Column) []byte {
	n := col.Len()
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if !col.IsNull(i) {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

func validityFromBytes(sparse []byte, items, wantBytes int) ([]uint64, error) {
	if sparse == nil {
		if wantBytes != 0 {
			return nil, errors.New(errors.ErrorTypeCorrupt, "missing sparse map block")
		}
		return nil, nil
	}
	if len(sparse) != wantBytes || len(sparse) != (items+7)/8 {
		return nil, errors.New(errors.ErrorTypeCorrupt, "sparse map size mismatch")
	}
	bits := make([]uint64, (items+63)/64)
	for i := 0; i < items; i++ {
		if sparse[i/8]&(1<<(uint(i)%8)) != 0 {
			bits[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return bits, nil
}

func fillIndexBounds(hdr *Header, index *frame.Column) {
	n := index.Len()
	if n == 0 {
		return
	}
	if index.Type == frame.String {
		minS, maxS := index.Strs[0], index.Strs[0]
		for _, s := range index.Strs[1:] {
			if s < minS {
				minS = s
			}
			if s > maxS {
				maxS = s
			}
		}
		hdr.MinIndex = IndexBound{Str: minS, IsStr: true, Set: true}
		hdr.MaxIndex = IndexBound{Str: maxS, IsStr: true, Set: true}
		return
	}
	minN, maxN := index.Ints[0], index.Ints[0]
	for _, v := range index.Ints[1:] {
		if v < minN {
			minN = v
		}
		if v > maxN {
			maxN = v
		}
	}
	hdr.MinIndex = IndexBound{Num: minN, Set: true}
	hdr.MaxIndex = IndexBound{Num: maxN, Set: true}
}
