// Package codec provides block-level compression for segment bodies with
// per-block integrity hashing. Each encoded block is self-describing: a
// fixed frame records the codec selection, raw and encoded byte counts and
// an xxhash64 of the uncompressed bytes, so decoders can dispatch on the
// tag and verify integrity without out-of-band schema.
//
// Codec selection is a tagged union: Zstd (klauspost/compress), LZ4
// (pierrec/lz4), the PFor integer/float family, or Passthrough. Unknown
// tags fail decoding with a corrupt-class error rather than guessing.
package codec

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/pool"
)

// Kind is the codec tag stored in each block frame
type Kind uint8

const (
	// Passthrough stores bytes unmodified
	Passthrough Kind = iota
	// Zstd is zstandard with a level in [-20, 20]
	Zstd
	// LZ4 is lz4 block compression with acceleration >= 1
	LZ4
	// PFor is the integer/float sub-codec family
	PFor
)

// Codec is the per-block codec selection
type Codec struct {
	Kind Kind
	// Level is the zstd level (-20..20) or lz4 acceleration (>= 1)
	Level int
	// Sub selects the PFor sub-codec when Kind == PFor
	Sub PForKind
	// Streaming requests streaming zstd framing; block framing is
	// identical either way so this only affects encoder reuse.
	Streaming bool
}

// Default returns the engine's default block codec
func Default() Codec {
	return Codec{Kind: LZ4, Level: 1}
}

// Block frame layout, all integers little-endian:
//
//	tag(u8) sub(u8) level(i8) reserved(u8) rawLen(u32) encLen(u32) hash(u64)
const FrameSize = 20

// Hash computes the 64-bit integrity hash used across the engine
func Hash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

var (
	zstdEncoders sync.Map // level -> *sync.Pool of *zstd.Encoder
	zstdDecoders = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

func zstdEncoder(level int) *zstd.Encoder {
	p, ok := zstdEncoders.Load(level)
	if !ok {
		encLevel := zstd.SpeedDefault
		switch {
		case level <= 0:
			encLevel = zstd.SpeedFastest
		case level >= 16:
			encLevel = zstd.SpeedBestCompression
		case level >= 7:
			encLevel = zstd.SpeedBetterCompression
		}
		pool := &sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
				return enc
			},
		}
		p, _ = zstdEncoders.LoadOrStore(level, pool)
	}
	return p.(*sync.Pool).Get().(*zstd.Encoder)
}

func putZstdEncoder(level int, enc *zstd.Encoder) {
	if p, ok := zstdEncoders.Load(level); ok {
		p.(*sync.Pool).Put(enc)
	}
}

// EncodeBlock compresses raw with the selected codec and appends a framed
// block to dst. It returns the extended slice and the integrity hash over
// the uncompressed bytes.
func EncodeBlock(dst, raw []byte, c Codec) ([]byte, uint64, error) {
	hash := Hash(raw)

	// scratch may back payload until the final append, so it is returned
	// to the pool only after dst is assembled.
	var scratch []byte
	defer func() {
		if scratch != nil {
			pool.Put(scratch, pool.Large)
		}
	}()

	var payload []byte
	switch c.Kind {
	case Passthrough:
		payload = raw
	case Zstd:
		if c.Level < -20 || c.Level > 20 {
			return nil, 0, errors.Newf(errors.ErrorTypeUserInput, "zstd level %d out of range", c.Level)
		}
		scratch = pool.Get(pool.Large)
		enc := zstdEncoder(c.Level)
		payload = enc.EncodeAll(raw, scratch)
		putZstdEncoder(c.Level, enc)
		scratch = payload
	case LZ4:
		if c.Level < 1 {
			return nil, 0, errors.Newf(errors.ErrorTypeUserInput, "lz4 acceleration %d out of range", c.Level)
		}
		bound := lz4.CompressBlockBound(len(raw))
		scratch = pool.Get(pool.Large)
		if cap(scratch) < bound {
			scratch = make([]byte, bound)
		}
		buf := scratch[:bound]
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(raw, buf)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrorTypeInternal, "lz4 compression failed")
		}
		if n == 0 || n >= len(raw) {
			// Incompressible: store raw, signalled by encLen == rawLen.
			payload = raw
		} else {
			payload = buf[:n]
		}
	case PFor:
		var err error
		payload, err = encodePFor(raw, c.Sub)
		if err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, errors.Newf(errors.ErrorTypeUserInput, "unsupported codec tag %d", c.Kind)
	}

	var frame [FrameSize]byte
	frame[0] = byte(c.Kind)
	frame[1] = byte(c.Sub)
	frame[2] = byte(int8(clampLevel(c.Level)))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(raw)))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint64(frame[12:20], hash)

	dst = append(dst, frame[:]...)
	dst = append(dst, payload...)
	return dst, hash, nil
}

func clampLevel(level int) int {
	if level > 127 {
		return 127
	}
	if level < -128 {
		return -128
	}
	return level
}

// DecodeBlock decodes one framed block from b, verifying the stored
// integrity hash against the decompressed bytes. It returns the raw bytes
// and the total number of input bytes consumed.
func DecodeBlock(b []byte) ([]byte, int, error) {
	if len(b) < FrameSize {
		return nil, 0, errors.New(errors.ErrorTypeCorrupt, "truncated block frame")
	}
	kind := Kind(b[0])
	sub := PForKind(b[1])
	rawLen := int(binary.LittleEndian.Uint32(b[4:8]))
	encLen := int(binary.LittleEndian.Uint32(b[8:12]))
	wantHash := binary.LittleEndian.Uint64(b[12:20])

	if len(b) < FrameSize+encLen {
		return nil, 0, errors.New(errors.ErrorTypeCorrupt, "truncated block payload")
	}
	payload := b[FrameSize : FrameSize+encLen]

	var raw []byte
	switch kind {
	case Passthrough:
		raw = make([]byte, encLen)
		copy(raw, payload)
	case Zstd:
		dec := zstdDecoders.Get().(*zstd.Decoder)
		var err error
		raw, err = dec.DecodeAll(payload, nil)
		zstdDecoders.Put(dec)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrorTypeCorrupt, "zstd decompression failed")
		}
	case LZ4:
		if encLen == rawLen {
			raw = make([]byte, rawLen)
			copy(raw, payload)
		} else {
			raw = make([]byte, rawLen)
			n, err := lz4.UncompressBlock(payload, raw)
			if err != nil {
				return nil, 0, errors.Wrap(err, errors.ErrorTypeCorrupt, "lz4 decompression failed")
			}
			raw = raw[:n]
		}
	case PFor:
		var err error
		raw, err = decodePFor(payload, sub, rawLen)
		if err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, errors.Newf(errors.ErrorTypeCorrupt, "unsupported codec tag %d", kind)
	}

	if len(raw) != rawLen {
		return nil, 0, errors.Newf(errors.ErrorTypeCorrupt,
			"decoded length %d does not match recorded %d", len(raw), rawLen)
	}
	if got := Hash(raw); got != wantHash {
		return nil, 0, errors.Newf(errors.ErrorTypeCorrupt,
			"block hash mismatch: got %x want %x", got, wantHash)
	}
	return raw, FrameSize + encLen, nil
}

// BlockSize reports the framed size of the block at the start of b without
// decoding it. Used by readers to skip bodies they do not need.
func BlockSize(b []byte) (int, error) {
	if len(b) < FrameSize {
		return 0, errors.New(errors.ErrorTypeCorrupt, "truncated block frame")
	}
	encLen := int(binary.LittleEndian.Uint32(b[8:12]))
	return FrameSize + encLen, nil
}
