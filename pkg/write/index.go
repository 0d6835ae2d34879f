package write

import (
	json "github.com/goccy/go-json"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
	"github.com/tundradb/tundra/pkg/keys"
	"github.com/tundradb/tundra/pkg/segment"
)

// Field is one column of the symbol's schema as recorded in the index
// segment.
type Field struct {
	Name  string      `json:"name"`
	DType frame.DType `json:"dtype"`
}

// Tile maps one row-by-column slice to its data key. Start and End are
// the tile's index bounds, both inclusive; Rows is the tile's row count.
// Seq is the ordinal of the tile's row slice within the version; column
// siblings of one row slice share it. Bounds alone cannot identify a
// slice because duplicate index values can fill adjacent slices with
// identical bounds.
type Tile struct {
	Key     string          `json:"key"`
	Seq     int             `json:"seq"`
	Start   keys.IndexValue `json:"start"`
	End     keys.IndexValue `json:"end"`
	Rows    int             `json:"rows"`
	Columns []string        `json:"columns"`
}

// IndexDoc is the decoded index segment: the schema of the version and
// the tile map covering its rows. Tiles are ordered by row position;
// tiles of the same row slice are adjacent and carry disjoint column
// sets.
type IndexDoc struct {
	Index     Field                          `json:"index"`
	Fields    []Field                        `json:"fields"`
	TotalRows int                            `json:"total_rows"`
	Tiles     []Tile                         `json:"tiles"`
	Stats     map[string]*segment.FieldStats `json:"stats,omitempty"`
}

// DataKeys lists every data key path the index references
func (d *IndexDoc) DataKeys() []string {
	seen := make(map[string]bool, len(d.Tiles))
	out := make([]string, 0, len(d.Tiles))
	for _, t := range d.Tiles {
		if !seen[t.Key] {
			seen[t.Key] = true
			out = append(out, t.Key)
		}
	}
	return out
}

// Bounds returns the index range covered by the tile map
func (d *IndexDoc) Bounds() (start, end keys.IndexValue, ok bool) {
	for _, t := range d.Tiles {
		if !ok {
			start, end, ok = t.Start, t.End, true
			continue
		}
		if t.Start.Less(start) {
			start = t.Start
		}
		if end.Less(t.End) {
			end = t.End
		}
	}
	return start, end, ok
}

// ColumnNames lists the schema's column names in declaration order
func (d *IndexDoc) ColumnNames() []string {
	out := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		out[i] = f.Name
	}
	return out
}

// encodeIndexDoc serialises the doc as a single codec block
func encodeIndexDoc(doc *IndexDoc) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode index segment")
	}
	data, _, err := codec.EncodeBlock(nil, raw, codec.Codec{Kind: codec.LZ4, Level: 1})
	return data, err
}

// decodeIndexDoc inverts encodeIndexDoc
func decodeIndexDoc(data []byte) (*IndexDoc, error) {
	raw, _, err := codec.DecodeBlock(data)
	if err != nil {
		return nil, err
	}
	doc := &IndexDoc{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "failed to decode index segment")
	}
	return doc, nil
}
