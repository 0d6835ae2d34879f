package main

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

// readCSVFrame loads a CSV file into a frame. The first column is the
// int64 index; the remaining columns are typed by inference over the
// whole file: int64, then float64, then bool, then string.
func readCSVFrame(path string) (*frame.Frame, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is caller-controlled
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUserInput, "failed to open input file")
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUserInput, "failed to parse CSV")
	}
	if len(records) < 2 {
		return nil, errors.New(errors.ErrorTypeUserInput, "input needs a header row and at least one data row")
	}
	header := records[0]
	rows := records[1:]
	if len(header) < 2 {
		return nil, errors.New(errors.ErrorTypeUserInput, "input needs an index column and at least one value column")
	}

	index := make([]int64, len(rows))
	for i, row := range rows {
		if len(row) != len(header) {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "row %d has %d fields, want %d", i+2, len(row), len(header))
		}
		v, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "row %d: index %q is not an int64", i+2, row[0])
		}
		index[i] = v
	}

	cols := make([]*frame.Column, 0, len(header)-1)
	for c := 1; c < len(header); c++ {
		cols = append(cols, inferColumn(header[c], rows, c))
	}
	return frame.New(frame.NewInt64(header[0], index), cols...)
}

func inferColumn(name string, rows [][]string, c int) *frame.Column {
	isInt, isFloat, isBool := true, true, true
	for _, row := range rows {
		s := row[c]
		if s == "" {
			continue
		}
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			isInt = false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			isFloat = false
		}
		if _, err := strconv.ParseBool(s); err != nil {
			isBool = false
		}
	}

	n := len(rows)
	switch {
	case isInt:
		col := frame.NewInt64(name, make([]int64, n))
		for i, row := range rows {
			if row[c] == "" {
				col.SetNull(i)
				continue
			}
			col.Ints[i], _ = strconv.ParseInt(row[c], 10, 64)
		}
		return col
	case isFloat:
		col := frame.NewFloat64(name, make([]float64, n))
		for i, row := range rows {
			if row[c] == "" {
				col.SetNull(i)
				continue
			}
			col.Floats[i], _ = strconv.ParseFloat(row[c], 64)
		}
		return col
	case isBool:
		col := frame.NewBool(name, make([]bool, n))
		for i, row := range rows {
			if row[c] == "" {
				col.SetNull(i)
				continue
			}
			col.Bools[i], _ = strconv.ParseBool(row[c])
		}
		return col
	default:
		vals := make([]string, n)
		for i, row := range rows {
			vals[i] = row[c]
		}
		return frame.NewString(name, vals)
	}
}

// writeCSVFrame prints the frame as CSV, index first. Nulls render as
// empty fields.
func writeCSVFrame(w io.Writer, fr *frame.Frame, limit int) error {
	out := csv.NewWriter(w)
	header := append([]string{fr.Index.Name}, fr.ColumnNames()...)
	if err := out.Write(header); err != nil {
		return err
	}

	n := fr.RowCount()
	if limit > 0 && limit < n {
		n = limit
	}
	row := make([]string, len(header))
	for i := 0; i < n; i++ {
		row[0] = renderCell(fr.Index, i)
		for j, col := range fr.Columns {
			row[j+1] = renderCell(col, i)
		}
		if err := out.Write(row); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

func renderCell(col *frame.Column, i int) string {
	if col.IsNull(i) {
		return ""
	}
	switch col.Type {
	case frame.Float64:
		return strconv.FormatFloat(col.Floats[i], 'g', -1, 64)
	case frame.Bool:
		return strconv.FormatBool(col.Bools[i])
	case frame.String:
		return col.Strs[i]
	default:
		return strconv.FormatInt(col.Ints[i], 10)
	}
}
