package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrInvalidDataset marks uploads that cannot be parsed into a training frame
var ErrInvalidDataset = errors.New("unable to process CSV file")

// Kind is the inferred type of a column, named the way pandas names dtypes
type Kind string

const (
	KindInt    Kind = "int64"
	KindFloat  Kind = "float64"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
)

// IsNumeric reports whether values of this kind are compared as numbers
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat
}

type Column struct {
	Name   string
	Kind   Kind
	Values []string
}

// Float returns the numeric value of row i. Missing values report false.
func (c *Column) Float(i int) (float64, bool) {
	v := strings.TrimSpace(c.Values[i])
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Unique returns the distinct values of the column in first-seen order
func (c *Column) Unique() []string {
	seen := make(map[string]struct{}, len(c.Values))
	var out []string
	for _, v := range c.Values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Frame is a small column-oriented table of training data
type Frame struct {
	Columns []*Column
}

// Len returns the number of rows
func (f *Frame) Len() int {
	if len(f.Columns) == 0 {
		return 0
	}
	return len(f.Columns[0].Values)
}

func (f *Frame) Names() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

func (f *Frame) Column(name string) (*Column, bool) {
	for _, c := range f.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Without returns a frame sharing all columns except the named one
func (f *Frame) Without(name string) *Frame {
	out := &Frame{}
	for _, c := range f.Columns {
		if c.Name != name {
			out.Columns = append(out.Columns, c)
		}
	}
	return out
}

// Clone copies the frame so that renames and value changes do not leak back
func (f *Frame) Clone() *Frame {
	out := &Frame{Columns: make([]*Column, len(f.Columns))}
	for i, c := range f.Columns {
		values := make([]string, len(c.Values))
		copy(values, c.Values)
		out.Columns[i] = &Column{Name: c.Name, Kind: c.Kind, Values: values}
	}
	return out
}

// Rename changes column names in place using an old -> new mapping
func (f *Frame) Rename(mapping map[string]string) {
	for _, c := range f.Columns {
		if name, ok := mapping[c.Name]; ok {
			c.Name = name
		}
	}
}

// Row returns row i as a column name -> raw value map
func (f *Frame) Row(i int) map[string]string {
	row := make(map[string]string, len(f.Columns))
	for _, c := range f.Columns {
		row[c.Name] = c.Values[i]
	}
	return row
}

// ReadCSV parses a CSV upload with a header row. Column types are inferred
// from the values; duplicate header names get a ".N" suffix.
func ReadCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalidDataset)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataset, err)
	}
	header = trimBOM(header)

	names := uniqueHeaderNames(header)
	frame := &Frame{Columns: make([]*Column, len(names))}
	for i, name := range names {
		frame.Columns[i] = &Column{Name: name}
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataset, err)
		}
		for i, value := range record {
			frame.Columns[i].Values = append(frame.Columns[i].Values, value)
		}
	}

	if frame.Len() == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrInvalidDataset)
	}
	for _, c := range frame.Columns {
		c.Kind = inferKind(c.Values)
	}
	return frame, nil
}

func trimBOM(header []string) []string {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	return header
}

func uniqueHeaderNames(header []string) []string {
	names := make([]string, len(header))
	taken := make(map[string]bool, len(header))
	for i, name := range header {
		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}
		candidate := name
		for n := 1; taken[candidate]; n++ {
			candidate = fmt.Sprintf("%s.%d", name, n)
		}
		taken[candidate] = true
		names[i] = candidate
	}
	return names
}

func inferKind(values []string) Kind {
	isInt, isFloat, isBool := true, true, true
	missing := false
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			missing = true
			continue
		}
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
			}
		}
		if isBool {
			switch strings.ToLower(v) {
			case "true", "false":
			default:
				isBool = false
			}
		}
	}
	switch {
	case isInt && !missing:
		return KindInt
	case isFloat:
		// columns of missing values only are read as floats, like NaN columns
		return KindFloat
	case isBool && !missing:
		return KindBool
	default:
		return KindObject
	}
}
