package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/elliotchance/orderedmap"
)

// FeatureInfo describes one input column of a training dataset
type FeatureInfo struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Features maps original column names to their FeatureInfo, keeping the
// column order of the dataset they came from.
type Features struct {
	columns *orderedmap.OrderedMap
}

func NewFeatures() *Features {
	return &Features{columns: orderedmap.NewOrderedMap()}
}

func (f *Features) Set(column string, info FeatureInfo) {
	f.columns.Set(column, info)
}

func (f *Features) Get(column string) (FeatureInfo, bool) {
	if f == nil {
		return FeatureInfo{}, false
	}
	v, ok := f.columns.Get(column)
	if !ok {
		return FeatureInfo{}, false
	}
	return v.(FeatureInfo), true
}

// Columns returns the original column names in dataset order
func (f *Features) Columns() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, f.columns.Len())
	for el := f.columns.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key.(string))
	}
	return out
}

func (f *Features) Len() int {
	if f == nil {
		return 0
	}
	return f.columns.Len()
}

// SanitizedNames returns the original -> sanitised column name mapping
func (f *Features) SanitizedNames() map[string]string {
	out := make(map[string]string, f.Len())
	for _, column := range f.Columns() {
		info, _ := f.Get(column)
		out[column] = info.Name
	}
	return out
}

func (f *Features) Clone() *Features {
	if f == nil {
		return nil
	}
	next := NewFeatures()
	for el := f.columns.Front(); el != nil; el = el.Next() {
		next.columns.Set(el.Key, el.Value)
	}
	return next
}

func (f *Features) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for el := f.columns.Front(); el != nil; el = el.Next() {
		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, err := json.Marshal(el.Key.(string))
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(el.Value.(FeatureInfo))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *Features) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("features: expected object, got %v", tok)
	}

	f.columns = orderedmap.NewOrderedMap()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		column, ok := tok.(string)
		if !ok {
			return fmt.Errorf("features: expected column name, got %v", tok)
		}
		var info FeatureInfo
		if err := dec.Decode(&info); err != nil {
			return fmt.Errorf("features: column %q: %w", column, err)
		}
		f.columns.Set(column, info)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
