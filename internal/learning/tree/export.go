package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/IBM/taxinomitis/internal/learning"
)

// FormatVersion identifies the JSON interchange document
const FormatVersion = "mlforkids-decision-tree/v1"

type document struct {
	Format   string    `json:"format"`
	Features []feature `json:"features"`
	Classes  []string  `json:"classes"`
	Nodes    []node    `json:"nodes"`
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Model) exportBytes() ([]byte, error) {
	return marshal(document{
		Format:   FormatVersion,
		Features: m.vec.features,
		Classes:  m.classes,
		Nodes:    m.nodes,
	})
}

// Export writes the tree as one self-contained JSON document
func (m *Model) Export(w io.Writer) error {
	data, err := m.exportBytes()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Loader reads trees written by Export
type Loader struct{}

var _ learning.Loader = Loader{}

func (Loader) Load(r io.Reader) (learning.Model, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decision tree: %w", err)
	}
	if doc.Format != FormatVersion {
		return nil, fmt.Errorf("decision tree: unsupported format %q", doc.Format)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	return &Model{
		vec:     &vectorizer{features: doc.Features},
		classes: doc.Classes,
		nodes:   doc.Nodes,
	}, nil
}

func validate(doc document) error {
	if len(doc.Nodes) == 0 {
		return fmt.Errorf("decision tree: no nodes")
	}
	for i, n := range doc.Nodes {
		if len(n.Value) != len(doc.Classes) {
			return fmt.Errorf("decision tree: node %d has %d values for %d classes", i, len(n.Value), len(doc.Classes))
		}
		if n.isLeaf() {
			continue
		}
		if n.Feature < 0 || n.Feature >= len(doc.Features) {
			return fmt.Errorf("decision tree: node %d splits on unknown feature %d", i, n.Feature)
		}
		// children always come after their parent
		if n.Left <= i || n.Left >= len(doc.Nodes) || n.Right <= i || n.Right >= len(doc.Nodes) {
			return fmt.Errorf("decision tree: node %d has invalid children", i)
		}
	}
	return nil
}
