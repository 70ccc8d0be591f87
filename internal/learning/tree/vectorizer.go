package tree

import (
	"sort"
	"strconv"
	"strings"

	"github.com/IBM/taxinomitis/internal/dataset"
)

const (
	kindNumber = "number"
	kindOneHot = "onehot"
)

// feature is one numeric input of the tree. Numeric columns map to a single
// feature; text columns are expanded to one "column=value" indicator per
// distinct value.
type feature struct {
	Name   string `json:"name"`
	Column string `json:"column"`
	Value  string `json:"value,omitempty"`
	Kind   string `json:"kind"`
}

type vectorizer struct {
	features []feature
}

func newVectorizer(frame *dataset.Frame) *vectorizer {
	var features []feature
	for _, c := range frame.Columns {
		if c.Kind.IsNumeric() || c.Kind == dataset.KindBool {
			features = append(features, feature{Name: c.Name, Column: c.Name, Kind: kindNumber})
			continue
		}
		for _, v := range c.Unique() {
			if strings.TrimSpace(v) == "" {
				continue
			}
			features = append(features, feature{
				Name:   c.Name + "=" + v,
				Column: c.Name,
				Value:  v,
				Kind:   kindOneHot,
			})
		}
	}
	sort.SliceStable(features, func(i, j int) bool {
		return features[i].Name < features[j].Name
	})
	return &vectorizer{features: features}
}

func (v *vectorizer) names() []string {
	out := make([]string, len(v.features))
	for i, f := range v.features {
		out[i] = f.Name
	}
	return out
}

// transform converts raw values into the feature vector. Missing or
// unparseable numbers are read as zero, and unseen text values set no
// indicator.
func (v *vectorizer) transform(row map[string]string) []float64 {
	x := make([]float64, len(v.features))
	for i, f := range v.features {
		raw, ok := row[f.Column]
		if !ok {
			continue
		}
		switch f.Kind {
		case kindOneHot:
			if raw == f.Value {
				x[i] = 1
			}
		default:
			x[i] = parseNumber(raw)
		}
	}
	return x
}

func parseNumber(raw string) float64 {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "true":
		return 1
	case "false", "":
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}
