package services

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/IBM/taxinomitis/internal/dataset"
	"github.com/IBM/taxinomitis/internal/models"
)

// LabelColumn is the outcome column every training CSV carries
const LabelColumn = "mlforkids_outcome_label"

const forbiddenCharacters = " \t?%,@.-"

// emptyFeatureName replaces names that sanitise to nothing, such as "--"
const emptyFeatureName = "feature"

// DescribeFeatures records the inferred type of every input column, in
// dataset order. The label column is not a feature.
func DescribeFeatures(frame *dataset.Frame, label string) *models.Features {
	features := models.NewFeatures()
	for _, c := range frame.Columns {
		if c.Name == label {
			continue
		}
		features.Set(c.Name, models.FeatureInfo{Type: string(c.Kind)})
	}
	return features
}

// SanitizeFeatureNames gives every feature a lower-case identifier safe to use
// in saved models, and returns the original -> sanitised mapping. Names are
// made unique by appending underscores, and never clash with reserved.
func SanitizeFeatureNames(features *models.Features, reserved ...string) map[string]string {
	taken := make(map[string]bool, features.Len()+len(reserved))
	for _, r := range reserved {
		taken[r] = true
	}

	mapping := make(map[string]string, features.Len())
	for _, column := range features.Columns() {
		name := sanitizeName(column)
		for taken[name] {
			name += "_"
		}
		taken[name] = true
		mapping[column] = name

		info, _ := features.Get(column)
		info.Name = name
		features.Set(column, info)
	}
	return mapping
}

func sanitizeName(column string) string {
	stripAccents := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	name, _, err := transform.String(stripAccents, column)
	if err != nil {
		name = column
	}

	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenCharacters, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.ToLower(name), "_")

	switch name {
	case "self":
		return "self_"
	case "":
		return emptyFeatureName
	}
	return name
}

// ExtractLabels returns the distinct values of the label column in first-seen
// order, and a copy of frame whose label column holds each row's index into
// that list.
func ExtractLabels(frame *dataset.Frame, label string) ([]string, *dataset.Frame, error) {
	out := frame.Clone()
	target, ok := out.Column(label)
	if !ok {
		return nil, nil, fmt.Errorf("label column %q not found", label)
	}

	labels := target.Unique()
	if len(labels) < 2 {
		return labels, nil, fmt.Errorf("need at least two different labels to train a model, found %d", len(labels))
	}

	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	for i, v := range target.Values {
		target.Values[i] = strconv.Itoa(index[v])
	}
	target.Kind = dataset.KindInt
	return labels, out, nil
}
