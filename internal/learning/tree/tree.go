// Package tree is the built-in learner: a CART decision tree split on gini
// impurity, with text columns one-hot encoded.
package tree

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/IBM/taxinomitis/internal/dataset"
	"github.com/IBM/taxinomitis/internal/learning"
)

const (
	leaf = -1

	// Files written by Save, relative to the model folder
	ModelFileName      = "tree.json"
	VocabularyFileName = "meta/vocabulary.json"
	ClassesFileName    = "meta/classes.json"
)

var errNoFeatures = errors.New("decision tree: no feature columns")

type node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      int       `json:"left,omitempty"`
	Right     int       `json:"right,omitempty"`
	Value     []float64 `json:"value"`
}

func (n node) isLeaf() bool {
	return n.Feature == leaf
}

// Learner fits decision trees. MaxDepth of zero or less grows until every
// leaf is pure.
type Learner struct {
	MaxDepth        int
	MinSamplesSplit int
}

var _ learning.Learner = Learner{}

func (l Learner) Train(ctx context.Context, frame *dataset.Frame, label string) (learning.Model, error) {
	target, ok := frame.Column(label)
	if !ok {
		return nil, fmt.Errorf("decision tree: label column %q not found", label)
	}
	inputs := frame.Without(label)
	vec := newVectorizer(inputs)
	if len(vec.features) == 0 {
		return nil, errNoFeatures
	}

	classes := sortedClasses(target.Unique())
	classIndex := make(map[string]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}

	n := frame.Len()
	b := &builder{
		x:          make([][]float64, n),
		y:          make([]int, n),
		numClasses: len(classes),
		maxDepth:   l.MaxDepth,
		minSplit:   l.MinSamplesSplit,
	}
	if b.minSplit < 2 {
		b.minSplit = 2
	}
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		b.x[i] = vec.transform(inputs.Row(i))
		b.y[i] = classIndex[target.Values[i]]
		idx[i] = i
	}

	if _, err := b.grow(ctx, idx, 0); err != nil {
		return nil, err
	}
	return &Model{vec: vec, classes: classes, nodes: b.nodes}, nil
}

// sortedClasses orders class values numerically when they are all integers,
// otherwise lexically.
func sortedClasses(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)

	numeric := true
	for _, v := range out {
		if _, err := strconv.Atoi(v); err != nil {
			numeric = false
			break
		}
	}
	if numeric {
		sort.Slice(out, func(i, j int) bool {
			a, _ := strconv.Atoi(out[i])
			b, _ := strconv.Atoi(out[j])
			return a < b
		})
		return out
	}
	sort.Strings(out)
	return out
}

type builder struct {
	x          [][]float64
	y          []int
	numClasses int
	maxDepth   int
	minSplit   int
	nodes      []node
}

func (b *builder) grow(ctx context.Context, idx []int, depth int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	counts := b.counts(idx)
	pos := len(b.nodes)
	b.nodes = append(b.nodes, node{Feature: leaf, Value: counts})

	if (b.maxDepth > 0 && depth >= b.maxDepth) || len(idx) < b.minSplit || isPure(counts) {
		return pos, nil
	}
	f, threshold, ok := b.bestSplit(idx, counts)
	if !ok {
		return pos, nil
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][f] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l, err := b.grow(ctx, left, depth+1)
	if err != nil {
		return 0, err
	}
	r, err := b.grow(ctx, right, depth+1)
	if err != nil {
		return 0, err
	}
	b.nodes[pos].Feature = f
	b.nodes[pos].Threshold = threshold
	b.nodes[pos].Left = l
	b.nodes[pos].Right = r
	return pos, nil
}

func (b *builder) counts(idx []int) []float64 {
	counts := make([]float64, b.numClasses)
	for _, i := range idx {
		counts[b.y[i]]++
	}
	return counts
}

// bestSplit finds the feature and threshold with the lowest weighted gini
// impurity. Ties keep the first feature in vocabulary order.
func (b *builder) bestSplit(idx []int, parent []float64) (int, float64, bool) {
	n := float64(len(idx))
	best := gini(parent, n) - 1e-12
	bestFeature, bestThreshold, found := 0, 0.0, false

	sorted := make([]int, len(idx))
	left := make([]float64, b.numClasses)
	right := make([]float64, b.numClasses)

	for f := range b.x[idx[0]] {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(i, j int) bool {
			return b.x[sorted[i]][f] < b.x[sorted[j]][f]
		})
		for c := range left {
			left[c] = 0
			right[c] = parent[c]
		}

		for k := 0; k < len(sorted)-1; k++ {
			cls := b.y[sorted[k]]
			left[cls]++
			right[cls]--

			here, next := b.x[sorted[k]][f], b.x[sorted[k+1]][f]
			if here == next {
				continue
			}
			nl := float64(k + 1)
			nr := n - nl
			impurity := (nl*gini(left, nl) + nr*gini(right, nr)) / n
			if impurity < best {
				best = impurity
				bestFeature = f
				bestThreshold = here + (next-here)/2
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func gini(counts []float64, total float64) float64 {
	if total == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range counts {
		p := c / total
		sum += p * p
	}
	return 1 - sum
}

func isPure(counts []float64) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

// Model is a fitted decision tree
type Model struct {
	vec     *vectorizer
	classes []string
	nodes   []node
}

var (
	_ learning.Model    = (*Model)(nil)
	_ learning.Exporter = (*Model)(nil)
)

func (m *Model) Classes() []string {
	out := make([]string, len(m.classes))
	copy(out, m.classes)
	return out
}

// FeatureNames returns the encoded feature vocabulary
func (m *Model) FeatureNames() []string {
	return m.vec.names()
}

// Depth returns the number of splits on the longest path from the root
func (m *Model) Depth() int {
	var depth func(i int) int
	depth = func(i int) int {
		n := m.nodes[i]
		if n.isLeaf() {
			return 0
		}
		return 1 + max(depth(n.Left), depth(n.Right))
	}
	return depth(0)
}

func (m *Model) Predict(row map[string]string) ([]float64, error) {
	x := m.vec.transform(row)
	i := 0
	for steps := 0; !m.nodes[i].isLeaf(); steps++ {
		if steps > len(m.nodes) {
			return nil, errors.New("decision tree: cycle in nodes")
		}
		n := m.nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}

	value := m.nodes[i].Value
	total := 0.0
	for _, v := range value {
		total += v
	}
	probs := make([]float64, len(value))
	for c, v := range value {
		if total > 0 {
			probs[c] = v / total
		} else {
			probs[c] = math.NaN()
		}
	}
	return probs, nil
}

// Save writes the exported tree plus its vocabulary and classes as separate
// files under a meta folder.
func (m *Model) Save(dir string) error {
	files := map[string]func() ([]byte, error){
		ModelFileName:      m.exportBytes,
		VocabularyFileName: func() ([]byte, error) { return marshal(m.vec.names()) },
		ClassesFileName:    func() ([]byte, error) { return marshal(m.classes) },
	}
	for name, render := range files {
		data, err := render()
		if err != nil {
			return err
		}
		path := filepath.Join(dir, filepath.FromSlash(name))
		// only ever one level below dir, and never recreate dir itself
		if parent := filepath.Dir(path); parent != filepath.Clean(dir) {
			if err := os.Mkdir(parent, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return err
			}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
