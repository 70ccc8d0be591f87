package tree

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IBM/taxinomitis/internal/dataset"
	"github.com/IBM/taxinomitis/internal/learning"
)

const fruit = `colour,size,label
red,1,0
red,2,0
blue,8,1
blue,9,1
`

func readFrame(t *testing.T, csv string) *dataset.Frame {
	t.Helper()
	frame, err := dataset.ReadCSV(strings.NewReader(csv))
	require.NoError(t, err)
	return frame
}

func train(t *testing.T, l Learner, csv string) *Model {
	t.Helper()
	model, err := l.Train(context.Background(), readFrame(t, csv), "label")
	require.NoError(t, err)
	return model.(*Model)
}

func TestTrainSplitsOnFirstBestFeature(t *testing.T) {
	m := train(t, Learner{}, fruit)

	assert.Equal(t, []string{"colour=blue", "colour=red", "size"}, m.FeatureNames())
	assert.Equal(t, []string{"0", "1"}, m.Classes())
	assert.Equal(t, 1, m.Depth())
	require.Len(t, m.nodes, 3)
	assert.Equal(t, 0, m.nodes[0].Feature)
	assert.Equal(t, 0.5, m.nodes[0].Threshold)

	probs, err := m.Predict(map[string]string{"colour": "blue", "size": "8"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, probs)

	probs, err = m.Predict(map[string]string{"colour": "red"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, probs)
}

func TestTextClassesAreSortedLexically(t *testing.T) {
	m := train(t, Learner{}, "x,label\n1,survived\n2,died\n3,survived\n")
	assert.Equal(t, []string{"died", "survived"}, m.Classes())
}

func TestMaxDepthLimitsGrowth(t *testing.T) {
	csv := "x,label\n1,a\n2,b\n3,c\n4,a\n5,b\n6,c\n"

	deep := train(t, Learner{}, csv)
	assert.Greater(t, deep.Depth(), 1)

	shallow := train(t, Learner{MaxDepth: 1}, csv)
	assert.Equal(t, 1, shallow.Depth())
}

func TestTrainStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Learner{}.Train(ctx, readFrame(t, fruit), "label")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainNeedsLabelAndFeatures(t *testing.T) {
	_, err := Learner{}.Train(context.Background(), readFrame(t, fruit), "missing")
	assert.Error(t, err)

	_, err = Learner{}.Train(context.Background(), readFrame(t, "label\na\nb\n"), "label")
	assert.ErrorIs(t, err, errNoFeatures)
}

func TestExportAndLoad(t *testing.T) {
	m := train(t, Learner{}, fruit)

	var buf bytes.Buffer
	require.NoError(t, m.Export(&buf))

	loaded, err := Loader{}.Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Classes(), loaded.Classes())

	row := map[string]string{"colour": "blue", "size": "9"}
	want, err := m.Predict(row)
	require.NoError(t, err)
	got, err := loaded.Predict(row)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	tests := map[string]string{
		"not json":       "nope",
		"wrong format":   `{"format":"other","classes":["a"],"nodes":[{"feature":-1,"value":[1]}]}`,
		"no nodes":       `{"format":"mlforkids-decision-tree/v1","classes":["a"],"nodes":[]}`,
		"value mismatch": `{"format":"mlforkids-decision-tree/v1","classes":["a","b"],"nodes":[{"feature":-1,"value":[1]}]}`,
		"bad feature":    `{"format":"mlforkids-decision-tree/v1","classes":["a"],"nodes":[{"feature":3,"left":1,"right":2,"value":[1]},{"feature":-1,"value":[1]},{"feature":-1,"value":[1]}]}`,
		"backwards edge": `{"format":"mlforkids-decision-tree/v1","features":[{"name":"x","column":"x","kind":"number"}],"classes":["a"],"nodes":[{"feature":0,"left":0,"right":1,"value":[1]},{"feature":-1,"value":[1]}]}`,
	}
	for name, doc := range tests {
		_, err := Loader{}.Load(strings.NewReader(doc))
		assert.Error(t, err, name)
	}
}

func TestSaveWritesNestedFiles(t *testing.T) {
	m := train(t, Learner{}, fruit)
	dir := t.TempDir()

	require.NoError(t, m.Save(dir))
	for _, name := range []string{ModelFileName, VocabularyFileName, ClassesFileName} {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name)))
		assert.NoError(t, err, name)
	}

	vocab, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(VocabularyFileName)))
	require.NoError(t, err)
	assert.JSONEq(t, `["colour=blue","colour=red","size"]`, string(vocab))
}

func TestSaveDoesNotRecreateMissingFolder(t *testing.T) {
	m := train(t, Learner{}, fruit)
	dir := filepath.Join(t.TempDir(), "gone")

	assert.Error(t, m.Save(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDOT(t *testing.T) {
	m := train(t, Learner{}, fruit)
	dot := m.DOT()

	assert.True(t, strings.HasPrefix(dot, "digraph Tree {\n"))
	assert.True(t, strings.HasSuffix(dot, "}"))
	assert.Contains(t, dot, `0 [label="colour=blue <= 0.5\nsamples = 4\nvalue = [2, 2]\nclass = 0"`)
	assert.Contains(t, dot, `0 -> 1 [labeldistance=2.5, labelangle=45, headlabel="True"] ;`)
	assert.Contains(t, dot, `0 -> 2 [labeldistance=2.5, labelangle=-45, headlabel="False"] ;`)
	assert.Contains(t, dot, `2 [label="samples = 2\nvalue = [0, 2]\nclass = 1", fillcolor="#39e581"] ;`)
}

type fakeConverter struct {
	svg string
	err error
}

func (f fakeConverter) ToSVG(context.Context, string) (string, error) {
	return f.svg, f.err
}

func TestRenderer(t *testing.T) {
	m := train(t, Learner{}, fruit)
	ctx := context.Background()

	vis, err := Renderer{Converter: fakeConverter{svg: "<svg/>"}}.Render(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", vis.SVG)
	assert.Equal(t, m.DOT(), vis.DOT)
	assert.Equal(t, m.FeatureNames(), vis.Vocabulary)

	vis, err = Renderer{Converter: fakeConverter{err: learning.ErrNoSVG}}.Render(ctx, m)
	require.NoError(t, err)
	assert.Empty(t, vis.SVG)

	_, err = Renderer{Converter: fakeConverter{err: errors.New("dot crashed")}}.Render(ctx, m)
	assert.Error(t, err)

	vis, err = Renderer{}.Render(ctx, m)
	require.NoError(t, err)
	assert.Empty(t, vis.SVG)
	assert.NotEmpty(t, vis.DOT)
}
