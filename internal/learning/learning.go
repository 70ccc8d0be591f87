// Package learning defines what the training pipeline needs from a machine
// learning library: something that fits a classifier to a frame, and
// something that draws a fitted model.
package learning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/IBM/taxinomitis/internal/dataset"
)

// Model is a fitted classifier.
type Model interface {
	// Classes returns the class values the model predicts, in the order used
	// by Predict's probability vector.
	Classes() []string
	// Predict returns one probability per class for a row of raw feature values.
	Predict(row map[string]string) ([]float64, error)
	// Save writes the model's files into an existing, empty folder.
	Save(dir string) error
}

// Exporter is implemented by models that can be written as a single JSON
// document for inference outside this service.
type Exporter interface {
	Export(w io.Writer) error
}

// Learner fits a classifier to every column of frame except label.
type Learner interface {
	Train(ctx context.Context, frame *dataset.Frame, label string) (Model, error)
}

// Loader reads a model back from the document written by its Exporter.
type Loader interface {
	Load(r io.Reader) (Model, error)
}

// Visualisation is a drawing of a fitted model
type Visualisation struct {
	SVG        string
	DOT        string
	Vocabulary []string
}

// Renderer draws a fitted model.
type Renderer interface {
	Render(ctx context.Context, model Model) (*Visualisation, error)
}

// SVGConverter turns a Graphviz DOT description into SVG.
type SVGConverter interface {
	ToSVG(ctx context.Context, dot string) (string, error)
}

// ErrNoSVG is returned by converters that are not configured
var ErrNoSVG = errors.New("svg conversion is not available")

// GraphvizConverter runs the Graphviz dot binary
type GraphvizConverter struct {
	Path string
}

func (g GraphvizConverter) ToSVG(ctx context.Context, dot string) (string, error) {
	if strings.TrimSpace(g.Path) == "" {
		return "", ErrNoSVG
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.Path, "-Tsvg")
	cmd.Stdin = strings.NewReader(dot)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("graphviz: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.ReplaceAll(stdout.String(), "\n", ""), nil
}
