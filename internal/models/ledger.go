package models

import (
	"errors"
	"fmt"
	"time"
)

type ModelStatus string

const (
	StatusTraining    ModelStatus = "Training"
	StatusAvailable   ModelStatus = "Available"
	StatusFailed      ModelStatus = "Failed"
	StatusUnavailable ModelStatus = "Unavailable"
)

// ErrInvalidTransition is returned when a ledger event does not apply to the
// entry's current status.
var ErrInvalidTransition = errors.New("invalid model status transition")

// ErrorInfo describes why a training run failed
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// ModelURLs points at the files a client can fetch for a model
type ModelURLs struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
	Bundle string `json:"bundle,omitempty"`
	JSON   string `json:"json,omitempty"`
	Tree   string `json:"tree,omitempty"`
	Dot    string `json:"dot,omitempty"`
	Vocab  string `json:"vocab,omitempty"`
}

// ModelInfo is the ledger entry for one model key. Values are treated as
// immutable: transitions return a new entry and never modify the receiver.
type ModelInfo struct {
	Key        string      `json:"key"`
	Status     ModelStatus `json:"status"`
	URLs       *ModelURLs  `json:"urls,omitempty"`
	Features   *Features   `json:"features,omitempty"`
	Labels     []string    `json:"labels,omitempty"`
	Error      *ErrorInfo  `json:"error,omitempty"`
	LastUpdate time.Time   `json:"lastupdate,omitzero"`

	// RunID identifies the training round that owns this entry. It is not
	// persisted: entries read back from disk never belong to a live run.
	RunID string `json:"-"`
}

// Unavailable is the shape returned for a key with no ledger entry
func Unavailable(key string) ModelInfo {
	return ModelInfo{Key: key, Status: StatusUnavailable}
}

// NewTraining creates the initial entry for a freshly accepted request.
func NewTraining(key string, statusURL string, runID string, now time.Time) ModelInfo {
	return ModelInfo{
		Key:        key,
		Status:     StatusTraining,
		URLs:       &ModelURLs{Status: statusURL},
		LastUpdate: now.UTC(),
		RunID:      runID,
	}
}

// NewTrainingAfter is NewTraining for a key that already had an entry stamped
// prev. The new entry is always later than prev, even if the clock went back.
func NewTrainingAfter(key string, statusURL string, runID string, prev, now time.Time) ModelInfo {
	entry := NewTraining(key, statusURL, runID, now)
	entry.LastUpdate = nextUpdate(prev, now)
	return entry
}

// WithFeatures records the introspected feature types and sanitised names.
func (m ModelInfo) WithFeatures(features *Features, now time.Time) (ModelInfo, error) {
	if m.Status != StatusTraining {
		return m, fmt.Errorf("%w: features recorded while %s", ErrInvalidTransition, m.Status)
	}
	next := m.clone()
	next.Features = features.Clone()
	next.LastUpdate = nextUpdate(m.LastUpdate, now)
	return next, nil
}

// WithLabels records the class names in first-seen order.
func (m ModelInfo) WithLabels(labels []string, now time.Time) (ModelInfo, error) {
	if m.Status != StatusTraining {
		return m, fmt.Errorf("%w: labels recorded while %s", ErrInvalidTransition, m.Status)
	}
	next := m.clone()
	next.Labels = make([]string, len(labels))
	copy(next.Labels, labels)
	next.LastUpdate = nextUpdate(m.LastUpdate, now)
	return next, nil
}

// MarkAvailable moves a Training entry to Available with its artifact URLs.
func (m ModelInfo) MarkAvailable(urls ModelURLs, now time.Time) (ModelInfo, error) {
	if m.Status != StatusTraining {
		return m, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusAvailable)
	}
	if m.Features == nil || m.Labels == nil {
		return m, fmt.Errorf("%w: available model needs features and labels", ErrInvalidTransition)
	}
	next := m.clone()
	next.Status = StatusAvailable
	next.URLs = &urls
	next.Error = nil
	next.LastUpdate = nextUpdate(m.LastUpdate, now)
	return next, nil
}

// MarkFailed moves a Training entry to Failed. Features and labels computed
// before the failure are kept.
func (m ModelInfo) MarkFailed(cause ErrorInfo, now time.Time) (ModelInfo, error) {
	if m.Status != StatusTraining {
		return m, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusFailed)
	}
	next := m.clone()
	next.Status = StatusFailed
	next.Error = &cause
	next.LastUpdate = nextUpdate(m.LastUpdate, now)
	return next, nil
}

// IsTraining reports whether a run is in flight for this entry
func (m ModelInfo) IsTraining() bool {
	return m.Status == StatusTraining
}

func (m ModelInfo) clone() ModelInfo {
	next := m
	if m.URLs != nil {
		urls := *m.URLs
		next.URLs = &urls
	}
	if m.Error != nil {
		e := *m.Error
		next.Error = &e
	}
	return next
}

// nextUpdate keeps lastupdate strictly increasing for one entry even when
// the wall clock does not move between two transitions.
func nextUpdate(prev, now time.Time) time.Time {
	now = now.UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
