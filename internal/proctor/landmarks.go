package proctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Landmark indices in a face-mesh landmark set.
const (
	IdxNoseTip  = 1
	IdxUpperLip = 13
	IdxLowerLip = 14
	IdxLeftEye  = 33
	IdxRightEye = 263
)

// ErrIncompleteLandmarks means a landmark set lacks a point the detectors need.
var ErrIncompleteLandmarks = errors.New("landmark set is missing required points")

// Point is a landmark in normalized image coordinates (0..1).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmarks is one face's landmark set. A nil *Landmarks means no face.
type Landmarks struct {
	Points []Point `json:"points"`
}

// At returns the point at idx.
func (l *Landmarks) At(idx int) (Point, bool) {
	if l == nil || idx < 0 || idx >= len(l.Points) {
		return Point{}, false
	}
	return l.Points[idx], true
}

// Validate checks that every point the detectors read is present.
func (l *Landmarks) Validate() error {
	for _, idx := range []int{IdxNoseTip, IdxUpperLip, IdxLowerLip, IdxLeftEye, IdxRightEye} {
		if _, ok := l.At(idx); !ok {
			return fmt.Errorf("%w: index %d", ErrIncompleteLandmarks, idx)
		}
	}
	return nil
}

// Frame is one captured video frame. Data is opaque to the monitor and only
// interpreted by the extractor.
type Frame struct {
	Seq  uint64
	Data []byte
}

// LandmarkExtractor turns a frame into a landmark set. It returns (nil, nil)
// when no face is present and an error only when extraction itself failed.
type LandmarkExtractor interface {
	Extract(ctx context.Context, f Frame) (*Landmarks, error)
}

// ExtractorFunc adapts a function to LandmarkExtractor.
type ExtractorFunc func(ctx context.Context, f Frame) (*Landmarks, error)

func (fn ExtractorFunc) Extract(ctx context.Context, f Frame) (*Landmarks, error) {
	return fn(ctx, f)
}

// JSONExtractor decodes landmark sets computed by the candidate's browser.
// Frame.Data holds either JSON null (no face) or {"points":[{"x":..,"y":..},...]}.
type JSONExtractor struct{}

func (JSONExtractor) Extract(_ context.Context, f Frame) (*Landmarks, error) {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil, nil
	}
	var lm Landmarks
	if err := json.Unmarshal(f.Data, &lm); err != nil {
		return nil, fmt.Errorf("decode landmarks: %w", err)
	}
	if len(lm.Points) == 0 {
		return nil, nil
	}
	if err := lm.Validate(); err != nil {
		return nil, err
	}
	return &lm, nil
}
