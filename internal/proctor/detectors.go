// Package proctor turns per-frame camera and microphone measurements into
// debounced violation reports.
package proctor

import (
	"math"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Detector thresholds and debounce windows.
const (
	LipThreshold   = 0.02
	LipWindow      = 12
	HeadThreshold  = 0.04
	HeadWindow     = 15
	AudioThreshold = 60.0 // mean frequency-bin magnitude on the 0..255 scale
	AudioWindow    = 15
)

// Reporter receives violation reasons. The session state machine implements
// it and owns the authoritative count.
type Reporter interface {
	ReportViolation(reason string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(reason string)

func (fn ReporterFunc) ReportViolation(reason string) { fn(reason) }

// Hysteresis promotes a sustained over-threshold signal to an event. Each
// over-threshold observation increments the counter and a miss resets it; once
// the counter exceeds Window the observation fires and the counter resets.
type Hysteresis struct {
	Window int
	count  int
}

// Observe feeds one measurement outcome and reports whether it fired.
func (h *Hysteresis) Observe(over bool) bool {
	if !over {
		h.count = 0
		return false
	}
	h.count++
	if h.count > h.Window {
		h.count = 0
		return true
	}
	return false
}

// Reset clears the counter.
func (h *Hysteresis) Reset() { h.count = 0 }

// Count returns the current run length.
func (h *Hysteresis) Count() int { return h.count }

// LipDetector fires on sustained mouth opening.
type LipDetector struct {
	Threshold float64
	hyst      Hysteresis
}

func NewLipDetector() *LipDetector {
	return &LipDetector{Threshold: LipThreshold, hyst: Hysteresis{Window: LipWindow}}
}

// Observe returns true when a talking violation should be emitted.
func (d *LipDetector) Observe(lm *Landmarks) bool {
	upper, ok1 := lm.At(IdxUpperLip)
	lower, ok2 := lm.At(IdxLowerLip)
	if !ok1 || !ok2 {
		d.hyst.Reset()
		return false
	}
	return d.hyst.Observe(math.Abs(upper.Y-lower.Y) > d.Threshold)
}

// HeadTurnDetector fires when the nose drifts sideways from the eye midpoint.
type HeadTurnDetector struct {
	Threshold float64
	hyst      Hysteresis
}

func NewHeadTurnDetector() *HeadTurnDetector {
	return &HeadTurnDetector{Threshold: HeadThreshold, hyst: Hysteresis{Window: HeadWindow}}
}

func (d *HeadTurnDetector) Observe(lm *Landmarks) bool {
	nose, ok1 := lm.At(IdxNoseTip)
	left, ok2 := lm.At(IdxLeftEye)
	right, ok3 := lm.At(IdxRightEye)
	if !ok1 || !ok2 || !ok3 {
		d.hyst.Reset()
		return false
	}
	mid := (left.X + right.X) / 2
	return d.hyst.Observe(math.Abs(nose.X-mid) > d.Threshold)
}

// AudioDetector fires on sustained loudness across the frequency spectrum.
type AudioDetector struct {
	Threshold float64
	hyst      Hysteresis
}

func NewAudioDetector() *AudioDetector {
	return &AudioDetector{Threshold: AudioThreshold, hyst: Hysteresis{Window: AudioWindow}}
}

// Observe takes one analyser frame of byte frequency bins.
func (d *AudioDetector) Observe(bins []uint8) bool {
	return d.hyst.Observe(AverageMagnitude(bins) > d.Threshold)
}

// AverageMagnitude is the mean of the frequency bins; an empty frame is silence.
func AverageMagnitude(bins []uint8) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins))
}

// FaceDetectors bundles the landmark-driven detectors. A missing face is an
// immediate violation with no debounce; it also breaks the lip and head runs.
type FaceDetectors struct {
	Lip  *LipDetector
	Head *HeadTurnDetector
}

func NewFaceDetectors() *FaceDetectors {
	return &FaceDetectors{Lip: NewLipDetector(), Head: NewHeadTurnDetector()}
}

// Observe returns the reasons fired by one landmark set, in a fixed order.
func (f *FaceDetectors) Observe(lm *Landmarks) []string {
	if lm == nil {
		f.Lip.hyst.Reset()
		f.Head.hyst.Reset()
		return []string{model.ReasonNoFace}
	}
	var reasons []string
	if f.Lip.Observe(lm) {
		reasons = append(reasons, model.ReasonTalking)
	}
	if f.Head.Observe(lm) {
		reasons = append(reasons, model.ReasonLookingAway)
	}
	return reasons
}
