package proctor

import (
	"context"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// face builds a landmark set with the nose offset sideways by dx from the eye
// midpoint and the lips apart by gap.
func face(dx, gap float64) *Landmarks {
	pts := make([]Point, 300)
	pts[IdxLeftEye] = Point{X: 0.4, Y: 0.4}
	pts[IdxRightEye] = Point{X: 0.6, Y: 0.4}
	pts[IdxNoseTip] = Point{X: 0.5 + dx, Y: 0.5}
	pts[IdxUpperLip] = Point{X: 0.5, Y: 0.6}
	pts[IdxLowerLip] = Point{X: 0.5, Y: 0.6 + gap}
	return &Landmarks{Points: pts}
}

func TestHysteresis(t *testing.T) {
	h := Hysteresis{Window: 3}

	// Three over-threshold frames do not exceed the window.
	for i := 0; i < 3; i++ {
		if h.Observe(true) {
			t.Fatalf("fired early at frame %d", i)
		}
	}
	if !h.Observe(true) {
		t.Fatal("expected fire on the 4th consecutive frame")
	}
	if h.Count() != 0 {
		t.Fatalf("counter not reset after fire: %d", h.Count())
	}

	// A miss resets the run.
	h.Observe(true)
	h.Observe(true)
	h.Observe(false)
	for i := 0; i < 3; i++ {
		if h.Observe(true) {
			t.Fatal("miss did not reset the run")
		}
	}
}

func TestLipDetector(t *testing.T) {
	d := NewLipDetector()
	fired := 0
	for i := 0; i < LipWindow+1; i++ {
		if d.Observe(face(0, 0.05)) {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("fired %d times over %d frames, want 1", fired, LipWindow+1)
	}

	for i := 0; i < 100; i++ {
		if d.Observe(face(0, 0.01)) {
			t.Fatal("closed mouth must never fire")
		}
	}
}

func TestHeadTurnDetector(t *testing.T) {
	d := NewHeadTurnDetector()
	for i := 0; i < HeadWindow; i++ {
		if d.Observe(face(0.1, 0)) {
			t.Fatalf("fired early at frame %d", i)
		}
	}
	if !d.Observe(face(-0.1, 0)) {
		t.Fatal("turning either way should count")
	}

	// Single-frame glances never accumulate.
	for i := 0; i < 100; i++ {
		if d.Observe(face(0.1, 0)) || d.Observe(face(0, 0)) {
			t.Fatal("alternating frames must not fire")
		}
	}
}

func TestFaceDetectorsNoFaceIsImmediate(t *testing.T) {
	f := NewFaceDetectors()
	got := f.Observe(nil)
	if len(got) != 1 || got[0] != model.ReasonNoFace {
		t.Fatalf("got %v, want [%s]", got, model.ReasonNoFace)
	}
	got = f.Observe(nil)
	if len(got) != 1 {
		t.Fatal("every faceless frame is a violation")
	}
}

func TestFaceDetectorsNoFaceBreaksRuns(t *testing.T) {
	f := NewFaceDetectors()
	for i := 0; i < HeadWindow; i++ {
		f.Observe(face(0.1, 0))
	}
	f.Observe(nil)
	if got := f.Observe(face(0.1, 0)); len(got) != 0 {
		t.Fatalf("run survived a faceless frame: %v", got)
	}
}

func TestAudioDetector(t *testing.T) {
	loud := make([]uint8, 128)
	for i := range loud {
		loud[i] = 200
	}
	quiet := make([]uint8, 128)

	d := NewAudioDetector()
	for i := 0; i < AudioWindow; i++ {
		if d.Observe(loud) {
			t.Fatalf("fired early at frame %d", i)
		}
	}
	if !d.Observe(loud) {
		t.Fatal("expected fire after sustained loudness")
	}
	if d.Observe(quiet) {
		t.Fatal("quiet frame fired")
	}
}

func TestAverageMagnitude(t *testing.T) {
	if got := AverageMagnitude(nil); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := AverageMagnitude([]uint8{0, 60, 120}); got != 60 {
		t.Errorf("got %v, want 60", got)
	}
}

func TestCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCooldown(3*time.Second, func() time.Time { return now })

	if !c.Allow(model.ReasonNoFace) {
		t.Fatal("first warning must be shown")
	}
	now = now.Add(time.Second)
	if c.Allow(model.ReasonNoFace) {
		t.Fatal("repeat inside window must be suppressed")
	}
	if !c.Allow(model.ReasonTabSwitch) {
		t.Fatal("other reasons are independent")
	}
	now = now.Add(3 * time.Second)
	if !c.Allow(model.ReasonNoFace) {
		t.Fatal("warning must be shown again after the window")
	}
}

func TestJSONExtractor(t *testing.T) {
	var x JSONExtractor

	lm, err := x.Extract(context.Background(), Frame{Data: []byte("null")})
	if err != nil || lm != nil {
		t.Fatalf("null frame: lm=%v err=%v", lm, err)
	}

	lm, err = x.Extract(context.Background(), Frame{Data: []byte(`{"points":[{"x":0.1,"y":0.2}]}`)})
	if err == nil {
		t.Fatalf("short landmark set should fail, got %v", lm)
	}

	if _, err := x.Extract(context.Background(), Frame{Data: []byte("{")}); err == nil {
		t.Fatal("malformed json should fail")
	}
}
