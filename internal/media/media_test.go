package media

import "testing"

func TestDetectHonorsForce(t *testing.T) {
	for _, force := range []string{"full-media", "signaling-only", "minimal"} {
		if got := Detect(force); got != Strategy(force) {
			t.Fatalf("Detect(%q) = %q", force, got)
		}
	}
}

func TestDetectUnknownForceFallsThrough(t *testing.T) {
	// Unknown override must fall back to real detection, never error.
	got := Detect("turbo")
	switch got {
	case StrategyFullMedia, StrategyMinimal:
	default:
		t.Fatalf("Detect fell through to unexpected strategy %q", got)
	}
}

func TestKindVideo(t *testing.T) {
	if KindAudio.Video() {
		t.Fatal("audio kind reports video")
	}
	if !KindVideo.Video() {
		t.Fatal("video kind does not report video")
	}
}
