package model

import "testing"

func TestBuildFlightID(t *testing.T) {
	got := BuildFlightID(SourceTK905BLive, "pilot-1", "race-9", "dev-42", "")
	want := "tk905b_live-pilot-1-race-9-dev-42"
	if got != want {
		t.Fatalf("BuildFlightID() = %q, want %q", got, want)
	}

	got = BuildFlightID(SourceTK905BLive, "pilot-1", "race-9", "dev-42", "20260730")
	want = "tk905b_live-pilot-1-race-9-dev-42-20260730"
	if got != want {
		t.Fatalf("BuildFlightID() = %q, want %q", got, want)
	}
}

func TestSourceIsTracker(t *testing.T) {
	cases := map[Source]bool{
		SourceLive:       false,
		SourceUpload:     false,
		SourceTK905BLive: true,
		SourceFlymaster:  true,
	}
	for src, want := range cases {
		if got := src.IsTracker(); got != want {
			t.Errorf("%s.IsTracker() = %v, want %v", src, got, want)
		}
	}
}

func TestQueueNamePriority(t *testing.T) {
	cases := map[QueueName]int{
		QueueLivePoints:      1,
		QueueUploadPoints:    2,
		QueueScoringPoints:   2,
		QueueFlymasterPoints: 3,
	}
	for q, want := range cases {
		if got := q.Priority(); got != want {
			t.Errorf("%s.Priority() = %d, want %d", q, got, want)
		}
	}
}
