package database

import (
	"testing"
)

func TestSubjectIsEligible(t *testing.T) {
	tests := []struct {
		name    string
		subject Subject
		want    bool
	}{
		{"unclustered", Subject{ID: "s1"}, true},
		{"clustered", Subject{ID: "s1", EntityID: "e1"}, false},
		{"non-target", Subject{ID: "s1", IsMarkedAsNonTarget: true}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.subject.IsEligible(); got != tc.want {
				t.Errorf("IsEligible() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBoundingBoxCorners(t *testing.T) {
	box := BoundingBox{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}

	back := BoundingBoxFromCorners(box.Corners())
	if back == nil {
		t.Fatal("expected bounding box from corners")
	}
	if *back != box {
		t.Errorf("expected %+v, got %+v", box, *back)
	}

	if BoundingBoxFromCorners([]float64{1, 2}) != nil {
		t.Error("expected nil for malformed corners")
	}
}

func TestProcessingTaskCounters(t *testing.T) {
	task := &ProcessingTask{TotalCount: 4}

	task.RecordSuccess()
	task.RecordFailure("img-2")
	task.RecordFailure("img-2")

	if task.ProcessedCount != 3 {
		t.Errorf("expected processed 3, got %d", task.ProcessedCount)
	}
	if task.SuccessCount != 1 || task.FailureCount != 2 {
		t.Errorf("expected 1 success and 2 failures, got %d/%d", task.SuccessCount, task.FailureCount)
	}
	if len(task.FailedAssetIDs) != 1 {
		t.Errorf("expected failed asset recorded once, got %v", task.FailedAssetIDs)
	}
	if task.Progress() != 0.75 {
		t.Errorf("expected progress 0.75, got %f", task.Progress())
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskPending, TaskProcessing} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestChangeSetIsEmpty(t *testing.T) {
	var cs ChangeSet
	if !cs.IsEmpty() {
		t.Error("expected zero change set to be empty")
	}
	cs.DeletedEntityIDs = []string{"e1"}
	if cs.IsEmpty() {
		t.Error("expected change set with a deletion to be non-empty")
	}
}

func TestVectorEncoding(t *testing.T) {
	v := FeatureVector{0.25, -1, 3.5}

	s, err := EncodeVector(v)
	if err != nil {
		t.Fatalf("EncodeVector: %v", err)
	}
	back, err := DecodeVector(s)
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(back) != len(v) {
		t.Fatalf("expected %d dims, got %d", len(v), len(back))
	}
	for i := range v {
		if back[i] != v[i] {
			t.Errorf("dim %d: expected %f, got %f", i, v[i], back[i])
		}
	}

	if s, _ := EncodeVector(nil); s != "" {
		t.Errorf("expected empty encoding for nil vector, got %q", s)
	}
	if back, _ := DecodeVector(""); back != nil {
		t.Errorf("expected nil vector for empty string, got %v", back)
	}
	if _, err := DecodeVector("not json"); err == nil {
		t.Error("expected error for malformed vector")
	}
}

func TestValidSpecID(t *testing.T) {
	valid := []string{"doll", "car", "person:female", "toy_car-2", "a"}
	invalid := []string{"", "Doll", "-doll", "person:", ":female", "a:b:c", "with space", "doll/../x"}

	for _, id := range valid {
		if !ValidSpecID(id) {
			t.Errorf("ValidSpecID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if ValidSpecID(id) {
			t.Errorf("ValidSpecID(%q) = true, want false", id)
		}
	}
}
