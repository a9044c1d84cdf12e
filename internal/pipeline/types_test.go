package pipeline

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageUploaded, StageExtracting, true},
		{StageExtracting, StageChunking, true},
		{StageChunking, StageEmbedding, true},
		{StageEmbedding, StageIndexing, true},
		{StageIndexing, StageCompleted, true},
		{StageUploaded, StageEmbedding, false},
		{StageEmbedding, StageFailed, true},
		{StageChunking, StageEmpty, true},
		{StageEmbedding, StageEmpty, false},
		{StageCompleted, StageFailed, false},
		{StageFailed, StageExtracting, false},
		{StageIndexing, StageCancelled, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestScale(t *testing.T) {
	if got := Scale(5, 10, 30, 90); got != 60 {
		t.Errorf("Scale = %d, want 60", got)
	}
	if got := Scale(0, 0, 30, 90); got != 90 {
		t.Errorf("Scale with zero total = %d, want 90", got)
	}
	if got := Scale(20, 10, 0, 30); got != 30 {
		t.Errorf("Scale overflow = %d, want 30", got)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = NewValidationError("file", "exceeds %d MB", 150)
	if !errors.Is(err, ErrValidation) {
		t.Error("ValidationError should match ErrValidation")
	}

	err = &TransientError{Op: "embed", Status: 429}
	if !IsTransient(err) {
		t.Error("TransientError should be transient")
	}

	pf := &PartialFailureError{Stage: StageEmbedding, Failed: 3, Total: 10}
	if pf.Ratio() != 0.3 {
		t.Errorf("Ratio = %v, want 0.3", pf.Ratio())
	}

	wrapped := &IngestionFailedError{DocumentID: "d", Stage: StageEmbedding, Attempts: 1, Err: pf}
	var target *PartialFailureError
	if !errors.As(wrapped, &target) {
		t.Error("IngestionFailedError should unwrap to PartialFailureError")
	}
}
