// Package pipeline holds the document lifecycle vocabulary shared by the
// ingestion orchestrator, storage and the HTTP layer.
package pipeline

// Stage is a document processing status.
type Stage string

const (
	StageUploaded   Stage = "uploaded"
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageIndexing   Stage = "indexing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
	StageEmpty      Stage = "empty"
	StageCancelled  Stage = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageEmpty, StageCancelled:
		return true
	}
	return false
}

// next lists the allowed forward transitions. Any non-terminal stage may
// also move to failed or cancelled.
var next = map[Stage]Stage{
	StageUploaded:   StageExtracting,
	StageExtracting: StageChunking,
	StageChunking:   StageEmbedding,
	StageEmbedding:  StageIndexing,
	StageIndexing:   StageCompleted,
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StageFailed, StageCancelled:
		return true
	case StageEmpty:
		return from == StageChunking || from == StageExtracting
	}
	return next[from] == to
}

// Progress bands per stage, in percent.
const (
	ProgressExtractStart = 0
	ProgressExtractEnd   = 30
	ProgressChunkEnd     = 35
	ProgressEmbedEnd     = 90
	ProgressDone         = 100
)

// Scale maps done/total into the [lo,hi] percentage band.
func Scale(done, total, lo, hi int) int {
	if total <= 0 {
		return hi
	}
	if done > total {
		done = total
	}
	return lo + (hi-lo)*done/total
}
