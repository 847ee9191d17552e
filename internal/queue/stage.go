package queue

import (
	"fmt"

	"github.com/jackzampolin/bindery/internal/store"
)

// Stage is one step of the document pipeline. The set is closed: every
// value has an entry in stageTable, and TestStageTable_Exhaustive fails
// when a new constant is added without one.
type Stage int

const (
	StageExtract Stage = iota
	StageDetect
	StageStore
	StageEnhance

	numStages
)

// stageInfo describes a stage and its place in the pipeline.
type stageInfo struct {
	name    string
	jobType store.JobType
	next    Stage
	hasNext bool
	// Overall progress covered by this stage, in percent. Enhancement runs
	// after the document is complete, so it sits at 100.
	start, end int
}

var stageTable = [numStages]stageInfo{
	StageExtract: {name: "extract", jobType: store.JobExtractText, next: StageDetect, hasNext: true, start: 0, end: 30},
	StageDetect:  {name: "detect", jobType: store.JobDetectChapters, next: StageStore, hasNext: true, start: 30, end: 60},
	StageStore:   {name: "store", jobType: store.JobStoreChapters, next: StageEnhance, hasNext: true, start: 60, end: 100},
	StageEnhance: {name: "enhance", jobType: store.JobEnhanceChapters, start: 100, end: 100},
}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, 0, numStages)
	for s := Stage(0); s < numStages; s++ {
		out = append(out, s)
	}
	return out
}

func (s Stage) valid() bool { return s >= 0 && s < numStages }

// Name is the stage label used in progress records.
func (s Stage) Name() string {
	if !s.valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageTable[s].name
}

func (s Stage) String() string { return s.Name() }

// JobType is the job type that executes this stage.
func (s Stage) JobType() store.JobType {
	if !s.valid() {
		return ""
	}
	return stageTable[s].jobType
}

// Next returns the stage that follows s, if any.
func (s Stage) Next() (Stage, bool) {
	if !s.valid() || !stageTable[s].hasNext {
		return 0, false
	}
	return stageTable[s].next, true
}

// Span returns the overall-progress range [start, end] this stage covers.
func (s Stage) Span() (start, end int) {
	if !s.valid() {
		return 0, 0
	}
	return stageTable[s].start, stageTable[s].end
}

// Overall maps progress within the stage (0-100) to overall progress.
func (s Stage) Overall(stageProgress int) int {
	start, end := s.Span()
	stageProgress = max(0, min(100, stageProgress))
	return start + (end-start)*stageProgress/100
}

// ParseJobType maps a job type to its stage.
func ParseJobType(t store.JobType) (Stage, error) {
	for s := Stage(0); s < numStages; s++ {
		if stageTable[s].jobType == t {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown job type: %q", t)
}

// ParseStage maps a stage name to its stage.
func ParseStage(name string) (Stage, error) {
	for s := Stage(0); s < numStages; s++ {
		if stageTable[s].name == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage: %q", name)
}
