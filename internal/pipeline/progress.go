package pipeline

import (
	"sync/atomic"
	"time"
)

// Stage names the pipeline phase currently executing.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageLoading     Stage = "loading"
	StageNormalizing Stage = "normalizing"
	StageEnriching   Stage = "enriching"
	StageScoring     Stage = "scoring"
	StagePersisting  Stage = "persisting"
)

// Progress is the tracker's state for the API.
type Progress struct {
	Active         bool   `json:"active"`
	Stage          Stage  `json:"stage"`
	TotalRows      int64  `json:"total_rows"`
	ProcessedRows  int64  `json:"processed_rows"`
	CompletedRuns  int64  `json:"completed_runs"`
	LastStartedAt  string `json:"last_started_at,omitempty"`
	LastFinishedAt string `json:"last_finished_at,omitempty"`
}

// Tracker records pipeline progress with atomics so the API can read it
// concurrently with a running batch.
type Tracker struct {
	active        atomic.Bool
	stage         atomic.Pointer[Stage]
	totalRows     atomic.Int64
	processedRows atomic.Int64
	completedRuns atomic.Int64
	startedAt     atomic.Int64 // unix nanos, 0 = never
	finishedAt    atomic.Int64
}

func NewTracker() *Tracker {
	t := &Tracker{}
	idle := StageIdle
	t.stage.Store(&idle)
	return t
}

// Begin marks the start of a run and resets per-run counters.
func (t *Tracker) Begin(total int64) {
	t.active.Store(true)
	t.totalRows.Store(total)
	t.processedRows.Store(0)
	t.startedAt.Store(time.Now().UnixNano())
}

// SetStage records the currently executing phase.
func (t *Tracker) SetStage(s Stage) {
	t.stage.Store(&s)
}

// Advance adds processed rows to the current run.
func (t *Tracker) Advance(n int64) {
	t.processedRows.Add(n)
}

// Finish marks the run complete.
func (t *Tracker) Finish() {
	t.active.Store(false)
	t.completedRuns.Add(1)
	t.finishedAt.Store(time.Now().UnixNano())
	idle := StageIdle
	t.stage.Store(&idle)
}

// Snapshot returns the current progress (thread-safe).
func (t *Tracker) Snapshot() Progress {
	p := Progress{
		Active:        t.active.Load(),
		Stage:         *t.stage.Load(),
		TotalRows:     t.totalRows.Load(),
		ProcessedRows: t.processedRows.Load(),
		CompletedRuns: t.completedRuns.Load(),
	}
	if ns := t.startedAt.Load(); ns > 0 {
		p.LastStartedAt = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	if ns := t.finishedAt.Load(); ns > 0 {
		p.LastFinishedAt = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	return p
}
