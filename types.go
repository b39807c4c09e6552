// Package wqdss holds the data model shared by every component of the
// sweep service: the sweep specification client's submit, the
// permutations the sweep engine generates from it, and the runs and
// executions that track their progress.
package wqdss

import (
	"sync"
	"time"
)

// InputFileSweep describes one swept input file: which CSV column to
// overwrite, and the range (or, in iterative mode, sequence of ranges)
// of values to sweep it over.
type InputFileSweep struct {
	Name  string    `json:"name"`
	Col   string    `json:"col_name"`
	Min   float64   `json:"min_val"`
	Max   float64   `json:"max_val"`
	Steps []float64 `json:"steps"`
}

// ScoreParameter describes one column of the model's output file used to
// score a run against a target value.
type ScoreParameter struct {
	Name      string  `json:"name"`
	Target    float64 `json:"target"`
	Weight    float64 `json:"weight"`
	ScoreStep float64 `json:"score_step"`
}

// SweepSpec is the validated, strictly-typed form of the free-form JSON
// sweep specification clients submit to POST /dss.
type SweepSpec struct {
	ModelRun struct {
		ModelName  string           `json:"model_name"`
		InputFiles []InputFileSweep `json:"input_files"`
	} `json:"model_run"`
	ModelAnalysis struct {
		OutputFile string           `json:"output_file"`
		Parameters []ScoreParameter `json:"parameters"`
	} `json:"model_analysis"`
}

// DefaultModelName is the sentinel used when a sweep spec omits
// model_run.model_name.
const DefaultModelName = "default"

// ColumnValue is one (column, value) assignment drawn for a single input
// file within a permutation.
type ColumnValue struct {
	Col   string
	Value float64
}

// Permutation assigns, for each swept input file (keyed by file name), a
// column and the numeric value to write into it.
type Permutation map[string]ColumnValue

// Run is one model execution at one point of the sweep space.
type Run struct {
	ID           string
	Permutation  Permutation
	IterationIdx int
	ResultBytes  []byte // nil until the dispatch returns
}

// ExecState is the Execution state machine's only two states.
type ExecState string

const (
	ExecRunning   ExecState = "RUNNING"
	ExecCompleted ExecState = "COMPLETED"
)

// IterationResult is the outcome of one full sweep: either the best
// scoring run's identity and score, or a failure record.
type IterationResult struct {
	BestRunID   string      `json:"best_run"`
	Permutation Permutation `json:"-"`
	Params      ResultParams `json:"params,omitempty"`
	Score       float64     `json:"score"`
	Failed      bool        `json:"-"`
	Error       string      `json:"error,omitempty"`
}

// ResultParams is the files/columns/values envelope carried by every
// IterationResult, single- or multi-iteration.
type ResultParams struct {
	Files   []string  `json:"files"`
	Columns []string  `json:"columns"`
	Values  []float64 `json:"values"`
}

// ParamsFromPermutation builds the files/columns/values envelope from a
// permutation, in the file-declaration order recorded by fileOrder.
func ParamsFromPermutation(p Permutation, fileOrder []string) ResultParams {
	out := ResultParams{
		Files:   make([]string, 0, len(fileOrder)),
		Columns: make([]string, 0, len(fileOrder)),
		Values:  make([]float64, 0, len(fileOrder)),
	}
	for _, f := range fileOrder {
		cv, ok := p[f]
		if !ok {
			continue
		}
		out.Files = append(out.Files, f)
		out.Columns = append(out.Columns, cv.Col)
		out.Values = append(out.Values, cv.Value)
	}
	return out
}

// Execution is one end-to-end invocation: a sweep over permutations for
// a single client request. It is owned exclusively by the Execution
// Registry and mutated only by its own driver goroutine; the mutex
// guards reads from concurrent HTTP status polls against that single
// writer.
type Execution struct {
	ID         string
	ModelName  string
	StartTime  time.Time
	OutputFile string

	mu     sync.RWMutex
	state  ExecState
	runs   []*Run
	result []IterationResult
}

// NewExecution creates an Execution in the RUNNING state, ready to be
// inserted into the registry before its driver starts.
func NewExecution(id, modelName, outputFile string) *Execution {
	return &Execution{
		ID:         id,
		ModelName:  modelName,
		StartTime:  time.Now(),
		OutputFile: outputFile,
		state:      ExecRunning,
	}
}

// State returns the execution's current state.
func (e *Execution) State() ExecState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Result returns the execution's per-iteration results so far. Safe to
// call while RUNNING; returns nil/partial data until MarkComplete.
func (e *Execution) Result() []IterationResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]IterationResult, len(e.result))
	copy(out, e.result)
	return out
}

// Runs returns the runs dispatched so far.
func (e *Execution) Runs() []*Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Run, len(e.runs))
	copy(out, e.runs)
	return out
}

// AppendRuns records a slice's worth of dispatched runs.
func (e *Execution) AppendRuns(runs []*Run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, runs...)
}

// AppendResult records one iteration's outcome.
func (e *Execution) AppendResult(r IterationResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = append(e.result, r)
}

// MarkComplete transitions the execution to COMPLETED. Called on every
// exit path of the driving sweep, including error paths, so that no
// execution is left stuck in RUNNING.
func (e *Execution) MarkComplete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = ExecCompleted
}
