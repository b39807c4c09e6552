// Package sweep is the Sweep Engine (C4): it expands a sweep
// specification into permutations, drives bounded-parallel dispatch,
// scores the resulting runs, selects the optimum, and — in iterative
// mode — refines the search window around each iteration's optimum.
package sweep

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/dispatch"
	"github.com/watershed-dss/wqdss/internal/wqerrors"
	"github.com/watershed-dss/wqdss/internal/wqlog"
	"github.com/watershed-dss/wqdss/sandbox"
)

// Mirror is the subset of internal/mirror.Mirror the engine needs,
// narrowed so tests can substitute a fake rather than pulling in the AWS
// SDK.
type Mirror interface {
	Put(ctx context.Context, name string, archiveBytes []byte) error
}

// Engine drives one execution's sweep to completion.
type Engine struct {
	Dispatcher       dispatch.Dispatcher
	NumParallelExecs int // <=0 means unbounded
	BestRunsDir      string
	Mirror           Mirror // optional, mirrors each iteration's best-run archive

	log *wqlog.ContextLogger
}

// New returns an Engine over the given dispatcher. numParallelExecs <= 0
// means unbounded concurrency within a slice.
func New(d dispatch.Dispatcher, numParallelExecs int, bestRunsDir string) *Engine {
	return &Engine{
		Dispatcher:       d,
		NumParallelExecs: numParallelExecs,
		BestRunsDir:      bestRunsDir,
		log:              wqlog.New().WithField("component", "sweep"),
	}
}

// Run drives exec through every iteration of spec, dispatching runs,
// scoring them, and appending one IterationResult per iteration.
// MarkComplete is called on every exit path, including errors, so no
// execution is left stuck in RUNNING.
func (e *Engine) Run(ctx context.Context, exec *wqdss.Execution, spec wqdss.SweepSpec) error {
	defer exec.MarkComplete()

	fileOrder := fileOrder(spec.ModelRun.InputFiles)

	iterations, err := stepCount(spec.ModelRun.InputFiles)
	if err != nil {
		exec.AppendResult(failureResult(err))
		return err
	}

	var prevBest wqdss.Permutation
	for k := 0; k < iterations; k++ {
		ranges := rangesForIteration(spec.ModelRun.InputFiles, k, prevBest)
		perms := cartesianProduct(ranges)
		runs := newRuns(perms, k)
		exec.AppendRuns(runs)

		e.log.WithField("exec_id", exec.ID).WithField("iteration", k).Infof("dispatching %d permutations", len(runs))

		if err := e.dispatchInSlices(ctx, exec.ModelName, runs, exec.OutputFile); err != nil {
			exec.AppendResult(failureResult(err))
			return err
		}

		best, score, err := selectBest(runs, exec.OutputFile, spec.ModelAnalysis.Parameters)
		if err != nil {
			exec.AppendResult(failureResult(err))
			return err
		}

		exec.AppendResult(wqdss.IterationResult{
			BestRunID:   best.ID,
			Permutation: best.Permutation,
			Params:      wqdss.ParamsFromPermutation(best.Permutation, fileOrder),
			Score:       score,
		})

		if err := e.saveBestRun(exec.ID, best); err != nil {
			e.log.WithField("exec_id", exec.ID).WithError(err).Warnf("failed to persist best-run archive")
		}

		if e.Mirror != nil {
			if err := e.Mirror.Put(ctx, fmt.Sprintf("%s/iteration-%d", exec.ID, k), best.ResultBytes); err != nil {
				e.log.WithField("exec_id", exec.ID).WithError(err).Warnf("failed to mirror best-run archive")
			}
		}

		prevBest = best.Permutation
	}

	return nil
}

func failureResult(err error) wqdss.IterationResult {
	return wqdss.IterationResult{BestRunID: "FAILED", Score: 0, Failed: true, Error: err.Error()}
}

func (e *Engine) saveBestRun(execID string, best *wqdss.Run) error {
	if e.BestRunsDir == "" {
		return nil
	}
	dir := filepath.Join(e.BestRunsDir, execID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create best-run dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "best_run.zip"), best.ResultBytes, 0o644)
}

// fileOrder returns input file names in declaration order.
func fileOrder(files []wqdss.InputFileSweep) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

// stepCount validates that every input file's Steps slice has the same
// length (the iteration count) and returns it.
func stepCount(files []wqdss.InputFileSweep) (int, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("%w: no input files", wqerrors.ErrInvalidSweepSpec)
	}
	n := len(files[0].Steps)
	if n == 0 {
		return 0, fmt.Errorf("%w: %s has no steps", wqerrors.ErrInvalidSweepSpec, files[0].Name)
	}
	for _, f := range files[1:] {
		if len(f.Steps) != n {
			return 0, fmt.Errorf("%w: %s has %d steps, want %d", wqerrors.ErrNonEqualStepCount, f.Name, len(f.Steps), n)
		}
	}
	return n, nil
}

type fileRange struct {
	Name   string
	Col    string
	Values []float64
}

// rangesForIteration computes, for iteration k, the swept value range
// for each input file. Iteration 0 sweeps [min_val, max_val] with
// steps[0]; iteration k>0 sweeps a window centred on the previous
// iteration's chosen value, half the previous step wide on each side,
// with the current iteration's step.
func rangesForIteration(files []wqdss.InputFileSweep, k int, prevBest wqdss.Permutation) []fileRange {
	ranges := make([]fileRange, len(files))
	for i, f := range files {
		if k == 0 {
			ranges[i] = fileRange{Name: f.Name, Col: f.Col, Values: valuesBelow(f.Min, f.Max, f.Steps[0])}
			continue
		}
		prevStep := f.Steps[k-1]
		currStep := f.Steps[k]
		bestValue := prevBest[f.Name].Value
		lo := bestValue - prevStep/2
		hi := bestValue + prevStep/2
		ranges[i] = fileRange{Name: f.Name, Col: f.Col, Values: valuesBelow(lo, hi, currStep)}
	}
	return ranges
}

// valuesBelow yields min + k*step for k = 0, 1, ..., keeping a value only
// when it does not exceed max, and continuing only while the previously
// accepted value stayed strictly below max. This mirrors values_range's
// loop shape (the continuation check runs against the prior iteration's
// value, not the freshly computed one), which is what lets an evenly
// divisible step reach max itself: (1, 2, 0.5) yields 1, 1.5, 2.0.
func valuesBelow(min, max, step float64) []float64 {
	var out []float64
	cur := min
	for k := 0; cur < max; k++ {
		cur = min + float64(k)*step
		if cur <= max {
			out = append(out, cur)
		}
		if len(out) > 1_000_000 {
			break // guards against a non-advancing step misconfiguration
		}
	}
	return out
}

// cartesianProduct expands per-file value ranges into the full set of
// permutations, in file-declaration order.
func cartesianProduct(ranges []fileRange) []wqdss.Permutation {
	perms := []wqdss.Permutation{{}}
	for _, r := range ranges {
		next := make([]wqdss.Permutation, 0, len(perms)*len(r.Values))
		for _, p := range perms {
			for _, v := range r.Values {
				np := make(wqdss.Permutation, len(p)+1)
				for k, cv := range p {
					np[k] = cv
				}
				np[r.Name] = wqdss.ColumnValue{Col: r.Col, Value: v}
				next = append(next, np)
			}
		}
		perms = next
	}
	return perms
}

func newRuns(perms []wqdss.Permutation, iteration int) []*wqdss.Run {
	runs := make([]*wqdss.Run, len(perms))
	for i, p := range perms {
		runs[i] = &wqdss.Run{ID: uuid.NewString(), Permutation: p, IterationIdx: iteration}
	}
	return runs
}

// dispatchInSlices dispatches runs in contiguous slices bounded by
// NumParallelExecs, fully awaiting each slice before starting the next.
func (e *Engine) dispatchInSlices(ctx context.Context, modelName string, runs []*wqdss.Run, outputFile string) error {
	size := len(runs)
	if e.NumParallelExecs > 0 && e.NumParallelExecs < size {
		size = e.NumParallelExecs
	}
	if size == 0 {
		return nil
	}

	for start := 0; start < len(runs); start += size {
		end := start + size
		if end > len(runs) {
			end = len(runs)
		}
		if err := e.dispatchSlice(ctx, modelName, runs[start:end], outputFile); err != nil {
			return err
		}
	}
	return nil
}

// dispatchSlice fans a slice of runs out to the dispatcher concurrently
// and gathers every result before returning, so the first error aborts
// the iteration but every goroutine has already finished.
func (e *Engine) dispatchSlice(ctx context.Context, modelName string, slice []*wqdss.Run, outputFile string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(slice))

	for i, run := range slice {
		wg.Add(1)
		go func(i int, run *wqdss.Run) {
			defer wg.Done()
			archiveBytes, err := e.Dispatcher.Dispatch(ctx, modelName, run.Permutation, outputFile)
			if err != nil {
				errs[i] = err
				return
			}
			run.ResultBytes = archiveBytes
		}(i, run)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// selectBest scores every run in declaration order and returns the
// minimum, breaking ties in favour of the earliest run.
func selectBest(runs []*wqdss.Run, outputFile string, params []wqdss.ScoreParameter) (*wqdss.Run, float64, error) {
	if len(runs) == 0 {
		return nil, 0, fmt.Errorf("%w: no runs to score", wqerrors.ErrInvalidSweepSpec)
	}

	var best *wqdss.Run
	var bestScore float64
	for _, run := range runs {
		score, err := scoreRun(run, outputFile, params)
		if err != nil {
			return nil, 0, err
		}
		if best == nil || score < bestScore {
			best = run
			bestScore = score
		}
	}
	return best, bestScore, nil
}

// scoreRun computes the weighted L1 distance of a run's output against
// the target parameters: the header is L[0], the scored row is the
// output's final line.
func scoreRun(run *wqdss.Run, outputFile string, params []wqdss.ScoreParameter) (float64, error) {
	lines, err := sandbox.ParseOutput(run.ResultBytes, outputFile)
	if err != nil {
		return 0, err
	}
	if len(lines) < 2 {
		return 0, fmt.Errorf("run %s: output %s has no data rows", run.ID, outputFile)
	}

	header := strings.Split(lines[0], ",")
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.TrimSpace(h)] = i
	}

	row := strings.Split(lines[len(lines)-1], ",")

	var score float64
	for _, p := range params {
		idx, ok := colIdx[p.Name]
		if !ok || idx >= len(row) {
			return 0, fmt.Errorf("run %s: output missing column %q", run.ID, p.Name)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
		if err != nil {
			return 0, fmt.Errorf("run %s: parse column %q: %w", run.ID, p.Name, err)
		}
		score += math.Abs(p.Target-value) / p.ScoreStep / p.Weight
	}
	return score, nil
}
