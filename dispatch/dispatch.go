// Package dispatch is the Worker Dispatcher (C3): the single suspension
// point of the sweep engine. Dispatcher abstracts "run one permutation
// and return its output archive" behind one contract with two
// implementations — an in-process subprocess dispatcher and a
// broker/queue-backed remote dispatcher.
package dispatch

import (
	"context"
	"fmt"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/sandbox"
)

// Dispatcher runs one permutation of a model and returns the resulting
// output archive's bytes.
type Dispatcher interface {
	Dispatch(ctx context.Context, modelName string, perm wqdss.Permutation, outputFile string) ([]byte, error)
}

// ModelFetcher is the subset of modelstore.Store the dispatcher needs:
// fetching a model's repackaged archive by name.
type ModelFetcher interface {
	Get(name string) ([]byte, error)
}

// InProcess fetches the model archive from the registry and runs
// prepare → exec → package on the local host. Concurrency comes from the
// external binary's own process scheduling, not from anything this type
// does: Dispatch blocks its calling goroutine until the child exits.
type InProcess struct {
	Models ModelFetcher
	Box    *sandbox.Sandbox
}

// NewInProcess returns an InProcess dispatcher over the given model
// registry and sandbox.
func NewInProcess(models ModelFetcher, box *sandbox.Sandbox) *InProcess {
	return &InProcess{Models: models, Box: box}
}

// Dispatch implements Dispatcher.
func (d *InProcess) Dispatch(ctx context.Context, modelName string, perm wqdss.Permutation, outputFile string) ([]byte, error) {
	modelBytes, err := d.Models.Get(modelName)
	if err != nil {
		return nil, err
	}

	runDir, err := d.Box.Prepare(perm, modelBytes)
	if err != nil {
		return nil, err
	}
	defer d.Box.Cleanup(runDir)

	if err := d.Box.Exec(ctx, runDir); err != nil {
		return nil, fmt.Errorf("execute model: %w", err)
	}

	files := outputFiles(perm, outputFile)
	archiveBytes, err := d.Box.Package(runDir, files)
	if err != nil {
		return nil, err
	}
	return archiveBytes, nil
}

// outputFiles lists the files a run's package archive should contain:
// every swept input file, plus the model's scored output file.
func outputFiles(perm wqdss.Permutation, outputFile string) []string {
	files := make([]string, 0, len(perm)+1)
	for f := range perm {
		files = append(files, f)
	}
	files = append(files, outputFile)
	return files
}
