// Package sandbox is the Run Sandbox (C2): it materialises a model
// archive into a fresh working directory, rewrites the swept input CSVs
// in place, invokes the opaque model binary, and packages the resulting
// files back into an archive.
package sandbox

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/internal/archive"
	"github.com/watershed-dss/wqdss/internal/wqerrors"
	"github.com/watershed-dss/wqdss/internal/wqlog"
)

// Sandbox runs one model execution at one point of the sweep space.
// ModelExe is the path to the opaque external binary invoked as
// `ModelExe run_dir`; WorkRoot is the directory under which fresh,
// uniquely-prefixed run directories are created.
type Sandbox struct {
	ModelExe string
	WorkRoot string
	log      *wqlog.ContextLogger
}

// New returns a Sandbox that invokes modelExe and creates run
// directories under workRoot (created if missing).
func New(modelExe, workRoot string) (*Sandbox, error) {
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox work root %s: %w", workRoot, err)
	}
	return &Sandbox{
		ModelExe: modelExe,
		WorkRoot: workRoot,
		log:      wqlog.New().WithField("component", "sandbox"),
	}, nil
}

// Prepare creates a fresh, uniquely-prefixed run directory, extracts
// modelArchiveBytes into it, then rewrites each input file named in
// perm: the first two lines are copied verbatim, the remainder is read
// as CSV, the column named in the permutation is overwritten with its
// drawn value, and the result is written back in place.
func (s *Sandbox) Prepare(perm wqdss.Permutation, modelArchiveBytes []byte) (string, error) {
	runDir, err := s.newRunDir()
	if err != nil {
		return "", err
	}

	if err := s.extractModelInto(runDir, modelArchiveBytes); err != nil {
		return "", err
	}

	for file, cv := range perm {
		path := filepath.Join(runDir, file)
		if err := rewriteColumn(path, cv.Col, cv.Value); err != nil {
			return "", fmt.Errorf("%w: rewrite %s: %v", wqerrors.ErrModelDirMissing, file, err)
		}
	}

	return runDir, nil
}

// newRunDir creates a fresh, uniquely-prefixed working directory under
// WorkRoot.
func (s *Sandbox) newRunDir() (string, error) {
	runDir, err := os.MkdirTemp(s.WorkRoot, "run-")
	if err != nil {
		return "", fmt.Errorf("%w: create run dir: %v", wqerrors.ErrModelDirMissing, err)
	}
	return runDir, nil
}

// extractModelInto copies a model archive's repackaged bytes into
// runDir before any swept input files are rewritten.
func (s *Sandbox) extractModelInto(runDir string, modelArchiveBytes []byte) error {
	tmp, err := os.CreateTemp("", "wqdss-model-*.zip")
	if err != nil {
		return fmt.Errorf("%w: stage model archive: %v", wqerrors.ErrModelDirMissing, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(modelArchiveBytes); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: stage model archive: %v", wqerrors.ErrModelDirMissing, err)
	}
	tmp.Close()

	if err := archive.Extract(tmp.Name(), runDir); err != nil {
		return fmt.Errorf("%w: %v", wqerrors.ErrModelDirMissing, err)
	}
	return nil
}

// rewriteColumn copies the first two lines of path verbatim, then
// rewrites the remainder as CSV (header + rows), overwriting every
// occurrence of the named column with value. This is the "two literal
// header lines + CSV block" input dialect: leading whitespace on header
// fields is stripped on parse, fields are comma-delimited.
func rewriteColumn(path, col string, value float64) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	bufReader := bufio.NewReader(src)

	var preamble [2]string
	for i := 0; i < 2; i++ {
		line, err := bufReader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("%s: expected two preamble lines", path)
		}
		preamble[i] = strings.TrimRight(line, "\n")
	}

	reader := csv.NewReader(bufReader)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("%s: parse CSV body: %w", path, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s: CSV body has no header row", path)
	}

	header := rows[0]
	colIdx := -1
	for i, h := range header {
		if strings.TrimSpace(h) == col {
			colIdx = i
			break
		}
	}
	if colIdx == -1 {
		return fmt.Errorf("%s: column %q not found", path, col)
	}

	formatted := strconv.FormatFloat(value, 'g', -1, 64)
	for i := 1; i < len(rows); i++ {
		if colIdx < len(rows[i]) {
			rows[i][colIdx] = formatted
		}
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	defer dst.Close()

	w := bufio.NewWriter(dst)
	for _, line := range preamble {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.WriteAll(rows); err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	return w.Flush()
}

// Exec invokes `ModelExe run_dir` with stdin/stdout/stderr all detached
// (null sinks), waits for termination, and does not interpret exit
// status: failure manifests downstream as missing or ill-formed output.
// ctx is not used to kill the process on cancellation — per spec,
// in-flight model binaries are not actively cancelled.
func (s *Sandbox) Exec(ctx context.Context, runDir string) error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open null device: %w", err)
	}
	defer devnull.Close()

	cmd := exec.Command(s.ModelExe, runDir)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull

	s.log.WithField("run_dir", runDir).Infof("invoking model binary")
	if err := cmd.Run(); err != nil {
		s.log.WithField("run_dir", runDir).WithError(err).Warnf("model binary returned an error (exit status not interpreted)")
	}
	return nil
}

// Package returns an in-memory archive containing the listed file names
// (input files plus the output file), each stored at the archive root.
func (s *Sandbox) Package(runDir string, files []string) ([]byte, error) {
	b, err := archive.PackageFilesToBytes(runDir, files)
	if err != nil {
		return nil, fmt.Errorf("package run %s: %w", runDir, err)
	}
	return b, nil
}

// ParseOutput extracts outputFile from a run's result archive, decodes
// it as text, and returns its line sequence.
func ParseOutput(archiveBytes []byte, outputFile string) ([]string, error) {
	content, err := archive.ReadFileFromBytes(archiveBytes, outputFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wqerrors.ErrRunNotCompleted, err)
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	return lines, nil
}

// Cleanup removes a run's working directory. Best-effort: called after a
// run's output has been packaged, whether or not the run succeeded.
func (s *Sandbox) Cleanup(runDir string) {
	if err := os.RemoveAll(runDir); err != nil {
		s.log.WithField("run_dir", runDir).WithError(err).Warnf("failed to clean up run directory")
	}
}
