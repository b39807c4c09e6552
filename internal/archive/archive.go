// Package archive extracts and repackages zip archives for the model
// store and run sandbox, with zip-slip protection and the
// single-common-root normalisation the model registry requires: an
// archive zipped from inside a model directory and one zipped from
// above it must both land at the same extracted layout.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extract unzips zipPath into tgtPath, stripping a single common leading
// directory shared by every entry in the archive if one exists. Returns
// an error instead of panicking so callers (model upload, run
// preparation) can turn a malformed upload into a structured response.
func Extract(zipPath, tgtPath string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", zipPath, err)
	}
	defer r.Close()

	root := commonRoot(r.File)

	if err := os.MkdirAll(tgtPath, 0o755); err != nil {
		return fmt.Errorf("create target dir %s: %w", tgtPath, err)
	}

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, root)
		if name == "" {
			continue
		}
		destPath := filepath.Join(tgtPath, name)

		if !strings.HasPrefix(destPath, filepath.Clean(tgtPath)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes target directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", destPath, err)
			}
			continue
		}

		if err := extractFile(f, destPath); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", destPath, err)
	}

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("create file %s: %w", destPath, err)
	}
	defer dst.Close()

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer src.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

// commonRoot returns the single leading path component ("dir/") shared
// by every entry in files, or "" if there isn't one. This is the
// normalisation the model registry applies: users sometimes zip a model
// directory itself, sometimes its contents.
func commonRoot(files []*zip.File) string {
	if len(files) == 0 {
		return ""
	}

	var candidate string
	for i, f := range files {
		parts := strings.SplitN(f.Name, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			return ""
		}
		first := parts[0] + "/"
		if i == 0 {
			candidate = first
		} else if candidate != first {
			return ""
		}
	}
	return candidate
}

// Repackage creates a new zip archive at zipPath containing every file
// under rootDir, stored relative to rootDir (so rootDir's own name never
// appears as a path component — the retrieval-time counterpart to
// Extract's root-stripping).
func Repackage(rootDir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", zipPath, err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	defer w.Close()

	var paths []string
	err = filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", rootDir, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := addToZip(w, rootDir, path); err != nil {
			return err
		}
	}
	return nil
}

func addToZip(w *zip.Writer, rootDir, path string) error {
	rel, err := filepath.Rel(rootDir, path)
	if err != nil {
		return fmt.Errorf("relativize %s: %w", path, err)
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	dst, err := w.Create(filepath.ToSlash(rel))
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", rel, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write zip entry %s: %w", rel, err)
	}
	return nil
}

// PackageFiles writes a zip archive file at destPath containing
// exactly the named files from srcDir, each stored at the archive root
// (no directory prefix). Used by the run sandbox to package a run's
// inputs and output into the artifact returned to the caller.
func PackageFiles(srcDir string, names []string, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destPath, err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	defer w.Close()

	for _, name := range names {
		path := filepath.Join(srcDir, name)
		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}

		dst, err := w.Create(name)
		if err != nil {
			src.Close()
			return fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			return fmt.Errorf("write zip entry %s: %w", name, err)
		}
		src.Close()
	}
	return nil
}

// ReadFile extracts a single named member from a zip archive on disk and
// returns its contents, used to pull the scored output file out of a
// run's result archive.
func ReadFile(zipPath, name string) ([]byte, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", zipPath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("archive %s has no member %q", zipPath, name)
}

// ReadFileFromBytes extracts a single named member from an in-memory zip
// archive, used when the archive never touches disk (a run's packaged
// result, held as bytes on its Run record).
func ReadFileFromBytes(archiveBytes []byte, name string) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return nil, fmt.Errorf("open in-memory archive: %w", err)
	}

	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("archive has no member %q", name)
}

// PackageFilesToBytes builds an in-memory zip containing the named files
// from srcDir (each stored at the archive root) and returns its raw
// bytes, the byte-oriented counterpart to PackageFiles used when the
// caller wants the archive as a Run's result_bytes rather than a file on
// disk.
func PackageFilesToBytes(srcDir string, names []string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, name := range names {
		path := filepath.Join(srcDir, name)
		src, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}

		dst, err := w.Create(name)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			return nil, fmt.Errorf("write zip entry %s: %w", name, err)
		}
		src.Close()
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}
