package jobs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// SyncWorkingCopy replaces the working directory with a fresh copy of the
// source tree. Timestamps are preserved so change detection's
// source-vs-working comparison starts from equal maps.
func SyncWorkingCopy(sourceDir, workingDir string) error {
	if err := os.RemoveAll(workingDir); err != nil {
		return err
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return err
	}

	return filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(workingDir, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := copyFile(path, target, info.Mode().Perm()); err != nil {
			return err
		}
		return os.Chtimes(target, info.ModTime(), info.ModTime())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
