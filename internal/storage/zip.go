package storage

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// CreateZipFlat zips every file below srcDir into dest, storing each under
// its base name only. Two files with the same base name are an error.
func CreateZipFlat(srcDir, dest string) error {
	return createZip(srcDir, dest, func(rel string) string {
		return filepath.Base(rel)
	})
}

// CreateZipTree zips every file below srcDir into dest, keeping paths
// relative to srcDir.
func CreateZipTree(srcDir, dest string) error {
	return createZip(srcDir, dest, filepath.ToSlash)
}

func createZip(srcDir, dest string, nameFor func(rel string) string) (err error) {
	files, err := listFiles(srcDir)
	if err != nil {
		return fmt.Errorf("%w: list %s: %v", ErrIO, srcDir, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, dest, err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", ErrIO, dest, closeErr)
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	zw := zip.NewWriter(out)
	seen := make(map[string]string, len(files))
	for _, rel := range files {
		name := nameFor(rel)
		if prev, dup := seen[name]; dup {
			zw.Close()
			return fmt.Errorf("zip %s: %s and %s both map to %s", dest, prev, rel, name)
		}
		seen[name] = rel

		if err := addFile(zw, filepath.Join(srcDir, rel), name); err != nil {
			zw.Close()
			return fmt.Errorf("%w: zip %s: %v", ErrIO, rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: finish %s: %v", ErrIO, dest, err)
	}
	return nil
}

func addFile(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// listFiles returns the regular files below root as sorted relative paths
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no files to package")
	}
	sort.Strings(files)
	return files, nil
}
