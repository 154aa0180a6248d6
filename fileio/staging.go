package fileio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pierrec/lz4/v4"
)

const stagedSuffix = ".lz4"

// ErrInvalidName is returned for staged names that are not a single path element
var ErrInvalidName = errors.New("invalid staged file name")

// Staging keeps LZ4 compressed snapshots of the PTD log, one per workload
type Staging struct {
	dir string
}

// NewStaging creates staging folder if it doesn't already exist
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	return &Staging{dir: filepath.Clean(dir)}, nil
}

// Dir returns staging folder
func (s *Staging) Dir() string {
	return s.dir
}

// Reset removes every staged snapshot. Other files in the folder are left alone.
func (s *Staging) Reset() error {
	if err := os.MkdirAll(s.dir, os.ModePerm); err != nil {
		return err
	}
	names, err := s.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name+stagedSuffix)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Save compresses source file into staging under name and returns raw byte count
func (s *Staging) Save(name, source string) (int64, error) {
	path, err := s.path(name)
	if err != nil {
		return 0, err
	}

	in, err := os.Open(source)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFileNotFound, source, err)
	}
	defer in.Close()

	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDestination, err)
	}

	zw := lz4.NewWriter(out)
	written, err := io.Copy(zw, in)
	if err == nil {
		err = zw.Close()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("%w: staging %s: %v", ErrDestination, name, err)
	}

	return written, nil
}

// Open returns decompressing reader for staged snapshot
func (s *Staging) Open(name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: staged %s: %v", ErrFileNotFound, name, err)
	}
	return &stagedReader{Reader: lz4.NewReader(file), file: file}, nil
}

// Names lists staged snapshots in lexical order
func (s *Staging) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stagedSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), stagedSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// Export writes decompressed copy of every snapshot into folder
func (s *Staging) Export(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	names, err := s.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.exportOne(name, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Staging) exportOne(name, destination string) error {
	in, err := s.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestination, err)
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("%w: exporting %s: %v", ErrDestination, name, err)
	}
	return out.Close()
}

// path validates staged name and returns its location
func (s *Staging) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name+stagedSuffix), nil
}

type stagedReader struct {
	*lz4.Reader
	file *os.File
}

func (r *stagedReader) Close() error {
	return r.file.Close()
}
