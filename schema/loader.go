package schema

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/wippyai/capbridge/errors"
)

// Loader finds descriptor files. It returns a canonical path, which the
// registry uses as the memoization key, and the file contents.
type Loader interface {
	Load(name string, search []string) (string, []byte, error)
}

// DirLoader loads descriptors from the operating system's file system.
// Relative names are tried against each search directory in order and then
// against the working directory.
type DirLoader struct{}

func (DirLoader) Load(name string, search []string) (string, []byte, error) {
	var candidates []string
	if filepath.IsAbs(name) {
		candidates = []string{name}
	} else {
		for _, dir := range search {
			candidates = append(candidates, filepath.Join(dir, name))
		}
		candidates = append(candidates, name)
	}

	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err == nil {
			abs, absErr := filepath.Abs(c)
			if absErr != nil {
				abs = c
			}
			return abs, data, nil
		}
		if !os.IsNotExist(err) {
			return "", nil, errors.Wrap(errors.PhaseSchema, errors.KindInvalidData, err, "read "+c)
		}
	}
	return "", nil, errors.NotFound(errors.PhaseSchema, "schema file", name)
}

// FSLoader loads descriptors from an fs.FS such as an embedded directory.
type FSLoader struct {
	FS fs.FS
}

func (l FSLoader) Load(name string, search []string) (string, []byte, error) {
	candidates := make([]string, 0, len(search)+1)
	for _, dir := range search {
		candidates = append(candidates, path.Join(dir, name))
	}
	candidates = append(candidates, path.Clean(name))

	for _, c := range candidates {
		data, err := fs.ReadFile(l.FS, c)
		if err == nil {
			return c, data, nil
		}
	}
	return "", nil, errors.NotFound(errors.PhaseSchema, "schema file", name)
}
