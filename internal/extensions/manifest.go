package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	errs "github.com/rcourtman/extension-manager/internal/errors"
)

const (
	// ManifestFile sits next to the entry file and lists the components
	// that are test-driven on activation.
	ManifestFile = "manifest.json"

	// DefaultManifestTimeout bounds the manifest read.
	DefaultManifestTimeout = 2 * time.Second

	maxManifestSize = 256 << 10

	// baseComponent names the entry file, which is always tested first.
	baseComponent = "_base"
)

// Files is one or more component files. The JSON form is a string or an
// array of strings.
type Files []string

// UnmarshalJSON accepts "file" and ["file", ...].
func (f *Files) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*f = Files{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("component files must be a string or a list of strings: %w", err)
	}
	*f = many
	return nil
}

// Manifest maps component names to the files that define them.
type Manifest struct {
	Namespace string           `json:"namespace"`
	Test      map[string]Files `json:"test"`
}

// Component is one manifest entry.
type Component struct {
	Name  string
	Files []string
}

// Components returns the manifest entries sorted by name, without the base
// entry.
func (m *Manifest) Components() []Component {
	if m == nil {
		return nil
	}
	out := make([]Component, 0, len(m.Test))
	for name, files := range m.Test {
		if name == baseComponent {
			continue
		}
		out = append(out, Component{Name: name, Files: files})
	}
	slices.SortFunc(out, func(a, b Component) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// FileCount is the number of component files across all entries.
func (m *Manifest) FileCount() int {
	n := 0
	for _, c := range m.Components() {
		n += len(c.Files)
	}
	return n
}

// ReadManifest reads dir/manifest.json within timeout. A missing manifest
// is not an error and yields nil.
func ReadManifest(ctx context.Context, dir string, timeout time.Duration) (*Manifest, error) {
	if timeout <= 0 {
		timeout = DefaultManifestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := readLimited(filepath.Join(dir, ManifestFile))
		done <- result{raw, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, errs.Transient("read_manifest", ctx.Err())
	case res = <-done:
	}
	if errors.Is(res.err, fs.ErrNotExist) {
		return nil, nil
	}
	if res.err != nil {
		return nil, fmt.Errorf("read manifest: %w", res.err)
	}

	var m Manifest
	if err := json.Unmarshal(res.raw, &m); err != nil {
		return nil, errs.New(errs.ClassValidation, "read_manifest", err)
	}
	return &m, nil
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxManifestSize))
}
