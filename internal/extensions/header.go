package extensions

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"gopkg.in/yaml.v3"

	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/integrity"
)

const (
	maxHeaderSize  = 64 << 10
	headerCacheTTL = 10 * time.Minute
)

// Header is the metadata block an extension ships in its entry file.
type Header struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`
}

// HeaderReader parses entry files and caches them by path, size and
// modification time.
type HeaderReader struct {
	gate  *integrity.Gate
	cache *ristretto.Cache
}

// NewHeaderReader returns a reader that only opens files the gate trusts.
func NewHeaderReader(gate *integrity.Gate) (*HeaderReader, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header cache: %w", err)
	}
	return &HeaderReader{gate: gate, cache: cache}, nil
}

// Read parses the header at path.
func (r *HeaderReader) Read(path string) (Header, error) {
	if !r.gate.ValidatePath(path) {
		return Header{}, errs.New(errs.ClassTamper, "read_header", fmt.Errorf("untrusted extension file %q", path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return Header{}, errs.New(errs.ClassNotFound, "read_header", err)
	}
	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if cached, found := r.cache.Get(key); found {
		return cached.(Header), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Header{}, errs.New(errs.ClassNotFound, "read_header", err)
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxHeaderSize))
	if err != nil {
		return Header{}, fmt.Errorf("read header %s: %w", path, err)
	}

	var h Header
	if err := yaml.Unmarshal(raw, &h); err != nil {
		return Header{}, errs.New(errs.ClassValidation, "read_header", fmt.Errorf("parse %s: %w", path, err))
	}
	h.Name = strings.TrimSpace(h.Name)
	if h.Name == "" {
		return Header{}, errs.New(errs.ClassValidation, "read_header", fmt.Errorf("%s: missing name", path))
	}

	r.cache.SetWithTTL(key, h, 1, headerCacheTTL)
	r.cache.Wait()
	return h, nil
}

// Close releases the cache.
func (r *HeaderReader) Close() {
	r.cache.Close()
}
