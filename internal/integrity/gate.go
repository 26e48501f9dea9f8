// Package integrity checksums the extension catalog and validates extension
// file paths before anything is loaded.
package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rcourtman/extension-manager/internal/catalog"
	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

// Algorithm names a digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA1   Algorithm = "sha1"
	MD5    Algorithm = "md5"
)

// Preference lists algorithms strongest first.
var Preference = []Algorithm{SHA256, SHA1, MD5}

func (a Algorithm) new() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA1:
		return sha1.New()
	case MD5:
		return md5.New()
	default:
		return nil
	}
}

// Checksum is a computed catalog digest and the trust anchors to check it
// against.
type Checksum struct {
	Hash      string               `json:"hash"`
	Algorithm Algorithm            `json:"type"`
	Matches   map[Algorithm]string `json:"matches"`
}

// Verdict is the outcome of VerifyChecksum.
type Verdict int

const (
	Valid         Verdict = 1
	MissingFields Verdict = -1
	Mismatch      Verdict = -2
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case MissingFields:
		return "missing_fields"
	case Mismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// FileChecksum is the digest of one file.
type FileChecksum struct {
	Hash      string    `json:"hash"`
	Algorithm Algorithm `json:"type"`
}

// Gate computes checksums with the strongest algorithm the host supports.
type Gate struct {
	provider hostapi.HashProvider
	anchors  map[Algorithm]string
	root     string
}

// Option configures a Gate.
type Option func(*Gate)

// WithAnchors replaces the known-good catalog digests.
func WithAnchors(anchors map[string]string) Option {
	return func(g *Gate) {
		g.anchors = make(map[Algorithm]string, len(anchors))
		for k, v := range anchors {
			g.anchors[Algorithm(k)] = v
		}
	}
}

// NewGate returns a gate trusting files under root.
func NewGate(provider hostapi.HashProvider, root string, opts ...Option) *Gate {
	if provider == nil {
		provider = hostapi.DefaultHashes
	}
	g := &Gate{provider: provider, root: root}
	WithAnchors(catalog.KnownGood)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Root is the trusted directory.
func (g *Gate) Root() string {
	return g.root
}

// Algorithm returns the strongest supported algorithm, or "" when the host
// supports none of them.
func (g *Gate) Algorithm() Algorithm {
	supported := map[string]bool{}
	for _, a := range g.provider.Algorithms() {
		supported[strings.ToLower(strings.TrimSpace(a))] = true
	}
	for _, a := range Preference {
		if supported[string(a)] {
			return a
		}
	}
	return ""
}

// CatalogChecksum digests the canonical form of c.
func (g *Gate) CatalogChecksum(c catalog.Catalog) (Checksum, error) {
	matches := make(map[Algorithm]string, len(g.anchors))
	for k, v := range g.anchors {
		matches[k] = v
	}
	sum := Checksum{Matches: matches}

	alg := g.Algorithm()
	if alg == "" {
		return sum, nil
	}
	raw, err := c.Canonical()
	if err != nil {
		return sum, fmt.Errorf("encode catalog: %w", err)
	}
	h := alg.new()
	h.Write(raw)
	sum.Hash = hex.EncodeToString(h.Sum(nil))
	sum.Algorithm = alg
	return sum, nil
}

// VerifyChecksum compares the digest with the anchor for its algorithm in
// constant time.
func VerifyChecksum(c Checksum) Verdict {
	if c.Hash == "" || c.Algorithm == "" || c.Matches == nil {
		return MissingFields
	}
	want, ok := c.Matches[c.Algorithm]
	if !ok || want == "" {
		return MissingFields
	}
	if subtle.ConstantTimeCompare([]byte(c.Hash), []byte(want)) != 1 {
		return Mismatch
	}
	return Valid
}

// FileChecksum streams path through the preferred digest.
func (g *Gate) FileChecksum(path string) (FileChecksum, error) {
	alg := g.Algorithm()
	if alg == "" {
		return FileChecksum{}, fmt.Errorf("no supported hash algorithm")
	}
	f, err := os.Open(path)
	if err != nil {
		return FileChecksum{}, err
	}
	defer f.Close()

	h := alg.new()
	if _, err := io.Copy(h, f); err != nil {
		return FileChecksum{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return FileChecksum{Hash: hex.EncodeToString(h.Sum(nil)), Algorithm: alg}, nil
}

// ValidatePath reports whether path is a regular, non-symlinked file with
// the trusted suffix inside the trusted root.
func (g *Gate) ValidatePath(path string) bool {
	if g.root == "" || path == "" {
		return false
	}
	root, err := filepath.Abs(g.root)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	if !strings.HasSuffix(abs, catalog.HeaderSuffix) {
		return false
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return false
	}
	if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
		return false
	}
	return true
}
