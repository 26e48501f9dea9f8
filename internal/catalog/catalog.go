// Package catalog is the static list of extensions the manager knows about.
package catalog

import (
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
)

// Tier is the entitlement an extension requires.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// HeaderSuffix is the trusted suffix of extension entry files.
const HeaderSuffix = ".ext.yaml"

// Entry describes one catalogued extension. Field order is part of the
// canonical encoding; reordering fields changes the catalog checksum.
type Entry struct {
	Slug        string `json:"slug"`
	Network     bool   `json:"network"`
	Tier        Tier   `json:"type"`
	Area        string `json:"area"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Party       string `json:"party"`
	LastUpdated int64  `json:"last_updated"`

	// Platform is the application the host plugin runs on.
	MinPlatformVersion    string `json:"requires"`
	TestedPlatformVersion string `json:"tested"`

	// Host is the plugin the extensions extend.
	MinHostVersion    string `json:"requires_tsf"`
	TestedHostVersion string `json:"tested_tsf"`
}

// Premium reports whether the entry needs a premium subscription.
func (e Entry) Premium() bool {
	return e.Tier == TierPremium
}

// Dir is the extension's directory under root:
// root/[network/](free|premium)/slug/trunk.
func (e Entry) Dir(root string) string {
	parts := []string{root}
	if e.Network {
		parts = append(parts, "network")
	}
	parts = append(parts, string(e.Tier), e.Slug, "trunk")
	return filepath.Join(parts...)
}

// HeaderPath is the extension's entry file.
func (e Entry) HeaderPath(root string) string {
	return filepath.Join(e.Dir(root), e.Slug+HeaderSuffix)
}

// Catalog is an immutable set of entries keyed by slug.
type Catalog struct {
	entries map[string]Entry
}

// New builds a catalog. Later entries replace earlier ones with the same slug.
func New(entries ...Entry) Catalog {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Slug] = e
	}
	return Catalog{entries: m}
}

// Get looks up slug.
func (c Catalog) Get(slug string) (Entry, bool) {
	e, ok := c.entries[strings.TrimSpace(slug)]
	return e, ok
}

// Len returns the number of entries.
func (c Catalog) Len() int {
	return len(c.entries)
}

// Entries returns the entries sorted by slug.
func (c Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Slug, b.Slug) })
	return out
}

// With returns a copy of c with e added or replaced.
func (c Catalog) With(e Entry) Catalog {
	entries := c.Entries()
	return New(append(entries, e)...)
}

// Canonical is the deterministic byte form the checksums are computed over.
func (c Catalog) Canonical() ([]byte, error) {
	return json.Marshal(c.Entries())
}

// KnownGood holds the digests of Default().Canonical() by algorithm.
var KnownGood = map[string]string{
	"sha256": "25eeec9474b6e85ef5cb4826fdc0eff30d6e5b28a4c0df55e2ed97c6a64331f0",
	"sha1":   "44791f298b084b86566ae86cd0ef61e7c59f5f88",
	"md5":    "658c298fe5abd76a9f0ce4e65b1aab67",
}

const firstParty = "extension-manager"

// Default returns the shipped catalog.
func Default() Catalog {
	return New(
		Entry{
			Slug: "title-fix", Tier: TierFree, Area: "general", Version: "1.0.2",
			Author: firstParty, Party: "first", LastUpdated: 1454785229,
			MinPlatformVersion: "3.9.0", TestedPlatformVersion: "4.7.0",
			MinHostVersion: "2.7.0", TestedHostVersion: "2.8.0",
		},
		Entry{
			Slug: "incognito", Tier: TierFree, Area: "general", Version: "1.0.0",
			Author: firstParty, Party: "first", LastUpdated: 1473299919,
			MinPlatformVersion: "3.9.0", TestedPlatformVersion: "4.7.0",
			MinHostVersion: "2.2.0", TestedHostVersion: "2.8.0",
		},
		Entry{
			Slug: "multilang", Tier: TierFree, Area: "general", Version: "1.0.0",
			Author: firstParty, Party: "first", LastUpdated: 1473299919,
			MinPlatformVersion: "4.4.0", TestedPlatformVersion: "4.7.0",
			MinHostVersion: "2.7.0", TestedHostVersion: "2.8.0",
		},
		Entry{
			Slug: "analytics", Tier: TierPremium, Area: "general", Version: "1.0.0",
			Author: firstParty, Party: "first", LastUpdated: 1473664096,
			MinPlatformVersion: "4.4.0", TestedPlatformVersion: "4.7.0",
			MinHostVersion: "2.7.1", TestedHostVersion: "2.8.0",
		},
		Entry{
			Slug: "monitor", Tier: TierPremium, Area: "general", Version: "1.0.0",
			Author: firstParty, Party: "first", LastUpdated: 1475047996,
			MinPlatformVersion: "4.4.0", TestedPlatformVersion: "4.7.0",
			MinHostVersion: "2.7.0", TestedHostVersion: "2.8.0",
		},
	)
}
