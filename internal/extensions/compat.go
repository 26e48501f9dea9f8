package extensions

import (
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/rcourtman/extension-manager/internal/catalog"
)

// Verdict is the three-way compatibility answer, with the "likely fine"
// middle split by which side runs ahead of what the extension was tested on.
type Verdict int

const (
	VerdictIncompatible  Verdict = -1
	VerdictCompatible    Verdict = 0
	VerdictHostAhead     Verdict = 1
	VerdictPlatformAhead Verdict = 2
	VerdictBothAhead     Verdict = 3
)

func (v Verdict) String() string {
	switch v {
	case VerdictCompatible:
		return "compatible"
	case VerdictHostAhead:
		return "host-untested"
	case VerdictPlatformAhead:
		return "platform-untested"
	case VerdictBothAhead:
		return "untested"
	default:
		return "incompatible"
	}
}

// OK reports whether the extension may run.
func (v Verdict) OK() bool {
	return v != VerdictIncompatible
}

// Sub-scores for one version pair.
const (
	scoreBelowMinimum = 0
	scoreAboveTested  = 1
	scoreInRange      = 2
)

// Versions are the running host and platform versions.
type Versions struct {
	Host     string
	Platform string
}

// score rates current against a minimum and a tested version. A version
// that does not parse rates as below minimum.
func score(current, minimum, tested string) int {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return scoreBelowMinimum
	}
	if t, err := semver.NewVersion(tested); err == nil && cur.GreaterThan(t) {
		return scoreAboveTested
	}
	if m, err := semver.NewVersion(minimum); err == nil && !cur.LessThan(m) {
		return scoreInRange
	}
	return scoreBelowMinimum
}

// encode maps a sub-score to two bits with 00 as the best case.
func encode(s int) int {
	switch s {
	case scoreInRange:
		return 0b00
	case scoreAboveTested:
		return 0b01
	default:
		return 0b11
	}
}

// Code packs the platform score into the high two bits and the host score
// into the low two bits.
func Code(e catalog.Entry, v Versions) int {
	host := score(v.Host, e.MinHostVersion, e.TestedHostVersion)
	platform := score(v.Platform, e.MinPlatformVersion, e.TestedPlatformVersion)
	return encode(platform)<<2 | encode(host)
}

// Decode turns a packed code into a verdict. Any 11 pair is incompatible.
func Decode(code int) Verdict {
	switch code {
	case 0b0000:
		return VerdictCompatible
	case 0b0001:
		return VerdictHostAhead
	case 0b0100:
		return VerdictPlatformAhead
	case 0b0101:
		return VerdictBothAhead
	default:
		return VerdictIncompatible
	}
}

// Checker memoises verdicts per slug for fixed versions.
type Checker struct {
	versions Versions

	mu    sync.Mutex
	cache map[string]Verdict
}

// NewChecker returns a checker for the running versions.
func NewChecker(v Versions) *Checker {
	return &Checker{versions: v, cache: make(map[string]Verdict)}
}

// Versions returns the versions the checker scores against.
func (c *Checker) Versions() Versions {
	return c.versions
}

// Check returns the verdict for e.
func (c *Checker) Check(e catalog.Entry) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache[e.Slug]; ok {
		return v
	}
	v := Decode(Code(e, c.versions))
	c.cache[e.Slug] = v
	return v
}
