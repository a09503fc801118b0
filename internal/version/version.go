// Package version holds the fleetd build version and compares the dotted
// version tags of role images.
package version

import (
	"cmp"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// These variables are set via ldflags at build time.
// Example: go build -ldflags "-X github.com/spin-stack/fleetd/internal/version.Version=2026.10.0"
var (
	// Version is the fleetd release (e.g., "2026.10.0" or "dev").
	Version = "dev"

	// GitCommit is the git commit SHA.
	GitCommit = "unknown"

	// BuildDate is the build timestamp in RFC3339 format.
	BuildDate = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, runtime.Version())
}

// Short returns just the version string.
func Short() string {
	return Version
}

// Compare orders two image version tags such as "1.2.0", "2024.3.1" or
// "2024.3.0b2". Numeric dot-separated components compare as numbers; a
// trailing pre-release suffix sorts before the plain release. Tags that do not
// start with a digit sort below every numeric tag and compare as strings.
func Compare(a, b string) int {
	na, nb := numeric(a), numeric(b)
	switch {
	case !na && !nb:
		return strings.Compare(a, b)
	case !na:
		return -1
	case !nb:
		return 1
	}

	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := range max(len(pa), len(pb)) {
		var ca, cb string
		if i < len(pa) {
			ca = pa[i]
		}
		if i < len(pb) {
			cb = pb[i]
		}
		if c := compareComponent(ca, cb); c != 0 {
			return c
		}
	}
	return 0
}

// Latest returns the highest numeric tag, ignoring tags such as "latest".
func Latest(tags []string) (string, bool) {
	var best string
	for _, t := range tags {
		if !numeric(t) {
			continue
		}
		if best == "" || Compare(t, best) > 0 {
			best = t
		}
	}
	return best, best != ""
}

func numeric(v string) bool {
	return v != "" && v[0] >= '0' && v[0] <= '9'
}

// compareComponent compares "3" with "0b2": the leading number first, then a
// suffix-less component wins over one with a suffix. A missing component is 0.
func compareComponent(a, b string) int {
	an, as := splitNumber(a)
	bn, bs := splitNumber(b)
	if c := cmp.Compare(an, bn); c != 0 {
		return c
	}
	switch {
	case as == bs:
		return 0
	case as == "":
		return 1
	case bs == "":
		return -1
	}
	return strings.Compare(as, bs)
}

func splitNumber(s string) (uint64, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.ParseUint(s[:i], 10, 64)
	return n, s[i:]
}
