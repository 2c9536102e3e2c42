// Package counter models the COUNTER report family: protocol versions,
// report documents, SUSHI exceptions, schema validation and the flattening
// of hierarchical reports into metric records.
package counter

import (
	"sort"
	"strconv"
	"strings"
)

// CompareVersions orders COUNTER release strings numerically per dotted
// segment, so that 6 > 5.2 > 5.1 > 5. A missing segment counts as zero and
// non-numeric segments fall back to string comparison.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimSpace(a), ".")
	bs := strings.Split(strings.TrimSpace(b), ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(as) && as[i] != "" {
			sa = as[i]
		}
		if i < len(bs) && bs[i] != "" {
			sb = bs[i]
		}

		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SortVersionsDesc returns the versions ordered most recent first.
func SortVersionsDesc(versions []string) []string {
	out := make([]string, len(versions))
	copy(out, versions)
	sort.Slice(out, func(i, j int) bool {
		return CompareVersions(out[i], out[j]) > 0
	})
	return out
}

// MajorRelease maps a version string onto the schema/transform family it
// belongs to ("5" or "5.1").
func MajorRelease(version string) string {
	if CompareVersions(version, "5.1") >= 0 {
		return "5.1"
	}
	return "5"
}
