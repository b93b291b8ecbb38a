// Package collaboration implements conflict detection and merging for
// concurrently edited content. It builds on the crdt and ot subpackages and
// stays free of storage and transport concerns.
package collaboration

import "strings"

// Hunk describes one contiguous change of a derived version against its
// base: base lines [BaseStart, BaseEnd) are replaced by Lines. A pure
// insertion has BaseStart == BaseEnd.
type Hunk struct {
	BaseStart int
	BaseEnd   int
	Lines     []string
}

// maxLCSCells bounds the dynamic-programming table for the middle section
// of a diff. Inputs whose trimmed middles exceed the bound collapse to a
// single replacement hunk, keeping memory proportional to the inputs.
const maxLCSCells = 1 << 20

// SplitLines splits content into lines, keeping terminators so a join of
// the parts reproduces the input byte for byte.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := make([]string, 0, strings.Count(content, "\n")+1)
	start := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			lines = append(lines, content[start:i+1])
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, content[start:])
	}
	return lines
}

// DiffLines computes the hunks transforming base into derived at line
// granularity. Common prefix and suffix are trimmed first so typical edits
// of large documents only diff the touched middle section.
func DiffLines(base, derived []string) []Hunk {
	prefix := commonPrefix(base, derived)
	base, derived = base[prefix:], derived[prefix:]

	suffix := commonSuffix(base, derived)
	base, derived = base[:len(base)-suffix], derived[:len(derived)-suffix]

	if len(base) == 0 && len(derived) == 0 {
		return nil
	}

	if len(base)*len(derived) > maxLCSCells {
		// One coarse replacement hunk instead of an unbounded table.
		return []Hunk{{BaseStart: prefix, BaseEnd: prefix + len(base), Lines: derived}}
	}

	hunks := lcsHunks(base, derived)
	for i := range hunks {
		hunks[i].BaseStart += prefix
		hunks[i].BaseEnd += prefix
	}
	return hunks
}

func commonPrefix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonSuffix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

// lcsHunks runs a classic longest-common-subsequence table over the trimmed
// middle and converts the non-matching stretches into hunks.
func lcsHunks(base, derived []string) []Hunk {
	m, n := len(base), len(derived)
	table := make([]int, (m+1)*(n+1))
	idx := func(i, j int) int { return i*(n+1) + j }

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == derived[j] {
				table[idx(i, j)] = table[idx(i+1, j+1)] + 1
			} else if table[idx(i+1, j)] >= table[idx(i, j+1)] {
				table[idx(i, j)] = table[idx(i+1, j)]
			} else {
				table[idx(i, j)] = table[idx(i, j+1)]
			}
		}
	}

	var hunks []Hunk
	i, j := 0, 0
	hunkStartBase, hunkStartDerived := -1, -1

	flush := func() {
		if hunkStartBase >= 0 {
			lines := derived[hunkStartDerived:j]
			hunks = append(hunks, Hunk{
				BaseStart: hunkStartBase,
				BaseEnd:   i,
				Lines:     append([]string(nil), lines...),
			})
			hunkStartBase, hunkStartDerived = -1, -1
		}
	}

	for i < m && j < n {
		if base[i] == derived[j] {
			flush()
			i++
			j++
			continue
		}
		if hunkStartBase < 0 {
			hunkStartBase, hunkStartDerived = i, j
		}
		if table[idx(i+1, j)] >= table[idx(i, j+1)] {
			i++
		} else {
			j++
		}
	}
	if i < m || j < n {
		if hunkStartBase < 0 {
			hunkStartBase, hunkStartDerived = i, j
		}
		i, j = m, n
	}
	flush()
	return hunks
}

// LineOffsets returns the byte offset of the start of each line plus a
// trailing sentinel equal to the content length, so hunk line ranges map to
// byte ranges in constant time.
func LineOffsets(lines []string) []int {
	offsets := make([]int, len(lines)+1)
	total := 0
	for i, line := range lines {
		offsets[i] = total
		total += len(line)
	}
	offsets[len(lines)] = total
	return offsets
}
