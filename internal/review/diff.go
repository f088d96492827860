package review

import (
	"fmt"
	"sort"
	"time"
)

// wordKey is the stable identity used to align two word lists. Words carry
// no id of their own, so equality of the timestamp window plus text is the
// strongest identity available.
type wordKey struct {
	start, end float64
	text       string
}

func keyOf(w Word) wordKey {
	return wordKey{start: w.Start, end: w.End, text: w.Text}
}

// Diff aligns a stored word list against an edited one and produces the
// version entries for the audit trail plus the merged result list.
//
// Alignment is a longest-common-subsequence over (start, end, text), so a
// handful of edits in a long transcript yields a handful of entries rather
// than a wholesale delete/re-add. Within the unmatched gaps, words sharing
// a timestamp window (a pure text edit) or sharing text (a retiming) pair
// up as modifications; leftovers become deletions and additions.
//
// The merged list is the edited list sorted by start time. Unchanged words
// keep their prior edit flags; modified and added words are marked edited —
// unless the previous list was empty, since the first save of a fresh
// transcription is not editing.
func Diff(previous, next []Word, now time.Time) ([]VersionEntry, []Word) {
	firstSave := len(previous) == 0

	merged := make([]Word, len(next))
	copy(merged, next)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	matched := lcsMatch(previous, merged)

	var entries []VersionEntry
	pi, ni := 0, 0
	for _, m := range append(matched, match{prev: len(previous), next: len(merged)}) {
		gapPrev := previous[pi:m.prev]
		gapNext := merged[ni:m.next]
		entries = appendGapEntries(entries, gapPrev, gapNext, merged, ni, firstSave, now)
		if m.prev < len(previous) {
			// Identical match: carry prior flags through.
			merged[m.next].IsEdited = previous[m.prev].IsEdited
			merged[m.next].EditedInReviewRound = previous[m.prev].EditedInReviewRound
		}
		pi, ni = m.prev+1, m.next+1
	}

	return entries, merged
}

// appendGapEntries walks one unmatched region with two cursors, pairing
// modifications where possible and emitting deletions/additions otherwise.
func appendGapEntries(entries []VersionEntry, gapPrev, gapNext []Word, merged []Word, nextBase int, firstSave bool, now time.Time) []VersionEntry {
	i, j := 0, 0
	for i < len(gapPrev) || j < len(gapNext) {
		switch {
		case i >= len(gapPrev):
			// Addition.
			if !firstSave {
				merged[nextBase+j].IsEdited = true
			}
			entries = append(entries, VersionEntry{Timestamp: now, After: gapNext[j].Snapshot()})
			j++
		case j >= len(gapNext):
			entries = append(entries, VersionEntry{Timestamp: now, Before: gapPrev[i].Snapshot()})
			i++
		case sameWindow(gapPrev[i], gapNext[j]) || gapPrev[i].Text == gapNext[j].Text ||
			len(gapPrev)-i == len(gapNext)-j:
			// Modification: same timestamp window (text edit), same text
			// (retiming), or positional fallback when the gap lengths line up.
			if !firstSave {
				merged[nextBase+j].IsEdited = true
			}
			entries = append(entries, VersionEntry{
				Timestamp: now,
				Before:    gapPrev[i].Snapshot(),
				After:     gapNext[j].Snapshot(),
			})
			i++
			j++
		case len(gapPrev)-i > len(gapNext)-j:
			entries = append(entries, VersionEntry{Timestamp: now, Before: gapPrev[i].Snapshot()})
			i++
		default:
			if !firstSave {
				merged[nextBase+j].IsEdited = true
			}
			entries = append(entries, VersionEntry{Timestamp: now, After: gapNext[j].Snapshot()})
			j++
		}
	}
	return entries
}

func sameWindow(a, b Word) bool {
	return a.Start == b.Start && a.End == b.End
}

// match pairs an index in the previous list with an index in the next list.
type match struct {
	prev, next int
}

// lcsMatch computes the longest common subsequence of the two lists keyed
// on (start, end, text), returned as ascending index pairs.
func lcsMatch(prev, next []Word) []match {
	n, m := len(prev), len(next)
	if n == 0 || m == 0 {
		return nil
	}

	// dp[i][j] = LCS length of prev[i:], next[j:].
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if keyOf(prev[i]) == keyOf(next[j]) {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var matches []match
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case keyOf(prev[i]) == keyOf(next[j]):
			matches = append(matches, match{prev: i, next: j})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return matches
}

// ValidateWords rejects malformed word lists before they reach the diff:
// every word needs end > start, and the list must arrive sorted by start
// with no overlapping windows (touching boundaries are fine).
func ValidateWords(words []Word) error {
	for i, w := range words {
		if w.End <= w.Start {
			return fmt.Errorf("%w: word %d (%q) has end %.3f <= start %.3f", ErrValidation, i, w.Text, w.End, w.Start)
		}
		if i > 0 {
			if w.Start < words[i-1].Start {
				return fmt.Errorf("%w: word %d (%q) starts before word %d", ErrValidation, i, w.Text, i-1)
			}
			if w.Start < words[i-1].End {
				return fmt.Errorf("%w: word %d (%q) overlaps word %d", ErrValidation, i, w.Text, i-1)
			}
		}
	}
	return nil
}
