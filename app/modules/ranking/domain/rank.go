package rankingdomain

import "github.com/tourneykit/rankbot/app/shared"

// ExcludedPosition marks a result row whose player is excluded from ranking.
// Excluded rows keep their stored result but never hold a competitive position.
const ExcludedPosition = -1

// Entry is one tournament result row, ordered by score descending before
// positions are assigned.
type Entry struct {
	PlayerID shared.PlayerID
	Score    int
}

// Positions assigns competition positions to entries already sorted by score
// descending. Tied scores share a position and the following distinct score
// skips as many positions as there were tied entries. Entries whose player the
// predicate excludes get ExcludedPosition and do not consume a position or
// break a tie run.
func Positions(entries []Entry, excluded func(shared.PlayerID) bool) []int {
	positions := make([]int, 0, len(entries))

	current := 0
	borrow := 1
	var lastScore int
	haveLast := false

	for _, e := range entries {
		if excluded != nil && excluded(e.PlayerID) {
			positions = append(positions, ExcludedPosition)
			continue
		}

		if haveLast && e.Score == lastScore {
			borrow++
			positions = append(positions, current)
			continue
		}

		current += borrow
		borrow = 1
		positions = append(positions, current)
		lastScore = e.Score
		haveLast = true
	}

	return positions
}

// Diff compares stored positions against freshly computed ones and returns
// the indexes whose position changed.
func Diff(stored, computed []int) []int {
	var changed []int
	for i := range computed {
		if i >= len(stored) || stored[i] != computed[i] {
			changed = append(changed, i)
		}
	}
	return changed
}
