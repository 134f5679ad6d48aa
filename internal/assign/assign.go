// Package assign picks the final assignee set for one occurrence.
//
// Selection is a pure function of its Input: identical candidates, cursor and
// pending snapshot always produce the same Result, which is what lets a
// re-run of the same occurrence be compared against the first.
package assign

import (
	"sort"

	"taskdist/internal/models"
)

type Input struct {
	Strategy   models.Strategy
	Candidates []models.Candidate
	// Cursor is the rule's rotation state. Only ROTATION reads it.
	Cursor models.CursorState
	// Pending maps user id to currently PENDING tasks. Only BALANCED reads it.
	Pending map[string]int
}

type Result struct {
	Selected []models.Candidate
	// Cursor is the state to commit with the emission. Nil when the strategy
	// does not use a cursor. Version is left unchanged; the store bumps it.
	Cursor *models.CursorState
}

// Select applies the strategy. Candidates are ordered by SortKey first so the
// result does not depend on collaborator ordering.
func Select(in Input) (Result, error) {
	if len(in.Candidates) == 0 {
		return Result{}, models.ErrEmptyScope
	}
	cands := sortedCopy(in.Candidates)

	switch in.Strategy {
	case models.StrategyPointOwner, models.StrategyUserPool:
		return Result{Selected: cands}, nil
	case models.StrategyRotation:
		return rotate(cands, in.Cursor), nil
	case models.StrategyBalanced:
		return Result{Selected: []models.Candidate{leastLoaded(cands, in.Pending)}}, nil
	default:
		return Result{}, models.NewConfigError("unknown assignee strategy %q", in.Strategy)
	}
}

// rotate picks Position mod n and stores the following slot, so successive
// firings walk the candidate list in order and wrap around.
func rotate(cands []models.Candidate, cur models.CursorState) Result {
	n := len(cands)
	idx := cur.Position % n
	if idx < 0 {
		idx += n
	}
	next := cur
	next.Position = (idx + 1) % n
	return Result{Selected: []models.Candidate{cands[idx]}, Cursor: &next}
}

func leastLoaded(cands []models.Candidate, pending map[string]int) models.Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if pending[c.UserID] < pending[best.UserID] {
			best = c
		}
	}
	return best
}

func sortedCopy(in []models.Candidate) []models.Candidate {
	out := append([]models.Candidate(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortKey() < out[j].SortKey() })
	return out
}

// UserIDs returns the distinct user ids of cs in order.
func UserIDs(cs []models.Candidate) []string {
	seen := make(map[string]struct{}, len(cs))
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		out = append(out, c.UserID)
	}
	return out
}

// NeedsPending reports whether Select will read the pending snapshot.
func NeedsPending(s models.Strategy) bool { return s == models.StrategyBalanced }

// NeedsCursor reports whether Select will read and advance the cursor.
func NeedsCursor(s models.Strategy) bool { return s == models.StrategyRotation }

// Validate rejects unknown strategies up front.
func Validate(s models.Strategy) error {
	if !s.Valid() {
		return models.NewConfigError("unknown assignee strategy %q", s)
	}
	return nil
}
