package assign

import (
	"errors"
	"testing"

	"taskdist/internal/models"
)

func cands(ids ...string) []models.Candidate {
	out := make([]models.Candidate, len(ids))
	for i, id := range ids {
		out[i] = models.Candidate{UserID: id}
	}
	return out
}

func TestRotationVisitsCandidatesInOrder(t *testing.T) {
	t.Parallel()
	pool := cands("c", "a", "b")
	cur := models.CursorState{PairKey: "tpl/r1"}
	var got []string
	for i := 0; i < 5; i++ {
		res, err := Select(Input{Strategy: models.StrategyRotation, Candidates: pool, Cursor: cur})
		if err != nil {
			t.Fatalf("Select error: %v", err)
		}
		if len(res.Selected) != 1 || res.Cursor == nil {
			t.Fatalf("unexpected result: %+v", res)
		}
		got = append(got, res.Selected[0].UserID)
		cur = *res.Cursor
		cur.Version++
	}
	want := []string{"a", "b", "c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestRotationIsDeterministic(t *testing.T) {
	t.Parallel()
	in := Input{Strategy: models.StrategyRotation, Candidates: cands("a", "b", "c"), Cursor: models.CursorState{Position: 7, Version: 3}}
	a, _ := Select(in)
	b, _ := Select(in)
	if a.Selected[0] != b.Selected[0] || *a.Cursor != *b.Cursor {
		t.Fatalf("results differ: %+v vs %+v", a, b)
	}
	if a.Selected[0].UserID != "b" || a.Cursor.Position != 2 || a.Cursor.Version != 3 {
		t.Fatalf("unexpected rotation from position 7: %+v", a)
	}
}

func TestBalancedPicksFewestPending(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		pending map[string]int
		want    string
	}{
		{name: "fewest wins", pending: map[string]int{"a": 3, "b": 1, "c": 2}, want: "b"},
		{name: "tie broken by id", pending: map[string]int{"a": 2, "b": 1, "c": 1}, want: "b"},
		{name: "missing counts as zero", pending: map[string]int{"a": 1, "b": 1}, want: "c"},
		{name: "all equal", pending: nil, want: "a"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := Select(Input{Strategy: models.StrategyBalanced, Candidates: cands("c", "b", "a"), Pending: tt.pending})
			if err != nil {
				t.Fatalf("Select error: %v", err)
			}
			if len(res.Selected) != 1 || res.Selected[0].UserID != tt.want {
				t.Fatalf("selected = %+v, want %s", res.Selected, tt.want)
			}
			if res.Cursor != nil {
				t.Fatal("BALANCED must not produce a cursor")
			}
		})
	}
}

func TestPoolAndOwnerSelectAll(t *testing.T) {
	t.Parallel()
	for _, s := range []models.Strategy{models.StrategyPointOwner, models.StrategyUserPool} {
		res, err := Select(Input{Strategy: s, Candidates: cands("b", "a")})
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if len(res.Selected) != 2 || res.Selected[0].UserID != "a" {
			t.Fatalf("%s selected = %+v", s, res.Selected)
		}
	}
}

func TestEmptyAndUnknown(t *testing.T) {
	t.Parallel()
	if _, err := Select(Input{Strategy: models.StrategyRotation}); !errors.Is(err, models.ErrEmptyScope) {
		t.Fatalf("empty candidates = %v, want ErrEmptyScope", err)
	}
	if _, err := Select(Input{Strategy: "RANDOM", Candidates: cands("a")}); !models.IsConfigError(err) {
		t.Fatalf("unknown strategy = %v, want configuration error", err)
	}
	if err := Validate("RANDOM"); !models.IsConfigError(err) {
		t.Fatalf("Validate = %v, want configuration error", err)
	}
}

func TestUserIDsDedup(t *testing.T) {
	t.Parallel()
	in := []models.Candidate{{UserID: "a", CollectionPointID: "p1"}, {UserID: "a", CollectionPointID: "p2"}, {UserID: "b"}}
	got := UserIDs(in)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("UserIDs = %v", got)
	}
}
