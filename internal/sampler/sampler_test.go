package sampler

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func pool(section string, n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{ID: uuid.New(), Section: section, Marks: 1, Kind: model.QuestionKindSingleChoice}
	}
	return qs
}

func sortedIDs(qs []model.Question) []string {
	ids := IDs(qs)
	sort.Strings(ids)
	return ids
}

func TestSampleRespectsBlueprint(t *testing.T) {
	a := pool("A", 5)
	b := pool("B", 1)
	all := append(append([]model.Question{}, a...), b...)

	tests := []struct {
		name      string
		blueprint []model.SectionBlueprint
		want      map[string]int
	}{
		{
			name:      "pick 2 of 5 and 1 of 1",
			blueprint: []model.SectionBlueprint{{Section: "A", PickCount: 2}, {Section: "B", PickCount: 1}},
			want:      map[string]int{"A": 2, "B": 1},
		},
		{
			name:      "pick count larger than pool takes whole pool",
			blueprint: []model.SectionBlueprint{{Section: "A", PickCount: 9}},
			want:      map[string]int{"A": 5},
		},
		{
			name:      "unknown section contributes nothing",
			blueprint: []model.SectionBlueprint{{Section: "C", PickCount: 3}, {Section: "B", PickCount: 1}},
			want:      map[string]int{"B": 1},
		},
		{
			name:      "zero pick count",
			blueprint: []model.SectionBlueprint{{Section: "A", PickCount: 0}},
			want:      map[string]int{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for seed := int64(0); seed < 20; seed++ {
				got := Sample(all, tt.blueprint, rand.New(rand.NewSource(seed)))

				counts := map[string]int{}
				seen := map[uuid.UUID]bool{}
				for _, q := range got {
					if seen[q.ID] {
						t.Fatalf("seed %d: duplicate question %s", seed, q.ID)
					}
					seen[q.ID] = true
					counts[q.Section]++
				}
				for _, q := range got {
					found := false
					for _, p := range all {
						if p.ID == q.ID {
							found = true
							break
						}
					}
					if !found {
						t.Fatalf("seed %d: question %s not in pool", seed, q.ID)
					}
				}
				if len(counts) != len(tt.want) {
					t.Fatalf("seed %d: got sections %v, want %v", seed, counts, tt.want)
				}
				for s, n := range tt.want {
					if counts[s] != n {
						t.Errorf("seed %d: section %s got %d, want %d", seed, s, counts[s], n)
					}
				}
			}
		})
	}
}

func TestSampleRepeatedSectionNeverDuplicates(t *testing.T) {
	a := pool("A", 3)
	general := pool("", 3)
	all := append(append([]model.Question{}, a...), general...)

	tests := []struct {
		name      string
		blueprint []model.SectionBlueprint
		wantLen   int
	}{
		{"same section twice", []model.SectionBlueprint{{Section: "A", PickCount: 2}, {Section: "A", PickCount: 2}}, 3},
		{"same section split exactly", []model.SectionBlueprint{{Section: "A", PickCount: 1}, {Section: "A", PickCount: 2}}, 3},
		{"empty and default name", []model.SectionBlueprint{{Section: "", PickCount: 2}, {Section: model.DefaultSection, PickCount: 2}}, 3},
		{"interleaved", []model.SectionBlueprint{{Section: "A", PickCount: 1}, {Section: "", PickCount: 1}, {Section: "A", PickCount: 5}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for seed := int64(0); seed < 50; seed++ {
				got := Sample(all, tt.blueprint, rand.New(rand.NewSource(seed)))
				if len(got) != tt.wantLen {
					t.Fatalf("seed %d: got %d questions, want %d", seed, len(got), tt.wantLen)
				}
				seen := map[uuid.UUID]bool{}
				for _, q := range got {
					if seen[q.ID] {
						t.Fatalf("seed %d: question %s sampled twice", seed, q.ID)
					}
					seen[q.ID] = true
				}
			}
		})
	}
}

func TestSampleKeepsBlueprintOrder(t *testing.T) {
	all := append(pool("A", 4), pool("B", 4)...)
	got := Sample(all, []model.SectionBlueprint{{Section: "B", PickCount: 2}, {Section: "A", PickCount: 2}}, rand.New(rand.NewSource(7)))

	want := []string{"B", "B", "A", "A"}
	for i, q := range got {
		if q.Section != want[i] {
			t.Fatalf("position %d: got section %s, want %s", i, q.Section, want[i])
		}
	}
}

func TestSampleWithoutBlueprintIsPermutation(t *testing.T) {
	all := append(pool("A", 6), pool("", 3)...)
	got := Sample(all, nil, rand.New(rand.NewSource(42)))

	if len(got) != len(all) {
		t.Fatalf("got %d questions, want %d", len(got), len(all))
	}
	gotIDs, wantIDs := sortedIDs(got), sortedIDs(all)
	for i := range gotIDs {
		if gotIDs[i] != wantIDs[i] {
			t.Fatalf("output is not a permutation of the pool")
		}
	}
}

func TestDefaultSectionBlueprint(t *testing.T) {
	all := pool("", 3)
	got := Sample(all, []model.SectionBlueprint{{Section: model.DefaultSection, PickCount: 2}}, rand.New(rand.NewSource(1)))
	if len(got) != 2 {
		t.Fatalf("got %d questions, want 2", len(got))
	}
}

func TestShuffleDoesNotMutateInput(t *testing.T) {
	all := pool("A", 10)
	before := IDs(all)
	Shuffle(all, rand.New(rand.NewSource(3)))
	for i, id := range IDs(all) {
		if id != before[i] {
			t.Fatalf("input reordered at %d", i)
		}
	}
}

func TestBuildEmpty(t *testing.T) {
	exam := &model.Exam{Questions: pool("A", 2), Blueprint: []model.SectionBlueprint{{Section: "Z", PickCount: 2}}}
	if _, err := Build(exam, nil); err != ErrEmptySample {
		t.Fatalf("got %v, want ErrEmptySample", err)
	}
}

func TestReorder(t *testing.T) {
	all := pool("A", 3)
	order := []string{all[2].ID.String(), all[0].ID.String()}

	got, ok := Reorder(all, order)
	if !ok || len(got) != 2 || got[0].ID != all[2].ID || got[1].ID != all[0].ID {
		t.Fatalf("unexpected reorder result: ok=%v ids=%v", ok, IDs(got))
	}

	_, ok = Reorder(all, []string{uuid.NewString()})
	if ok {
		t.Fatal("expected ok=false for unknown id")
	}
}
