package services

import (
	"context"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/homophily/internal/config"
	"github.com/soaringjerry/homophily/internal/models"
)

func newTestAssigner(t *testing.T, store AssignmentStore) *Assigner {
	t.Helper()
	a, err := NewAssigner(config.DefaultStudy(), store, nil)
	if err != nil {
		t.Fatalf("NewAssigner: %v", err)
	}
	return a
}

func TestNewAssignerRejectsBadStudies(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Study)
	}{
		{"one persona", func(s *config.Study) { s.Personas = s.Personas[:1] }},
		{"three personas", func(s *config.Study) {
			s.Personas = append(s.Personas, config.Persona{ID: "third", Prompt: "x"})
		}},
		{"missing prompt", func(s *config.Study) { s.Personas[1].Prompt = " " }},
		{"same ids", func(s *config.Study) { s.Personas[1].ID = s.Personas[0].ID }},
		{"one topic", func(s *config.Study) { s.Topics = s.Topics[:1] }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st := config.DefaultStudy()
			c.mutate(&st)
			if _, err := NewAssigner(st, newStubStore(), nil); !IsCode(err, ErrorAssignment) {
				t.Fatalf("expected assignment error, got %v", err)
			}
		})
	}
}

func TestIsOutlier(t *testing.T) {
	a := newTestAssigner(t, newStubStore())
	cases := []struct {
		e, ag float64
		mode  string
		want  bool
	}{
		{3.0, 3.5, config.OutlierModeAll, true},
		{3.5, 3.5, config.OutlierModeAll, true},
		{3.0, 4.0, config.OutlierModeAll, false},
		{6.0, 6.0, config.OutlierModeAll, false},
		{3.0, 4.0, config.OutlierModeAny, true},
		{4.0, 4.0, config.OutlierModeAny, false},
	}
	for _, c := range cases {
		a.outlier.Mode = c.mode
		got := a.IsOutlier(models.TraitProfile{Extraversion: c.e, Agreeableness: c.ag})
		if got != c.want {
			t.Fatalf("IsOutlier(E=%v,A=%v,%s)=%v, want %v", c.e, c.ag, c.mode, got, c.want)
		}
	}
}

func TestPlanCounterbalancing(t *testing.T) {
	a := newTestAssigner(t, newStubStore())
	cases := []struct {
		group   string
		outlier bool
		chat1   string
		chat2   string
	}{
		{models.GroupA, false, "high_match", "low_match"},
		{models.GroupB, false, "low_match", "high_match"},
		{models.GroupA, true, "low_match", "high_match"},
		{models.GroupB, true, "high_match", "low_match"},
	}
	for _, c := range cases {
		got := a.Plan("p1", c.group, c.outlier, 42)
		if got.Chat1.PersonaID != c.chat1 || got.Chat2.PersonaID != c.chat2 {
			t.Fatalf("group %s outlier %v: got %s/%s", c.group, c.outlier, got.Chat1.PersonaID, got.Chat2.PersonaID)
		}
		if got.Chat1.PersonaID == got.Chat2.PersonaID {
			t.Fatalf("persona repeated: %+v", got)
		}
	}
}

func TestOutlierFlipKeepsTopics(t *testing.T) {
	a := newTestAssigner(t, newStubStore())
	for seed := int64(0); seed < 50; seed++ {
		normal := a.Plan("p", models.GroupA, false, seed)
		flipped := a.Plan("p", models.GroupA, true, seed)
		if normal.Chat1.Topic != flipped.Chat1.Topic || normal.Chat2.Topic != flipped.Chat2.Topic {
			t.Fatalf("seed %d: topics changed with outlier flag", seed)
		}
		if normal.Chat1.PersonaID != flipped.Chat2.PersonaID {
			t.Fatalf("seed %d: persona order not flipped", seed)
		}
		if normal.Chat1.Topic.ID == normal.Chat2.Topic.ID {
			t.Fatalf("seed %d: topic repeated", seed)
		}
	}
}

func TestDrawTopicsDeterministicAndVaried(t *testing.T) {
	st := config.DefaultStudy()
	st.Topics = append(st.Topics, models.Topic{ID: "t3", Title: "Third"}, models.Topic{ID: "t4", Title: "Fourth"})
	a, err := NewAssigner(st, newStubStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	firsts := map[string]bool{}
	for seed := int64(0); seed < 200; seed++ {
		x1, x2 := a.DrawTopics(seed)
		y1, y2 := a.DrawTopics(seed)
		if x1 != y1 || x2 != y2 {
			t.Fatalf("seed %d not deterministic", seed)
		}
		if x1.ID == x2.ID {
			t.Fatalf("seed %d drew %s twice", seed, x1.ID)
		}
		firsts[x1.ID] = true
	}
	if len(firsts) != 4 {
		t.Fatalf("first draw never reached some topics: %v", firsts)
	}
}

func TestAssignBalancesGroups(t *testing.T) {
	store := newStubStore()
	a := newTestAssigner(t, store)
	ctx := context.Background()
	const n = 101
	for i := 0; i < n; i++ {
		_ = store.AddParticipant(ctx, &models.Participant{ID: "p" + itoa(i)})
	}
	var g errgroup.Group
	for i := 0; i < n; i++ {
		id := "p" + itoa(i)
		seed := int64(i)
		g.Go(func() error {
			_, err := a.Assign(ctx, id, models.TraitProfile{Extraversion: 6, Agreeableness: 6}, seed)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	counts := map[string]int{}
	for _, as := range store.assignments {
		counts[as.Group]++
	}
	diff := counts[models.GroupA] - counts[models.GroupB]
	if diff < -1 || diff > 1 {
		t.Fatalf("groups unbalanced: %v", counts)
	}
}

func TestAssignOnce(t *testing.T) {
	store := newStubStore()
	a := newTestAssigner(t, store)
	ctx := context.Background()
	_ = store.AddParticipant(ctx, &models.Participant{ID: "p1"})

	first, err := a.Assign(ctx, "p1", models.TraitProfile{Extraversion: 2, Agreeableness: 2}, 7)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !first.IsOutlier || first.Group != models.GroupA {
		t.Fatalf("unexpected assignment %+v", first)
	}
	p, _ := store.GetParticipant(ctx, "p1")
	if p.Group != models.GroupA || !p.IsOutlier {
		t.Fatalf("participant not updated: %+v", p)
	}

	again, err := a.Assign(ctx, "p1", models.TraitProfile{Extraversion: 7, Agreeableness: 7}, 99)
	if !IsCode(err, ErrorConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if again == nil || again.Seed != first.Seed || again.Chat1 != first.Chat1 {
		t.Fatalf("stored assignment not preserved: %+v", again)
	}
}
