package services

import (
	"testing"

	"github.com/soaringjerry/homophily/internal/config"
)

func TestReverseScore(t *testing.T) {
	cases := []struct {
		raw, min, max, want int
	}{
		{1, 1, 7, 7},
		{2, 1, 7, 6},
		{4, 1, 7, 4},
		{7, 1, 7, 1},
		{0, 1, 7, 7},
		{9, 1, 7, 1},
		{2, 1, 5, 4},
		{0, 0, 4, 4},
	}
	for _, c := range cases {
		if got := ReverseScore(c.raw, c.min, c.max); got != c.want {
			t.Fatalf("ReverseScore(%d,%d,%d)=%d, want %d", c.raw, c.min, c.max, got, c.want)
		}
	}
}

func uniformAnswers(v int) map[string]int {
	m := map[string]int{}
	for i := 1; i <= 10; i++ {
		m[tipiID(i)] = v
	}
	return m
}

func tipiID(i int) string {
	return "tipi_" + itoa(i)
}

func TestScoreTIPI(t *testing.T) {
	scorer := NewTraitScorer(config.DefaultStudy())

	// all 4s: reversed 4 is still 4
	got, err := scorer.Score(uniformAnswers(4))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got.Extraversion != 4 || got.Openness != 4 || got.Neuroticism != 4 {
		t.Fatalf("unexpected profile %+v", got)
	}

	answers := map[string]int{
		"tipi_1": 7, "tipi_6": 1, // E = (7 + 7) / 2
		"tipi_2": 2, "tipi_7": 5, // A = (6 + 5) / 2
		"tipi_3": 3, "tipi_8": 3, // C = (3 + 5) / 2
		"tipi_4": 2, "tipi_9": 7, // N = (2 + 1) / 2
		"tipi_5": 6, "tipi_10": 2, // O = (6 + 6) / 2
	}
	got, err = scorer.Score(answers)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	want := struct{ e, a, c, n, o float64 }{7, 5.5, 4, 1.5, 6}
	if got.Extraversion != want.e || got.Agreeableness != want.a || got.Conscientiousness != want.c ||
		got.Neuroticism != want.n || got.Openness != want.o {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	again, _ := scorer.Score(answers)
	if again != got {
		t.Fatalf("score not deterministic: %+v vs %+v", again, got)
	}
}

func TestScoreRounding(t *testing.T) {
	st := config.DefaultStudy()
	st.Questionnaire.Dimensions[0].Items = []string{"tipi_1", "tipi_3", "tipi_5"}
	scorer := NewTraitScorer(st)
	a := uniformAnswers(1)
	a["tipi_1"] = 2 // (2 + 1 + 1) / 3 = 1.333...
	got, err := scorer.Score(a)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got.Extraversion != 1.33 {
		t.Fatalf("extraversion=%v, want 1.33", got.Extraversion)
	}
}

func TestScoreRejectsInvalidAnswers(t *testing.T) {
	scorer := NewTraitScorer(config.DefaultStudy())
	cases := []struct {
		name   string
		mutate func(map[string]int)
		item   string
	}{
		{"missing", func(m map[string]int) { delete(m, "tipi_7") }, "tipi_7"},
		{"too high", func(m map[string]int) { m["tipi_3"] = 8 }, "tipi_3"},
		{"too low", func(m map[string]int) { m["tipi_10"] = 0 }, "tipi_10"},
		{"unknown", func(m map[string]int) { m["tipi_11"] = 3 }, "tipi_11"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := uniformAnswers(4)
			c.mutate(a)
			_, err := scorer.Score(a)
			se, ok := AsServiceError(err)
			if !ok || se.Code != ErrorValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if se.Details["item"] != c.item {
				t.Fatalf("error names %v, want %s", se.Details["item"], c.item)
			}
		})
	}
	if _, err := scorer.Score(nil); !IsCode(err, ErrorValidation) {
		t.Fatalf("expected validation error for empty answers, got %v", err)
	}
}
