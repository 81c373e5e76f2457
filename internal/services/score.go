package services

import (
	"math"
	"sort"

	"github.com/soaringjerry/homophily/internal/config"
	"github.com/soaringjerry/homophily/internal/models"
)

// ReverseScore maps a raw Likert value to its reverse-scored value on [min, max].
// Out-of-range values are clamped.
func ReverseScore(raw, min, max int) int {
	if max <= min {
		return raw
	}
	if raw < min {
		raw = min
	}
	if raw > max {
		raw = max
	}
	return (max + min) - raw
}

// Round rounds half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// TraitScorer turns questionnaire answers into a TraitProfile.
type TraitScorer struct {
	scale      config.LikertScale
	decimals   int
	items      map[string]config.QuestionItem
	dimensions []config.Dimension
}

func NewTraitScorer(study config.Study) *TraitScorer {
	items := make(map[string]config.QuestionItem, len(study.Questionnaire.Items))
	for _, it := range study.Questionnaire.Items {
		items[it.ID] = it
	}
	return &TraitScorer{
		scale:      study.Scale,
		decimals:   study.Decimals,
		items:      items,
		dimensions: study.Questionnaire.Dimensions,
	}
}

// Score validates answers against the questionnaire and computes each dimension's mean.
func (s *TraitScorer) Score(answers map[string]int) (models.TraitProfile, error) {
	var out models.TraitProfile
	if len(answers) == 0 {
		return out, NewValidationError("questionnaire answers required")
	}
	unknown := make([]string, 0)
	for id := range answers {
		if _, ok := s.items[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return out, NewValidationError("unknown item %q", unknown[0]).WithDetail("item", unknown[0])
	}
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v, ok := answers[id]
		if !ok {
			return out, NewValidationError("missing answer for %q", id).WithDetail("item", id)
		}
		if !s.scale.Contains(v) {
			return out, NewValidationError("answer for %q must be within %d..%d", id, s.scale.Min, s.scale.Max).WithDetail("item", id)
		}
	}

	for _, dim := range s.dimensions {
		sum := 0
		for _, id := range dim.Items {
			v := answers[id]
			if s.items[id].Reverse {
				v = ReverseScore(v, s.scale.Min, s.scale.Max)
			}
			sum += v
		}
		mean := Round(float64(sum)/float64(len(dim.Items)), s.decimals)
		switch dim.Name {
		case "extraversion":
			out.Extraversion = mean
		case "agreeableness":
			out.Agreeableness = mean
		case "conscientiousness":
			out.Conscientiousness = mean
		case "neuroticism":
			out.Neuroticism = mean
		case "openness":
			out.Openness = mean
		}
	}
	return out, nil
}
