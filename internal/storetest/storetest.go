// Package storetest holds the behaviour every services.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/homophily/internal/models"
	"github.com/soaringjerry/homophily/internal/services"
)

// Store is what the suite needs from an implementation.
type Store interface {
	services.Store
	services.Importer
}

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) Store

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Participants", func(t *testing.T) { testParticipants(t, newStore(t)) })
	t.Run("AdvancePhase", func(t *testing.T) { testAdvancePhase(t, newStore(t)) })
	t.Run("ProfileAndAssignment", func(t *testing.T) { testProfileAndAssignment(t, newStore(t)) })
	t.Run("Sequence", func(t *testing.T) { testSequence(t, newStore(t)) })
	t.Run("Turns", func(t *testing.T) { testTurns(t, newStore(t)) })
	t.Run("ConcurrentTurns", func(t *testing.T) { testConcurrentTurns(t, newStore(t)) })
	t.Run("Ratings", func(t *testing.T) { testRatings(t, newStore(t)) })
	t.Run("Preferences", func(t *testing.T) { testPreferences(t, newStore(t)) })
	t.Run("Restore", func(t *testing.T) { testRestore(t, newStore(t)) })
}

func addParticipant(t *testing.T, s Store, id string, phase models.Phase) {
	t.Helper()
	require.NoError(t, s.AddParticipant(context.Background(), &models.Participant{ID: id, CreatedAt: base, Phase: phase}))
}

func assignment(id string) *models.Assignment {
	return &models.Assignment{
		ParticipantID: id,
		Group:         models.GroupB,
		IsOutlier:     true,
		Seed:          42,
		Chat1:         models.ChatCondition{PersonaID: "similar", Topic: models.Topic{ID: "t1", Title: "Remote work"}},
		Chat2:         models.ChatCondition{PersonaID: "dissimilar", Topic: models.Topic{ID: "t2", Title: "City life", Short: "city"}},
		CreatedAt:     base,
	}
}

func testParticipants(t *testing.T, s Store) {
	ctx := context.Background()
	got, err := s.GetParticipant(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	addParticipant(t, s, "p2", models.PhaseWelcome)
	require.NoError(t, s.AddParticipant(ctx, &models.Participant{ID: "p1", CreatedAt: base.Add(-time.Minute)}))
	err = s.AddParticipant(ctx, &models.Participant{ID: "p1", CreatedAt: base})
	assert.ErrorIs(t, err, services.ErrParticipantExists)

	got, err = s.GetParticipant(ctx, "p2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.PhaseWelcome, got.Phase)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.CompletedAt)

	list, err := s.ListParticipants(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].ID)
}

func testAdvancePhase(t *testing.T, s Store) {
	ctx := context.Background()
	addParticipant(t, s, "p1", models.PhaseWelcome)

	p, err := s.AdvancePhase(ctx, "p1", models.PhaseWelcome, models.PhaseProfile, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseProfile, p.Phase)

	_, err = s.AdvancePhase(ctx, "p1", models.PhaseWelcome, models.PhaseProfile, nil)
	assert.ErrorIs(t, err, services.ErrPhaseConflict)

	_, err = s.AdvancePhase(ctx, "nobody", models.PhaseWelcome, models.PhaseProfile, nil)
	assert.ErrorIs(t, err, services.ErrUnknownParticipant)

	done := base.Add(time.Hour)
	p, err = s.AdvancePhase(ctx, "p1", models.PhaseProfile, models.PhaseChat1, &done)
	require.NoError(t, err)
	require.NotNil(t, p.CompletedAt)
	assert.True(t, p.CompletedAt.Equal(done))

	// Racing movers from the same phase: exactly one wins.
	var wins, conflicts int
	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := s.AdvancePhase(ctx, "p1", models.PhaseChat1, models.PhaseRating1, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, services.ErrPhaseConflict):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
}

func testProfileAndAssignment(t *testing.T, s Store) {
	ctx := context.Background()
	addParticipant(t, s, "p1", models.PhaseProfile)

	profile := &models.Profile{
		ParticipantID: "p1",
		Answers:       map[string]int{"tipi_1": 5, "tipi_2": 3},
		Traits:        models.TraitProfile{Extraversion: 4.5, Openness: 6},
		Demographics:  models.Demographics{Age: 31, Gender: "f"},
		CreatedAt:     base,
	}
	require.NoError(t, s.SaveProfile(ctx, profile))
	second := *profile
	second.Traits.Extraversion = 5
	assert.ErrorIs(t, s.SaveProfile(ctx, &second), services.ErrProfileExists)

	got, err := s.GetProfile(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4.5, got.Traits.Extraversion, "first profile is kept")
	assert.Equal(t, 3, got.Answers["tipi_2"])
	assert.Equal(t, 31, got.Demographics.Age)

	a, err := s.GetAssignment(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, a)

	require.NoError(t, s.SaveAssignment(ctx, assignment("p1")))
	assert.ErrorIs(t, s.SaveAssignment(ctx, assignment("p1")), services.ErrAssignmentExists)
	assert.ErrorIs(t, s.SaveProfile(ctx, profile), services.ErrAssignmentExists)

	a, err = s.GetAssignment(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "dissimilar", a.Chat2.PersonaID)
	assert.Equal(t, "city", a.Chat2.Topic.Short)
	assert.Equal(t, int64(42), a.Seed)

	p, err := s.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.GroupB, p.Group)
	assert.True(t, p.IsOutlier)
}

func testSequence(t *testing.T, s Store) {
	ctx := context.Background()
	for want := int64(0); want < 3; want++ {
		got, err := s.NextSequence(ctx, "group_allocation")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	other, err := s.NextSequence(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other)
}

func turn(pid string, phase int, role, content string) *models.Turn {
	return &models.Turn{ParticipantID: pid, Phase: phase, Role: role, PersonaID: "similar", TopicID: "t1", Content: content, CreatedAt: base}
}

func testTurns(t *testing.T, s Store) {
	ctx := context.Background()
	addParticipant(t, s, "p1", models.PhaseChat1)

	_, err := s.AppendTurn(ctx, turn("p1", 1, models.RoleParticipant, "hi"))
	assert.ErrorIs(t, err, services.ErrNoAssignment)

	require.NoError(t, s.SaveAssignment(ctx, assignment("p1")))
	first := turn("p1", 1, models.RoleParticipant, "hi")
	counts, err := s.AppendTurn(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, services.TurnCounts{Participant: 1}, counts)
	assert.NotZero(t, first.Seq)

	second := turn("p1", 1, models.RoleAgent, "hello")
	second.Model = "gpt-4o"
	counts, err = s.AppendTurn(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, services.TurnCounts{Participant: 1, Agent: 1}, counts)
	assert.Greater(t, second.Seq, first.Seq)

	_, err = s.AppendTurn(ctx, turn("p1", 2, models.RoleParticipant, "too early"))
	assert.ErrorIs(t, err, services.ErrPhaseConflict, "participant turns need the matching chat phase")
	_, err = s.AdvancePhase(ctx, "p1", models.PhaseChat1, models.PhaseRating1, nil)
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, turn("p1", 1, models.RoleParticipant, "after close"))
	assert.ErrorIs(t, err, services.ErrPhaseConflict)
	_, err = s.AdvancePhase(ctx, "p1", models.PhaseRating1, models.PhaseChat2, nil)
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, turn("p1", 2, models.RoleParticipant, "other phase"))
	require.NoError(t, err)

	list, err := s.ListTurns(ctx, "p1", 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "hi", list[0].Content)
	assert.Equal(t, "gpt-4o", list[1].Model)

	c, err := s.CountTurns(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, services.TurnCounts{Participant: 1}, c)

	empty, err := s.ListTurns(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Empty(t, empty)

	all, err := s.ListAllTurns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testConcurrentTurns(t *testing.T, s Store) {
	ctx := context.Background()
	addParticipant(t, s, "p1", models.PhaseChat1)
	require.NoError(t, s.SaveAssignment(ctx, assignment("p1")))

	const n = 20
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := s.AppendTurn(ctx, turn("p1", 1, models.RoleParticipant, fmt.Sprintf("m%d", i)))
			return err
		})
	}
	require.NoError(t, g.Wait())

	list, err := s.ListTurns(ctx, "p1", 1)
	require.NoError(t, err)
	require.Len(t, list, n)
	for i := 1; i < len(list); i++ {
		assert.Greater(t, list[i].Seq, list[i-1].Seq)
	}
}

func testRatings(t *testing.T, s Store) {
	ctx := context.Background()
	addParticipant(t, s, "p1", models.PhaseRating1)

	r := &models.Rating{
		ParticipantID: "p1",
		Phase:         1,
		PersonaID:     "similar",
		TopicID:       "t1",
		Items:         map[string]int{"engagement": 6, "trust": 4},
		Aggregates:    map[string]float64{"overall": 5},
		OpenResponse:  "nice",
		CreatedAt:     base,
	}
	require.NoError(t, s.AddRating(ctx, r))
	assert.ErrorIs(t, s.AddRating(ctx, r), services.ErrRatingExists)

	got, err := s.GetRating(ctx, "p1", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 6, got.Items["engagement"])
	assert.Equal(t, 5.0, got.Aggregates["overall"])
	assert.Equal(t, "nice", got.OpenResponse)

	missing, err := s.GetRating(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.ListAllRatings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testPreferences(t *testing.T, s Store) {
	ctx := context.Background()
	addParticipant(t, s, "p1", models.PhaseRating2)

	missing, err := s.GetPreference(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	p := &models.Preference{ParticipantID: "p1", Preferred: "first", Reason: "warmer", CreatedAt: base}
	require.NoError(t, s.AddPreference(ctx, p))
	assert.ErrorIs(t, s.AddPreference(ctx, p), services.ErrPreferenceExists)

	got, err := s.GetPreference(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "warmer", got.Reason)

	list, err := s.ListPreferences(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testRestore(t *testing.T, s Store) {
	ctx := context.Background()
	done := base.Add(time.Hour)
	p := &models.Participant{ID: "legacy1", CreatedAt: base, Phase: models.PhaseComplete, Group: models.GroupB, IsOutlier: true, CompletedAt: &done}
	turns := []models.Turn{
		*turn("legacy1", 1, models.RoleParticipant, "hi"),
		*turn("legacy1", 1, models.RoleAgent, "hello"),
	}
	ratings := []models.Rating{{ParticipantID: "legacy1", Phase: 1, PersonaID: "similar", TopicID: "t1",
		Items: map[string]int{"trust": 5}, Aggregates: map[string]float64{}, CreatedAt: base}}

	profile := &models.Profile{ParticipantID: "legacy1", Answers: map[string]int{"tipi_1": 6},
		Traits: models.TraitProfile{Extraversion: 5.5}, CreatedAt: base}
	pref := &models.Preference{ParticipantID: "legacy1", Preferred: "second", Reason: "calmer", CreatedAt: done}
	rec := &services.ParticipantRecord{
		Participant: *p,
		Profile:     profile,
		Assignment:  assignment("legacy1"),
		Turns:       turns,
		Ratings:     ratings,
		Preference:  pref,
	}
	require.NoError(t, s.RestoreParticipant(ctx, rec))
	assert.ErrorIs(t, s.RestoreParticipant(ctx, &services.ParticipantRecord{Participant: *p}), services.ErrParticipantExists)

	got, err := s.GetParticipant(ctx, "legacy1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.PhaseComplete, got.Phase)
	require.NotNil(t, got.CompletedAt)

	c, err := s.CountTurns(ctx, "legacy1", 1)
	require.NoError(t, err)
	assert.Equal(t, services.TurnCounts{Participant: 1, Agent: 1}, c)

	r, err := s.GetRating(ctx, "legacy1", 1)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 5, r.Items["trust"])

	gotProfile, err := s.GetProfile(ctx, "legacy1")
	require.NoError(t, err)
	require.NotNil(t, gotProfile)
	assert.Equal(t, 6, gotProfile.Answers["tipi_1"])
	assert.InDelta(t, 5.5, gotProfile.Traits.Extraversion, 1e-9)

	gotPref, err := s.GetPreference(ctx, "legacy1")
	require.NoError(t, err)
	require.NotNil(t, gotPref)
	assert.Equal(t, "second", gotPref.Preferred)

	// Restoring without an assignment still records the participant.
	require.NoError(t, s.RestoreParticipant(ctx, &services.ParticipantRecord{
		Participant: models.Participant{ID: "legacy2", CreatedAt: base},
	}))
	a, err := s.GetAssignment(ctx, "legacy2")
	require.NoError(t, err)
	assert.Nil(t, a)

	// Only restored assignments advance the allocation counter.
	require.NoError(t, s.RestoreParticipant(ctx, &services.ParticipantRecord{
		Participant: models.Participant{ID: "legacy3", CreatedAt: base, Phase: models.PhaseChat1},
		Assignment:  assignment("legacy3"),
	}))
	next, err := s.NextSequence(ctx, services.GroupAllocationCounter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}
