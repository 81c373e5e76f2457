package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/soaringjerry/homophily/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubStore struct {
	mu           sync.Mutex
	participants map[string]*models.Participant
	profiles     map[string]*models.Profile
	assignments  map[string]*models.Assignment
	counters     map[string]int64
	turns        []models.Turn
	ratings      map[string]*models.Rating
	prefs        map[string]*models.Preference
	seq          int64
	appendErr    error // returned by AppendTurn for agent turns
}

func newStubStore() *stubStore {
	return &stubStore{
		participants: map[string]*models.Participant{},
		profiles:     map[string]*models.Profile{},
		assignments:  map[string]*models.Assignment{},
		counters:     map[string]int64{},
		ratings:      map[string]*models.Rating{},
		prefs:        map[string]*models.Preference{},
	}
}

func ratingKey(pid string, phase int) string { return pid + "/" + itoa(phase) }

func (s *stubStore) AddParticipant(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; ok {
		return ErrParticipantExists
	}
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

func (s *stubStore) GetParticipant(_ context.Context, id string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *stubStore) AdvancePhase(_ context.Context, id string, from, to models.Phase, completedAt *time.Time) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	if p.Phase != from {
		return nil, ErrPhaseConflict
	}
	p.Phase = to
	if completedAt != nil {
		p.CompletedAt = completedAt
	}
	cp := *p
	return &cp, nil
}

func (s *stubStore) ListParticipants(_ context.Context) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out, nil
}

func (s *stubStore) SaveProfile(_ context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[p.ParticipantID]; ok {
		return ErrAssignmentExists
	}
	if _, ok := s.profiles[p.ParticipantID]; ok {
		return ErrProfileExists
	}
	cp := *p
	s.profiles[p.ParticipantID] = &cp
	return nil
}

func (s *stubStore) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *stubStore) SaveAssignment(_ context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[a.ParticipantID]; ok {
		return ErrAssignmentExists
	}
	p, ok := s.participants[a.ParticipantID]
	if !ok {
		return ErrUnknownParticipant
	}
	cp := *a
	s.assignments[a.ParticipantID] = &cp
	p.Group = a.Group
	p.IsOutlier = a.IsOutlier
	return nil
}

func (s *stubStore) GetAssignment(_ context.Context, id string) (*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assignments[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (s *stubStore) NextSequence(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.counters[name]
	s.counters[name] = v + 1
	return v, nil
}

func (s *stubStore) countLocked(pid string, phase int) TurnCounts {
	var c TurnCounts
	for _, t := range s.turns {
		if t.ParticipantID != pid || t.Phase != phase {
			continue
		}
		if t.Role == models.RoleAgent {
			c.Agent++
		} else {
			c.Participant++
		}
	}
	return c
}

func (s *stubStore) AppendTurn(_ context.Context, t *models.Turn) (TurnCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Role == models.RoleAgent && s.appendErr != nil {
		return TurnCounts{}, s.appendErr
	}
	if _, ok := s.assignments[t.ParticipantID]; !ok {
		return TurnCounts{}, ErrNoAssignment
	}
	if t.Role == models.RoleParticipant {
		if want, ok := models.ChatPhase(t.Phase); !ok || s.participants[t.ParticipantID] == nil || s.participants[t.ParticipantID].Phase != want {
			return TurnCounts{}, ErrPhaseConflict
		}
	}
	s.seq++
	t.Seq = s.seq
	s.turns = append(s.turns, *t)
	return s.countLocked(t.ParticipantID, t.Phase), nil
}

func (s *stubStore) ListTurns(_ context.Context, pid string, phase int) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Turn
	for _, t := range s.turns {
		if t.ParticipantID == pid && t.Phase == phase {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubStore) CountTurns(_ context.Context, pid string, phase int) (TurnCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(pid, phase), nil
}

func (s *stubStore) ListAllTurns(_ context.Context) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.turns...), nil
}

func (s *stubStore) AddRating(_ context.Context, r *models.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ratingKey(r.ParticipantID, r.Phase)
	if _, ok := s.ratings[k]; ok {
		return ErrRatingExists
	}
	cp := *r
	s.ratings[k] = &cp
	return nil
}

func (s *stubStore) GetRating(_ context.Context, pid string, phase int) (*models.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.ratings[ratingKey(pid, phase)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *stubStore) ListAllRatings(_ context.Context) ([]models.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Rating, 0, len(s.ratings))
	for _, r := range s.ratings {
		out = append(out, *r)
	}
	return out, nil
}

func (s *stubStore) AddPreference(_ context.Context, p *models.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prefs[p.ParticipantID]; ok {
		return ErrPreferenceExists
	}
	cp := *p
	s.prefs[p.ParticipantID] = &cp
	return nil
}

func (s *stubStore) GetPreference(_ context.Context, pid string) (*models.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prefs[pid]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *stubStore) ListPreferences(_ context.Context) ([]models.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Preference, 0, len(s.prefs))
	for _, p := range s.prefs {
		out = append(out, *p)
	}
	return out, nil
}

var errStubStorage = errors.New("disk on fire")

// setPhase forces a participant into a phase for tests that start mid-study.
func (s *stubStore) setPhase(id string, ph models.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[id].Phase = ph
}
