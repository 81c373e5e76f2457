package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soaringjerry/homophily/internal/models"
	"github.com/soaringjerry/homophily/internal/services"
)

// MemoryStore keeps the whole study in process memory. Used when no SQLite path is configured and in tests.
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*models.Participant
	profiles     map[string]*models.Profile
	assignments  map[string]*models.Assignment
	counters     map[string]int64
	turns        map[turnKey][]models.Turn
	ratings      map[turnKey]*models.Rating
	prefs        map[string]*models.Preference
	seq          int64
}

type turnKey struct {
	participant string
	phase       int
}

var (
	_ services.Store    = (*MemoryStore)(nil)
	_ services.Importer = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: map[string]*models.Participant{},
		profiles:     map[string]*models.Profile{},
		assignments:  map[string]*models.Assignment{},
		counters:     map[string]int64{},
		turns:        map[turnKey][]models.Turn{},
		ratings:      map[turnKey]*models.Rating{},
		prefs:        map[string]*models.Preference{},
	}
}

func (s *MemoryStore) AddParticipant(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; ok {
		return services.ErrParticipantExists
	}
	cp := *p
	s.participants[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) AdvancePhase(_ context.Context, id string, from, to models.Phase, completedAt *time.Time) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, services.ErrUnknownParticipant
	}
	if p.Phase != from {
		return nil, services.ErrPhaseConflict
	}
	p.Phase = to
	if completedAt != nil {
		t := *completedAt
		p.CompletedAt = &t
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SaveProfile(_ context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ParticipantID]; !ok {
		return services.ErrUnknownParticipant
	}
	if _, ok := s.assignments[p.ParticipantID]; ok {
		return services.ErrAssignmentExists
	}
	if _, ok := s.profiles[p.ParticipantID]; ok {
		return services.ErrProfileExists
	}
	cp := *p
	cp.Answers = make(map[string]int, len(p.Answers))
	for k, v := range p.Answers {
		cp.Answers[k] = v
	}
	s.profiles[p.ParticipantID] = &cp
	return nil
}

func (s *MemoryStore) GetProfile(_ context.Context, participantID string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[participantID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) SaveAssignment(_ context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAssignmentLocked(a)
}

func (s *MemoryStore) saveAssignmentLocked(a *models.Assignment) error {
	p, ok := s.participants[a.ParticipantID]
	if !ok {
		return services.ErrUnknownParticipant
	}
	if _, ok := s.assignments[a.ParticipantID]; ok {
		return services.ErrAssignmentExists
	}
	cp := *a
	s.assignments[a.ParticipantID] = &cp
	p.Group = a.Group
	p.IsOutlier = a.IsOutlier
	return nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, participantID string) (*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[participantID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) NextSequence(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.counters[name]
	s.counters[name] = v + 1
	return v, nil
}

func (s *MemoryStore) countLocked(k turnKey) services.TurnCounts {
	var c services.TurnCounts
	for _, t := range s.turns[k] {
		if t.Role == models.RoleAgent {
			c.Agent++
		} else {
			c.Participant++
		}
	}
	return c
}

func (s *MemoryStore) AppendTurn(_ context.Context, t *models.Turn) (services.TurnCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[t.ParticipantID]
	if !ok {
		return services.TurnCounts{}, services.ErrUnknownParticipant
	}
	if _, ok := s.assignments[t.ParticipantID]; !ok {
		return services.TurnCounts{}, services.ErrNoAssignment
	}
	if t.Role == models.RoleParticipant {
		if want, ok := models.ChatPhase(t.Phase); !ok || p.Phase != want {
			return services.TurnCounts{}, services.ErrPhaseConflict
		}
	}
	s.appendLocked(t)
	return s.countLocked(turnKey{t.ParticipantID, t.Phase}), nil
}

func (s *MemoryStore) appendLocked(t *models.Turn) {
	s.seq++
	t.Seq = s.seq
	k := turnKey{t.ParticipantID, t.Phase}
	s.turns[k] = append(s.turns[k], *t)
}

func (s *MemoryStore) ListTurns(_ context.Context, participantID string, phase int) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Turn{}, s.turns[turnKey{participantID, phase}]...), nil
}

func (s *MemoryStore) CountTurns(_ context.Context, participantID string, phase int) (services.TurnCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(turnKey{participantID, phase}), nil
}

func (s *MemoryStore) ListAllTurns(_ context.Context) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Turn{}
	for _, ts := range s.turns {
		out = append(out, ts...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		return a.Seq < b.Seq
	})
	return out, nil
}

func (s *MemoryStore) AddRating(_ context.Context, r *models.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRatingLocked(r)
}

func (s *MemoryStore) addRatingLocked(r *models.Rating) error {
	if _, ok := s.participants[r.ParticipantID]; !ok {
		return services.ErrUnknownParticipant
	}
	k := turnKey{r.ParticipantID, r.Phase}
	if _, ok := s.ratings[k]; ok {
		return services.ErrRatingExists
	}
	cp := *r
	s.ratings[k] = &cp
	return nil
}

func (s *MemoryStore) GetRating(_ context.Context, participantID string, phase int) (*models.Rating, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ratings[turnKey{participantID, phase}]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListAllRatings(_ context.Context) ([]models.Rating, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Rating, 0, len(s.ratings))
	for _, r := range s.ratings {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParticipantID != out[j].ParticipantID {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].Phase < out[j].Phase
	})
	return out, nil
}

func (s *MemoryStore) AddPreference(_ context.Context, p *models.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ParticipantID]; !ok {
		return services.ErrUnknownParticipant
	}
	if _, ok := s.prefs[p.ParticipantID]; ok {
		return services.ErrPreferenceExists
	}
	cp := *p
	s.prefs[p.ParticipantID] = &cp
	return nil
}

func (s *MemoryStore) GetPreference(_ context.Context, participantID string) (*models.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[participantID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPreferences(_ context.Context) ([]models.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Preference, 0, len(s.prefs))
	for _, p := range s.prefs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

// RestoreParticipant loads an imported participant. Nothing is written unless every record fits.
func (s *MemoryStore) RestoreParticipant(_ context.Context, rec *services.ParticipantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.Participant.ID
	if _, ok := s.participants[id]; ok {
		return services.ErrParticipantExists
	}
	seen := map[int]bool{}
	for _, r := range rec.Ratings {
		if seen[r.Phase] {
			return services.ErrRatingExists
		}
		seen[r.Phase] = true
	}
	p := rec.Participant
	s.participants[id] = &p
	if rec.Profile != nil {
		cp := *rec.Profile
		s.profiles[id] = &cp
	}
	if rec.Assignment != nil {
		if err := s.saveAssignmentLocked(rec.Assignment); err != nil {
			delete(s.participants, id)
			delete(s.profiles, id)
			return err
		}
		s.counters[services.GroupAllocationCounter]++
	}
	for i := range rec.Turns {
		s.appendLocked(&rec.Turns[i])
	}
	for i := range rec.Ratings {
		_ = s.addRatingLocked(&rec.Ratings[i])
	}
	if rec.Preference != nil {
		cp := *rec.Preference
		s.prefs[id] = &cp
	}
	return nil
}
