package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/soaringjerry/homophily/internal/config"
	"github.com/soaringjerry/homophily/internal/logger"
	"github.com/soaringjerry/homophily/internal/metrics"
	"github.com/soaringjerry/homophily/internal/models"
)

// Preference choices.
const (
	PreferFirst  = "first"
	PreferSecond = "second"
)

const maxPreferenceReason = 2000

// SessionService drives a participant through the study phases.
type SessionService struct {
	store    Store
	study    config.Study
	scorer   *TraitScorer
	assigner *Assigner
	log      *logger.Logger
	now      func() time.Time
	newID    func() string
	newSeed  func() int64
}

// SessionStatus is the participant's progress as shown to the client.
type SessionStatus struct {
	Participant      models.Participant `json:"participant"`
	PhaseName        string             `json:"phase_name"`
	Assignment       *models.Assignment `json:"assignment,omitempty"`
	Chat             int                `json:"chat,omitempty"`
	MessageCount     int                `json:"message_count"`
	MessagesRequired int                `json:"messages_required"`
	Ratings          []int              `json:"ratings"`
	HasPreference    bool               `json:"has_preference"`
}

// ProfileResult is returned after questionnaire submission.
type ProfileResult struct {
	Traits     models.TraitProfile `json:"big_five"`
	Assignment *models.Assignment  `json:"assignment"`
}

// NewParticipantID returns 12 hex characters from a random UUID.
func NewParticipantID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func NewSessionService(store Store, study config.Study, log *logger.Logger) (*SessionService, error) {
	if log == nil {
		log = logger.Nop()
	}
	assigner, err := NewAssigner(study, store, log)
	if err != nil {
		return nil, err
	}
	return &SessionService{
		store:    store,
		study:    study,
		scorer:   NewTraitScorer(study),
		assigner: assigner,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    NewParticipantID,
		newSeed:  rand.Int64,
	}, nil
}

// Study returns the loaded study definition.
func (s *SessionService) Study() config.Study { return s.study }

// Start creates a participant in the welcome phase.
func (s *SessionService) Start(ctx context.Context) (*models.Participant, error) {
	p := &models.Participant{ID: s.newID(), CreatedAt: s.now(), Phase: models.PhaseWelcome}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		return nil, WrapStorageError(err, "create participant")
	}
	s.log.Info("participant started", "participant_id", p.ID)
	return p, nil
}

func (s *SessionService) participant(ctx context.Context, id string) (*models.Participant, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewValidationError("participant_id required")
	}
	p, err := s.store.GetParticipant(ctx, id)
	if err != nil {
		return nil, WrapStorageError(err, "load participant")
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	return p, nil
}

// Status reports the participant's phase, assignment and progress in the current chat.
func (s *SessionService) Status(ctx context.Context, id string) (*SessionStatus, error) {
	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &SessionStatus{
		Participant:      *p,
		PhaseName:        p.Phase.String(),
		MessagesRequired: s.study.MessagesRequired,
		Ratings:          []int{},
	}
	if st.Assignment, err = s.store.GetAssignment(ctx, id); err != nil {
		return nil, WrapStorageError(err, "load assignment")
	}
	switch p.Phase {
	case models.PhaseChat1:
		st.Chat = 1
	case models.PhaseChat2:
		st.Chat = 2
	}
	if st.Chat > 0 {
		counts, err := s.store.CountTurns(ctx, id, st.Chat)
		if err != nil {
			return nil, WrapStorageError(err, "count turns")
		}
		st.MessageCount = counts.Participant
	}
	for _, n := range []int{1, 2} {
		r, err := s.store.GetRating(ctx, id, n)
		if err != nil {
			return nil, WrapStorageError(err, "load rating")
		}
		if r != nil {
			st.Ratings = append(st.Ratings, n)
		}
	}
	pref, err := s.store.GetPreference(ctx, id)
	if err != nil {
		return nil, WrapStorageError(err, "load preference")
	}
	st.HasPreference = pref != nil
	return st, nil
}

// SubmitProfile scores the questionnaire and assigns conditions. The participant must be in the profile phase.
func (s *SessionService) SubmitProfile(ctx context.Context, id string, answers map[string]int, demo models.Demographics) (*ProfileResult, error) {
	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Phase != models.PhaseProfile {
		return nil, NewPhaseMismatchError("profile can only be submitted in the profile phase").
			WithDetail("current", p.Phase.String())
	}
	traits, err := s.scorer.Score(answers)
	if err != nil {
		return nil, err
	}
	if demo.Age < 0 || demo.Age > 130 {
		return nil, NewValidationError("age out of range").WithDetail("item", "age")
	}
	existing, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, WrapStorageError(err, "load assignment")
	}
	if existing != nil {
		return nil, NewConflictError("profile already submitted")
	}
	prof := &models.Profile{
		ParticipantID: id,
		Answers:       answers,
		Traits:        traits,
		Demographics:  demo,
		CreatedAt:     s.now(),
	}
	saved := true
	switch err := s.store.SaveProfile(ctx, prof); {
	case errors.Is(err, ErrAssignmentExists):
		return nil, NewConflictError("profile already submitted")
	case errors.Is(err, ErrProfileExists):
		// A concurrent or interrupted submission stored its profile first.
		// The assignment must follow the stored traits, not this request's.
		stored, gerr := s.store.GetProfile(ctx, id)
		if gerr != nil {
			return nil, WrapStorageError(gerr, "load profile")
		}
		if stored == nil {
			return nil, WrapStorageError(ErrProfileExists, "load profile")
		}
		traits = stored.Traits
		saved = false
	case err != nil:
		return nil, WrapStorageError(err, "save profile")
	}
	a, err := s.assigner.Assign(ctx, id, traits, s.newSeed())
	if err != nil {
		if saved && a != nil && IsCode(err, ErrorConflict) {
			// Another request assigned from the profile this call stored.
			return &ProfileResult{Traits: traits, Assignment: a}, nil
		}
		return nil, err
	}
	return &ProfileResult{Traits: traits, Assignment: a}, nil
}

// Advance moves the participant to the requested phase if it is the next one and its gate is satisfied.
func (s *SessionService) Advance(ctx context.Context, id string, requested models.Phase) (*models.Participant, error) {
	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkTransition(ctx, p, requested); err != nil {
		if se, ok := AsServiceError(err); ok {
			metrics.RecordTransition(requested.String(), string(se.Code))
		}
		return nil, err
	}
	var completedAt *time.Time
	if requested == models.PhaseComplete {
		t := s.now()
		completedAt = &t
	}
	updated, err := s.store.AdvancePhase(ctx, id, p.Phase, requested, completedAt)
	if err != nil {
		if errors.Is(err, ErrPhaseConflict) {
			metrics.RecordTransition(requested.String(), string(ErrorPrecondition))
			return nil, NewPreconditionError("phase changed concurrently")
		}
		return nil, WrapStorageError(err, "advance phase")
	}
	metrics.RecordTransition(requested.String(), "accepted")
	s.log.Info("phase advanced", "participant_id", id, "from", p.Phase.String(), "to", requested.String())
	return updated, nil
}

func (s *SessionService) checkTransition(ctx context.Context, p *models.Participant, requested models.Phase) error {
	if !requested.Valid() {
		return NewValidationError("unknown phase %d", int(requested))
	}
	if requested != p.Phase+1 {
		return NewPreconditionError("cannot move from %s to %s", p.Phase, requested).
			WithDetail("current", p.Phase.String()).
			WithDetail("requested", requested.String())
	}
	switch p.Phase {
	case models.PhaseWelcome:
		return nil
	case models.PhaseProfile:
		prof, err := s.store.GetProfile(ctx, p.ID)
		if err != nil {
			return WrapStorageError(err, "load profile")
		}
		a, err := s.store.GetAssignment(ctx, p.ID)
		if err != nil {
			return WrapStorageError(err, "load assignment")
		}
		if prof == nil || a == nil {
			return NewPreconditionError("profile must be submitted before chatting")
		}
	case models.PhaseChat1, models.PhaseChat2:
		n := 1
		if p.Phase == models.PhaseChat2 {
			n = 2
		}
		counts, err := s.store.CountTurns(ctx, p.ID, n)
		if err != nil {
			return WrapStorageError(err, "count turns")
		}
		if remaining := s.study.MessagesRequired - counts.Participant; remaining > 0 {
			return NewIncompleteChatError(remaining)
		}
	case models.PhaseRating1, models.PhaseRating2:
		n := 1
		if p.Phase == models.PhaseRating2 {
			n = 2
		}
		r, err := s.store.GetRating(ctx, p.ID, n)
		if err != nil {
			return WrapStorageError(err, "load rating")
		}
		if r == nil {
			return NewPreconditionError("chat %d must be rated first", n)
		}
	}
	return nil
}

// Complete finishes the study after the second rating.
func (s *SessionService) Complete(ctx context.Context, id string) (*models.Participant, error) {
	return s.Advance(ctx, id, models.PhaseComplete)
}

// SubmitRating records the rating of one chat. A second submission for the same chat keeps the original.
func (s *SessionService) SubmitRating(ctx context.Context, id string, phase int, items map[string]int, openResponse string) (*models.Rating, error) {
	ratingPhase, ok := models.RatingPhase(phase)
	if !ok {
		return nil, NewValidationError("phase must be 1 or 2")
	}
	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing, err := s.store.GetRating(ctx, id, phase); err != nil {
		return nil, WrapStorageError(err, "load rating")
	} else if existing != nil {
		return existing, NewDuplicateRatingError(phase)
	}
	if p.Phase != ratingPhase {
		return nil, NewPhaseMismatchError("chat %d can only be rated in the %s phase", phase, ratingPhase).
			WithDetail("current", p.Phase.String())
	}
	if err := s.validateRatingItems(items); err != nil {
		return nil, err
	}
	openResponse = strings.TrimSpace(openResponse)
	if limit := s.study.Rating.MaxOpenResponse; limit > 0 && utf8.RuneCountInString(openResponse) > limit {
		return nil, NewValidationError("open response exceeds %d characters", limit).WithDetail("item", "open_response")
	}
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, WrapStorageError(err, "load assignment")
	}
	if a == nil {
		return nil, NewPreconditionError("participant has no assignment")
	}
	cond, _ := a.Condition(phase)
	r := &models.Rating{
		ParticipantID: id,
		Phase:         phase,
		PersonaID:     cond.PersonaID,
		TopicID:       cond.Topic.ID,
		Items:         items,
		Aggregates:    ComputeAggregates(s.study, items),
		OpenResponse:  openResponse,
		CreatedAt:     s.now(),
	}
	if err := s.store.AddRating(ctx, r); err != nil {
		if errors.Is(err, ErrRatingExists) {
			existing, gerr := s.store.GetRating(ctx, id, phase)
			if gerr != nil {
				return nil, WrapStorageError(gerr, "load rating")
			}
			return existing, NewDuplicateRatingError(phase)
		}
		return nil, WrapStorageError(err, "save rating")
	}
	s.log.Info("rating recorded", "participant_id", id, "phase", phase, "persona_id", r.PersonaID)
	return r, nil
}

func (s *SessionService) validateRatingItems(items map[string]int) error {
	known := make(map[string]bool, len(s.study.Rating.Questions))
	for _, q := range s.study.Rating.Questions {
		known[q.ID] = true
		v, ok := items[q.ID]
		if !ok {
			return NewValidationError("missing rating for %q", q.ID).WithDetail("item", q.ID)
		}
		if !s.study.Scale.Contains(v) {
			return NewValidationError("rating for %q must be within %d..%d", q.ID, s.study.Scale.Min, s.study.Scale.Max).
				WithDetail("item", q.ID)
		}
	}
	for id := range items {
		if !known[id] {
			return NewValidationError("unknown rating item %q", id).WithDetail("item", id)
		}
	}
	return nil
}

// ComputeAggregates averages the rating items of every configured aggregate.
func ComputeAggregates(study config.Study, items map[string]int) map[string]float64 {
	out := make(map[string]float64, len(study.Rating.Aggregates))
	for _, ag := range study.Rating.Aggregates {
		if len(ag.Items) == 0 {
			continue
		}
		sum := 0
		for _, id := range ag.Items {
			sum += items[id]
		}
		out[ag.Name] = Round(float64(sum)/float64(len(ag.Items)), study.Decimals)
	}
	return out
}

// SubmitPreference records which agent the participant preferred. Allowed once both chats are rated.
func (s *SessionService) SubmitPreference(ctx context.Context, id, preferred, reason string) (*models.Preference, error) {
	preferred = strings.ToLower(strings.TrimSpace(preferred))
	if preferred != PreferFirst && preferred != PreferSecond {
		return nil, NewValidationError("preferred must be %q or %q", PreferFirst, PreferSecond)
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxPreferenceReason {
		return nil, NewValidationError("reason exceeds %d characters", maxPreferenceReason)
	}
	p, err := s.participant(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Phase != models.PhaseRating2 && p.Phase != models.PhaseComplete {
		return nil, NewPhaseMismatchError("preference is collected after the second chat").
			WithDetail("current", p.Phase.String())
	}
	pref := &models.Preference{ParticipantID: id, Preferred: preferred, Reason: reason, CreatedAt: s.now()}
	if err := s.store.AddPreference(ctx, pref); err != nil {
		if errors.Is(err, ErrPreferenceExists) {
			return nil, NewConflictError("preference already submitted")
		}
		return nil, WrapStorageError(err, "save preference")
	}
	return pref, nil
}
