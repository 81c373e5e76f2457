package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/soaringjerry/homophily/internal/config"
	"github.com/soaringjerry/homophily/internal/logger"
	"github.com/soaringjerry/homophily/internal/metrics"
	"github.com/soaringjerry/homophily/internal/models"
)

// GroupAllocationCounter is the store counter that drives counterbalancing.
const GroupAllocationCounter = "group_allocation"

type AssignmentStore interface {
	NextSequence(ctx context.Context, name string) (int64, error)
	SaveAssignment(ctx context.Context, a *models.Assignment) error
	GetAssignment(ctx context.Context, participantID string) (*models.Assignment, error)
}

// Assigner maps a trait profile to the experimental conditions of both chat phases.
type Assigner struct {
	store    AssignmentStore
	personas [2]config.Persona
	topics   []models.Topic
	outlier  config.OutlierRule
	now      func() time.Time
	log      *logger.Logger
}

// NewAssigner checks that the study can produce assignments at all.
func NewAssigner(study config.Study, store AssignmentStore, log *logger.Logger) (*Assigner, error) {
	if len(study.Personas) != 2 {
		return nil, NewAssignmentError("exactly two personas required, got %d", len(study.Personas))
	}
	for _, p := range study.Personas {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Prompt) == "" {
			return nil, NewAssignmentError("persona %q needs an id and a prompt", p.ID)
		}
	}
	if study.Personas[0].ID == study.Personas[1].ID {
		return nil, NewAssignmentError("personas must have distinct ids")
	}
	if len(study.Topics) < 2 {
		return nil, NewAssignmentError("at least two topics required, got %d", len(study.Topics))
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Assigner{
		store:    store,
		personas: [2]config.Persona{study.Personas[0], study.Personas[1]},
		topics:   append([]models.Topic(nil), study.Topics...),
		outlier:  study.Outlier,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}, nil
}

// IsOutlier reports whether the homophily dimensions sit at or below the threshold.
func (a *Assigner) IsOutlier(t models.TraitProfile) bool {
	if len(a.outlier.Dimensions) == 0 {
		return false
	}
	anyMode := a.outlier.Mode == config.OutlierModeAny
	for _, name := range a.outlier.Dimensions {
		v, _ := t.Dimension(name)
		low := v <= a.outlier.Threshold
		if anyMode && low {
			return true
		}
		if !anyMode && !low {
			return false
		}
	}
	return !anyMode
}

// GroupFor returns the counterbalancing group of an allocation sequence number.
func GroupFor(seq int64) string {
	if seq%2 == 0 {
		return models.GroupA
	}
	return models.GroupB
}

// DrawTopics picks two distinct topics with a generator seeded by seed.
func (a *Assigner) DrawTopics(seed int64) (models.Topic, models.Topic) {
	r := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	n := len(a.topics)
	i := r.IntN(n)
	j := r.IntN(n - 1)
	if j >= i {
		j++
	}
	return a.topics[i], a.topics[j]
}

// Plan computes the assignment for a given group, outlier flag and seed without persisting it.
func (a *Assigner) Plan(participantID, group string, outlier bool, seed int64) models.Assignment {
	first, second := a.personas[0], a.personas[1]
	if group == models.GroupB {
		first, second = second, first
	}
	if outlier {
		first, second = second, first
	}
	t1, t2 := a.DrawTopics(seed)
	return models.Assignment{
		ParticipantID: participantID,
		Group:         group,
		IsOutlier:     outlier,
		Seed:          seed,
		Chat1:         models.ChatCondition{PersonaID: first.ID, Topic: t1},
		Chat2:         models.ChatCondition{PersonaID: second.ID, Topic: t2},
	}
}

// Assign allocates a group, computes the conditions and persists them exactly once.
func (a *Assigner) Assign(ctx context.Context, participantID string, traits models.TraitProfile, seed int64) (*models.Assignment, error) {
	if existing, err := a.store.GetAssignment(ctx, participantID); err != nil {
		return nil, WrapStorageError(err, "load assignment")
	} else if existing != nil {
		return existing, NewConflictError("participant already assigned")
	}
	seq, err := a.store.NextSequence(ctx, GroupAllocationCounter)
	if err != nil {
		return nil, WrapStorageError(err, "allocate group")
	}
	plan := a.Plan(participantID, GroupFor(seq), a.IsOutlier(traits), seed)
	plan.CreatedAt = a.now()
	if err := a.store.SaveAssignment(ctx, &plan); err != nil {
		if errors.Is(err, ErrAssignmentExists) {
			existing, gerr := a.store.GetAssignment(ctx, participantID)
			if gerr != nil {
				return nil, WrapStorageError(gerr, "load assignment")
			}
			return existing, NewConflictError("participant already assigned")
		}
		return nil, WrapStorageError(err, "save assignment")
	}
	metrics.RecordAssignment(plan.Group, plan.IsOutlier)
	a.log.Info("participant assigned",
		"participant_id", participantID,
		"group", plan.Group,
		"outlier", plan.IsOutlier,
		"chat1", plan.Chat1.PersonaID,
		"chat2", plan.Chat2.PersonaID,
	)
	return &plan, nil
}
