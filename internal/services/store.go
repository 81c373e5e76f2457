package services

import (
	"context"
	"errors"
	"time"

	"github.com/soaringjerry/homophily/internal/models"
)

// Store errors. Lookups of missing records return (nil, nil) rather than an error.
var (
	ErrParticipantExists  = errors.New("participant already exists")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrPhaseConflict      = errors.New("participant phase changed concurrently")
	ErrProfileExists      = errors.New("profile already exists")
	ErrAssignmentExists   = errors.New("assignment already exists")
	ErrNoAssignment       = errors.New("participant has no assignment")
	ErrRatingExists       = errors.New("rating already exists")
	ErrPreferenceExists   = errors.New("preference already exists")
)

// TurnCounts are the per-role turn counts of one chat phase.
type TurnCounts struct {
	Participant int `json:"participant"`
	Agent       int `json:"agent"`
}

// Store persists the study data. Implementations serialise writes per participant id.
type Store interface {
	AddParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	// AdvancePhase moves the participant from one phase to the next if it is still in from.
	// It returns ErrPhaseConflict when the stored phase differs.
	AdvancePhase(ctx context.Context, id string, from, to models.Phase, completedAt *time.Time) (*models.Participant, error)
	ListParticipants(ctx context.Context) ([]models.Participant, error)

	// SaveProfile writes the profile once. It returns ErrAssignmentExists after assignment
	// and ErrProfileExists when a profile is already stored.
	SaveProfile(ctx context.Context, p *models.Profile) error
	GetProfile(ctx context.Context, participantID string) (*models.Profile, error)

	// SaveAssignment writes the assignment once and copies group and outlier flag onto the participant.
	SaveAssignment(ctx context.Context, a *models.Assignment) error
	GetAssignment(ctx context.Context, participantID string) (*models.Assignment, error)
	// NextSequence returns the current value of the named counter and increments it.
	NextSequence(ctx context.Context, name string) (int64, error)

	// AppendTurn assigns Seq and returns the phase counts including the new turn.
	// A participant turn is only accepted while the participant is in that chat phase,
	// otherwise ErrPhaseConflict is returned.
	AppendTurn(ctx context.Context, t *models.Turn) (TurnCounts, error)
	ListTurns(ctx context.Context, participantID string, phase int) ([]models.Turn, error)
	CountTurns(ctx context.Context, participantID string, phase int) (TurnCounts, error)
	ListAllTurns(ctx context.Context) ([]models.Turn, error)

	AddRating(ctx context.Context, r *models.Rating) error
	GetRating(ctx context.Context, participantID string, phase int) (*models.Rating, error)
	ListAllRatings(ctx context.Context) ([]models.Rating, error)

	AddPreference(ctx context.Context, p *models.Preference) error
	GetPreference(ctx context.Context, participantID string) (*models.Preference, error)
	ListPreferences(ctx context.Context) ([]models.Preference, error)
}

// ParticipantRecord is everything restored for one participant written by an earlier deployment.
type ParticipantRecord struct {
	Participant models.Participant
	Profile     *models.Profile
	Assignment  *models.Assignment
	Turns       []models.Turn
	Ratings     []models.Rating
	Preference  *models.Preference
}

// Importer restores participant records. A record is written completely or not at all;
// an existing participant id yields ErrParticipantExists. Restoring an assignment advances
// the group allocation counter.
type Importer interface {
	RestoreParticipant(ctx context.Context, rec *ParticipantRecord) error
}
