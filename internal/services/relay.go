package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/soaringjerry/homophily/internal/config"
	"github.com/soaringjerry/homophily/internal/logger"
	"github.com/soaringjerry/homophily/internal/metrics"
	"github.com/soaringjerry/homophily/internal/models"
)

const maxMessageLength = 4000

// CompletionProvider streams a completion, calling onDelta for every fragment, and returns the full text.
// Returning an error from onDelta aborts the stream.
type CompletionProvider interface {
	StreamCompletion(ctx context.Context, req models.CompletionRequest, onDelta func(string) error) (string, error)
}

type RelayStore interface {
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	GetAssignment(ctx context.Context, participantID string) (*models.Assignment, error)
	AppendTurn(ctx context.Context, t *models.Turn) (TurnCounts, error)
	ListTurns(ctx context.Context, participantID string, phase int) ([]models.Turn, error)
}

// Relay event types.
const (
	EventContent = "content"
	EventDone    = "done"
	EventError   = "error"
)

// RelayEvent is one item of a relay stream. A stream ends with at most one done or error event.
type RelayEvent struct {
	Type             string
	Content          string
	// MessageCount is the number of participant messages in the phase, the same count Status reports.
	MessageCount     int
	MessagesRequired int
	PhaseComplete    bool
	Code             ErrorCode
	Message          string
}

// RelayOptions are the generation parameters passed to the provider.
type RelayOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// RelayService forwards participant messages to the completion provider and records both sides.
type RelayService struct {
	store    RelayStore
	provider CompletionProvider
	study    config.Study
	opts     RelayOptions
	log      *logger.Logger
	now      func() time.Time
}

func NewRelayService(store RelayStore, provider CompletionProvider, study config.Study, opts RelayOptions, log *logger.Logger) *RelayService {
	if log == nil {
		log = logger.Nop()
	}
	return &RelayService{
		store:    store,
		provider: provider,
		study:    study,
		opts:     opts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Relay records the participant message and starts streaming the agent reply.
// The returned channel is always closed. When ctx is cancelled the stream stops
// without a terminal event and no agent turn is written.
func (s *RelayService) Relay(ctx context.Context, participantID string, phase int, message string) (<-chan RelayEvent, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, NewValidationError("message required")
	}
	if utf8.RuneCountInString(message) > maxMessageLength {
		return nil, NewValidationError("message exceeds %d characters", maxMessageLength)
	}
	chatPhase, ok := models.ChatPhase(phase)
	if !ok {
		return nil, NewValidationError("phase must be 1 or 2")
	}
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, WrapStorageError(err, "load participant")
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	if p.Phase != chatPhase {
		return nil, NewPhaseMismatchError("chat %d is not open in the %s phase", phase, p.Phase).
			WithDetail("current", p.Phase.String())
	}
	a, err := s.store.GetAssignment(ctx, participantID)
	if err != nil {
		return nil, WrapStorageError(err, "load assignment")
	}
	if a == nil {
		return nil, NewPreconditionError("participant has no assignment")
	}
	cond, _ := a.Condition(phase)
	persona, ok := s.study.Persona(cond.PersonaID)
	if !ok {
		return nil, NewAssignmentError("persona %q is not configured", cond.PersonaID)
	}

	turn := &models.Turn{
		ParticipantID: participantID,
		Phase:         phase,
		Role:          models.RoleParticipant,
		PersonaID:     cond.PersonaID,
		TopicID:       cond.Topic.ID,
		Content:       message,
		CreatedAt:     s.now(),
	}
	if _, err := s.store.AppendTurn(ctx, turn); err != nil {
		if errors.Is(err, ErrPhaseConflict) {
			return nil, NewPhaseMismatchError("chat %d closed while the message was sent", phase)
		}
		return nil, WrapStorageError(err, "save message")
	}
	transcript, err := s.store.ListTurns(ctx, participantID, phase)
	if err != nil {
		return nil, WrapStorageError(err, "load transcript")
	}

	req := models.CompletionRequest{
		Model:       s.opts.Model,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
		Messages:    buildMessages(persona.Instructions(cond.Topic.Title), transcript),
	}
	out := make(chan RelayEvent)
	go s.stream(ctx, out, req, cond, participantID, phase)
	return out, nil
}

func buildMessages(system string, transcript []models.Turn) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(transcript)+1)
	msgs = append(msgs, models.ChatMessage{Role: models.ChatRoleSystem, Content: system})
	for _, t := range transcript {
		role := models.ChatRoleUser
		if t.Role == models.RoleAgent {
			role = models.ChatRoleAssistant
		}
		msgs = append(msgs, models.ChatMessage{Role: role, Content: t.Content})
	}
	return msgs
}

func (s *RelayService) stream(ctx context.Context, out chan<- RelayEvent, req models.CompletionRequest, cond models.ChatCondition, participantID string, phase int) {
	defer close(out)
	defer metrics.RelayStarted()()
	log := s.log.With("participant_id", participantID, "phase", phase)

	send := func(ev RelayEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	started := time.Now()
	full, err := s.provider.StreamCompletion(ctx, req, func(delta string) error {
		if delta == "" {
			return nil
		}
		if !send(RelayEvent{Type: EventContent, Content: delta}) {
			return ctx.Err()
		}
		metrics.RecordFragment()
		return nil
	})
	if ctx.Err() != nil {
		metrics.ObserveProvider(req.Model, "canceled", time.Since(started))
		metrics.RecordRelay("canceled")
		log.Info("relay canceled")
		return
	}
	if err != nil {
		metrics.ObserveProvider(req.Model, "error", time.Since(started))
		metrics.RecordRelay("error")
		log.Warn("completion failed", "error", err)
		send(RelayEvent{Type: EventError, Code: ErrorProvider, Message: "the assistant is unavailable, please try again"})
		return
	}
	metrics.ObserveProvider(req.Model, "ok", time.Since(started))
	if strings.TrimSpace(full) == "" {
		metrics.RecordRelay("error")
		log.Warn("completion returned empty response")
		send(RelayEvent{Type: EventError, Code: ErrorProvider, Message: "the assistant returned an empty response"})
		return
	}

	counts, err := s.store.AppendTurn(ctx, &models.Turn{
		ParticipantID: participantID,
		Phase:         phase,
		Role:          models.RoleAgent,
		PersonaID:     cond.PersonaID,
		TopicID:       cond.Topic.ID,
		Model:         req.Model,
		Content:       full,
		CreatedAt:     s.now(),
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			metrics.RecordRelay("canceled")
			return
		}
		metrics.RecordRelay("error")
		log.Error("persist agent turn failed", "error", err)
		send(RelayEvent{Type: EventError, Code: ErrorStorage, Message: "could not save the response"})
		return
	}
	metrics.RecordRelay("done")
	send(RelayEvent{
		Type:             EventDone,
		MessageCount:     counts.Participant,
		MessagesRequired: s.study.MessagesRequired,
		PhaseComplete:    counts.Participant >= s.study.MessagesRequired,
	})
}

// CompleteResult is the outcome of a non-streaming relay.
type CompleteResult struct {
	Response         string `json:"response"`
	MessageCount     int    `json:"message_count"`
	MessagesRequired int    `json:"messages_required"`
	PhaseComplete    bool   `json:"phase_complete"`
}

// Complete runs a relay to the end and returns the whole reply.
func (s *RelayService) Complete(ctx context.Context, participantID string, phase int, message string) (*CompleteResult, error) {
	events, err := s.Relay(ctx, participantID, phase, message)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	var res *CompleteResult
	var failure error
	for ev := range events {
		switch ev.Type {
		case EventContent:
			b.WriteString(ev.Content)
		case EventDone:
			res = &CompleteResult{
				MessageCount:     ev.MessageCount,
				MessagesRequired: ev.MessagesRequired,
				PhaseComplete:    ev.PhaseComplete,
			}
		case EventError:
			failure = &ServiceError{Code: ev.Code, Message: ev.Message}
		}
	}
	if failure != nil {
		return nil, failure
	}
	if res == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, WrapProviderError(errors.New("stream ended without result"), "completion interrupted")
	}
	res.Response = b.String()
	return res, nil
}
