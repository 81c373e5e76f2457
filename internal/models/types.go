package models

import (
	"strconv"
	"time"
)

// Phase is one ordered step of the study protocol. Phases only move forward.
type Phase int

const (
	PhaseWelcome Phase = iota
	PhaseProfile
	PhaseChat1
	PhaseRating1
	PhaseChat2
	PhaseRating2
	PhaseComplete
)

var phaseNames = [...]string{"welcome", "profile", "chat1", "rating1", "chat2", "rating2", "complete"}

func (p Phase) String() string {
	if p < PhaseWelcome || p > PhaseComplete {
		return "unknown"
	}
	return phaseNames[p]
}

// Valid reports whether p is one of the declared phases.
func (p Phase) Valid() bool { return p >= PhaseWelcome && p <= PhaseComplete }

// ChatPhase returns the chat phase for conversation number n (1 or 2).
func ChatPhase(n int) (Phase, bool) {
	switch n {
	case 1:
		return PhaseChat1, true
	case 2:
		return PhaseChat2, true
	}
	return 0, false
}

// RatingPhase returns the rating phase for conversation number n (1 or 2).
func RatingPhase(n int) (Phase, bool) {
	switch n {
	case 1:
		return PhaseRating1, true
	case 2:
		return PhaseRating2, true
	}
	return 0, false
}

// ParsePhase accepts either the phase name or its ordinal.
func ParsePhase(s string) (Phase, bool) {
	for i, n := range phaseNames {
		if n == s {
			return Phase(i), true
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Phase(n).Valid() {
		return Phase(n), true
	}
	return 0, false
}

// Counterbalancing groups.
const (
	GroupA = "A"
	GroupB = "B"
)

// Participant is a study participant. PII is limited to what the profile form asks for.
type Participant struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	Phase       Phase      `json:"phase"`
	Group       string     `json:"group,omitempty"`
	IsOutlier   bool       `json:"is_outlier"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TraitProfile holds Big Five scores on the questionnaire's Likert range.
type TraitProfile struct {
	Extraversion      float64 `json:"extraversion"`
	Agreeableness     float64 `json:"agreeableness"`
	Conscientiousness float64 `json:"conscientiousness"`
	Neuroticism       float64 `json:"neuroticism"`
	Openness          float64 `json:"openness"`
}

// Dimension returns the score for a dimension name.
func (t TraitProfile) Dimension(name string) (float64, bool) {
	switch name {
	case "extraversion":
		return t.Extraversion, true
	case "agreeableness":
		return t.Agreeableness, true
	case "conscientiousness":
		return t.Conscientiousness, true
	case "neuroticism":
		return t.Neuroticism, true
	case "openness":
		return t.Openness, true
	}
	return 0, false
}

// Demographics are optional fields collected with the questionnaire.
type Demographics struct {
	Age                int    `json:"age,omitempty"`
	Gender             string `json:"gender,omitempty"`
	Education          string `json:"education,omitempty"`
	Interests          string `json:"interests,omitempty"`
	CommunicationStyle string `json:"communication_style,omitempty"`
}

// Profile is the submitted questionnaire with its derived traits.
type Profile struct {
	ParticipantID string         `json:"participant_id"`
	Answers       map[string]int `json:"answers"`
	Traits        TraitProfile   `json:"traits"`
	Demographics  Demographics   `json:"demographics"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Topic is a discussion topic shown to the participant.
type Topic struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Short string `json:"short,omitempty" yaml:"short"`
}

// ChatCondition is the persona/topic pair for one chat phase.
type ChatCondition struct {
	PersonaID string `json:"persona_id"`
	Topic     Topic  `json:"topic"`
}

// Assignment is the single source of truth for both chat phases of a participant.
type Assignment struct {
	ParticipantID string        `json:"participant_id"`
	Group         string        `json:"group"`
	IsOutlier     bool          `json:"is_outlier"`
	Seed          int64         `json:"seed"`
	Chat1         ChatCondition `json:"chat1"`
	Chat2         ChatCondition `json:"chat2"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Condition returns the condition for conversation number n (1 or 2).
func (a Assignment) Condition(n int) (ChatCondition, bool) {
	switch n {
	case 1:
		return a.Chat1, true
	case 2:
		return a.Chat2, true
	}
	return ChatCondition{}, false
}

// Turn roles.
const (
	RoleParticipant = "participant"
	RoleAgent       = "agent"
)

// Turn is one message of a chat transcript. Turns are never edited or deleted.
type Turn struct {
	Seq           int64     `json:"seq"`
	ParticipantID string    `json:"participant_id"`
	Phase         int       `json:"phase"`
	Role          string    `json:"role"`
	PersonaID     string    `json:"persona_id,omitempty"`
	TopicID       string    `json:"topic_id,omitempty"`
	Model         string    `json:"model,omitempty"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// Rating is the post-chat questionnaire for one chat phase.
type Rating struct {
	ParticipantID string             `json:"participant_id"`
	Phase         int                `json:"phase"`
	PersonaID     string             `json:"persona_id"`
	TopicID       string             `json:"topic_id"`
	Items         map[string]int     `json:"items"`
	Aggregates    map[string]float64 `json:"aggregates"`
	OpenResponse  string             `json:"open_response,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Preference records which agent the participant preferred overall.
type Preference struct {
	ParticipantID string    `json:"participant_id"`
	Preferred     string    `json:"preferred"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
