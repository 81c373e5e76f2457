package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/soaringjerry/homophily/internal/config"
	"github.com/soaringjerry/homophily/internal/logger"
	"github.com/soaringjerry/homophily/internal/models"
	"github.com/soaringjerry/homophily/internal/services"
)

// Files written by the CSV deployment.
const (
	legacyParticipantsFile = "participants.csv"
	legacyMessagesFile     = "messages.csv"
	legacyRatingsFile      = "ratings.csv"
)

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// legacyImporter turns CSV rows into participant records for an Importer.
type legacyImporter struct {
	study    config.Study
	scorer   *services.TraitScorer
	assigner *services.Assigner
	log      *logger.Logger
}

// ImportStats summarises one legacy import run.
type ImportStats struct {
	Imported int
	Skipped  int
}

// ImportLegacyCSV restores the records in dir into dst. A missing participants.csv means there is nothing to do.
// Participants already present in dst are skipped.
func ImportLegacyCSV(ctx context.Context, dir string, dst services.Importer, study config.Study, log *logger.Logger) (ImportStats, error) {
	var stats ImportStats
	if log == nil {
		log = logger.Nop()
	}
	people, err := readLegacyCSV(filepath.Join(dir, legacyParticipantsFile))
	if errors.Is(err, os.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	messages, err := readLegacyCSV(filepath.Join(dir, legacyMessagesFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return stats, err
	}
	ratings, err := readLegacyCSV(filepath.Join(dir, legacyRatingsFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return stats, err
	}

	assigner, err := services.NewAssigner(study, nil, log)
	if err != nil {
		return stats, fmt.Errorf("legacy import: %w", err)
	}
	imp := &legacyImporter{study: study, scorer: services.NewTraitScorer(study), assigner: assigner, log: log}

	turnsBy := map[string][]map[string]string{}
	for _, row := range messages {
		turnsBy[row["participant_id"]] = append(turnsBy[row["participant_id"]], row)
	}
	ratingsBy := map[string][]map[string]string{}
	for _, row := range ratings {
		ratingsBy[row["participant_id"]] = append(ratingsBy[row["participant_id"]], row)
	}

	log.Info("importing legacy csv data", "dir", dir, "participants", len(people))
	for _, row := range people {
		id := strings.TrimSpace(row["id"])
		if id == "" {
			continue
		}
		rec, err := imp.record(row, turnsBy[id], ratingsBy[id])
		if err != nil {
			return stats, fmt.Errorf("legacy participant %s: %w", id, err)
		}
		switch err := dst.RestoreParticipant(ctx, rec); {
		case errors.Is(err, services.ErrParticipantExists):
			stats.Skipped++
		case err != nil:
			return stats, fmt.Errorf("restore participant %s: %w", id, err)
		default:
			stats.Imported++
		}
	}
	log.Info("legacy csv import finished", "imported", stats.Imported, "skipped", stats.Skipped)
	return stats, nil
}

func readLegacyCSV(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	var rows []map[string]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows = append(rows, row)
	}
}

func parseLegacyTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func unescapeLegacy(v string) string { return strings.ReplaceAll(v, `\n`, "\n") }

func (imp *legacyImporter) record(row map[string]string, messages, ratings []map[string]string) (*services.ParticipantRecord, error) {
	id := strings.TrimSpace(row["id"])
	created, ok := parseLegacyTime(row["created_at"])
	if !ok {
		return nil, fmt.Errorf("invalid created_at %q", row["created_at"])
	}
	rec := &services.ParticipantRecord{Participant: models.Participant{ID: id, CreatedAt: created}}
	if done, ok := parseLegacyTime(row["completed_at"]); ok {
		rec.Participant.CompletedAt = &done
	}
	rec.Profile = imp.profile(id, row, created)

	for _, m := range messages {
		t, err := imp.turn(id, m, created)
		if err != nil {
			return nil, err
		}
		rec.Turns = append(rec.Turns, t)
	}
	sort.SliceStable(rec.Turns, func(i, j int) bool { return rec.Turns[i].CreatedAt.Before(rec.Turns[j].CreatedAt) })

	seen := map[int]bool{}
	for _, r := range ratings {
		rating, err := imp.rating(id, r, created)
		if err != nil {
			return nil, err
		}
		if seen[rating.Phase] {
			imp.log.Warn("dropping duplicate legacy rating", "participant_id", id, "phase", rating.Phase)
			continue
		}
		seen[rating.Phase] = true
		rec.Ratings = append(rec.Ratings, rating)
	}

	if group := strings.ToUpper(strings.TrimSpace(row["group"])); group == models.GroupA || group == models.GroupB {
		a := imp.assignment(id, group, strings.EqualFold(strings.TrimSpace(row["is_outlier"]), "true"), rec)
		a.CreatedAt = created
		rec.Assignment = &a
		rec.Participant.Group = a.Group
		rec.Participant.IsOutlier = a.IsOutlier
	}

	if preferred := strings.ToLower(strings.TrimSpace(row["preferred_bot"])); preferred != "" {
		at := created
		if rec.Participant.CompletedAt != nil {
			at = *rec.Participant.CompletedAt
		}
		rec.Preference = &models.Preference{
			ParticipantID: id,
			Preferred:     preferred,
			Reason:        unescapeLegacy(row["preference_reason"]),
			CreatedAt:     at,
		}
	}
	rec.Participant.Phase = inferLegacyPhase(rec)
	return rec, nil
}

func (imp *legacyImporter) profile(id string, row map[string]string, created time.Time) *models.Profile {
	answers := map[string]int{}
	for _, it := range imp.study.Questionnaire.Items {
		if v, err := strconv.Atoi(strings.TrimSpace(row[it.ID])); err == nil {
			answers[it.ID] = v
		}
	}
	if len(answers) == 0 {
		return nil
	}
	traits, err := imp.scorer.Score(answers)
	if err != nil {
		imp.log.Warn("keeping stored legacy trait scores", "participant_id", id, "error", err)
		traits = models.TraitProfile{
			Extraversion:      parseFloat(row["extraversion"]),
			Agreeableness:     parseFloat(row["agreeableness"]),
			Conscientiousness: parseFloat(row["conscientiousness"]),
			Neuroticism:       parseFloat(row["neuroticism"]),
			Openness:          parseFloat(row["openness"]),
		}
	}
	age, _ := strconv.Atoi(strings.TrimSpace(row["age"]))
	return &models.Profile{
		ParticipantID: id,
		Answers:       answers,
		Traits:        traits,
		Demographics: models.Demographics{
			Age:                age,
			Gender:             row["gender"],
			Education:          row["education"],
			Interests:          unescapeLegacy(row["interests"]),
			CommunicationStyle: unescapeLegacy(row["communication_style"]),
		},
		CreatedAt: created,
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func (imp *legacyImporter) turn(id string, row map[string]string, fallback time.Time) (models.Turn, error) {
	phase, err := strconv.Atoi(strings.TrimSpace(row["phase"]))
	if err != nil {
		return models.Turn{}, fmt.Errorf("message phase %q: %w", row["phase"], err)
	}
	role := models.RoleParticipant
	if strings.TrimSpace(row["role"]) == "assistant" {
		role = models.RoleAgent
	}
	at, ok := parseLegacyTime(row["created_at"])
	if !ok {
		at = fallback
	}
	return models.Turn{
		ParticipantID: id,
		Phase:         phase,
		Role:          role,
		PersonaID:     strings.TrimSpace(row["bot_type"]),
		TopicID:       strings.TrimSpace(row["topic"]),
		Model:         strings.TrimSpace(row["model"]),
		Content:       unescapeLegacy(row["content"]),
		CreatedAt:     at,
	}, nil
}

func (imp *legacyImporter) rating(id string, row map[string]string, fallback time.Time) (models.Rating, error) {
	phase, err := strconv.Atoi(strings.TrimSpace(row["phase"]))
	if err != nil {
		return models.Rating{}, fmt.Errorf("rating phase %q: %w", row["phase"], err)
	}
	items := map[string]int{}
	for _, q := range imp.study.Rating.Questions {
		if v, err := strconv.Atoi(strings.TrimSpace(row[q.ID])); err == nil {
			items[q.ID] = v
		}
	}
	at, ok := parseLegacyTime(row["created_at"])
	if !ok {
		at = fallback
	}
	return models.Rating{
		ParticipantID: id,
		Phase:         phase,
		PersonaID:     strings.TrimSpace(row["bot_type"]),
		TopicID:       strings.TrimSpace(row["topic"]),
		Items:         items,
		Aggregates:    services.ComputeAggregates(imp.study, items),
		OpenResponse:  unescapeLegacy(row["open_response"]),
		CreatedAt:     at,
	}, nil
}

// assignment rebuilds the conditions from the counterbalancing plan, then pins each phase to what was observed.
func (imp *legacyImporter) assignment(id, group string, outlier bool, rec *services.ParticipantRecord) models.Assignment {
	seed := int64(crc32.ChecksumIEEE([]byte(id)))
	a := imp.assigner.Plan(id, group, outlier, seed)
	observe := func(phase int, cond *models.ChatCondition) {
		persona, topic := "", ""
		for _, t := range rec.Turns {
			if t.Phase == phase && t.PersonaID != "" {
				persona, topic = t.PersonaID, t.TopicID
				break
			}
		}
		for _, r := range rec.Ratings {
			if r.Phase == phase && persona == "" {
				persona, topic = r.PersonaID, r.TopicID
			}
		}
		if persona != "" {
			if _, ok := imp.study.Persona(persona); ok {
				cond.PersonaID = persona
			} else {
				imp.log.Warn("unknown legacy persona", "participant_id", id, "persona", persona)
			}
		}
		if topic != "" {
			cond.Topic = imp.topic(topic)
		}
	}
	observe(1, &a.Chat1)
	observe(2, &a.Chat2)
	return a
}

func (imp *legacyImporter) topic(id string) models.Topic {
	for _, t := range imp.study.Topics {
		if t.ID == id {
			return t
		}
	}
	return models.Topic{ID: id, Title: id}
}

// inferLegacyPhase places the participant at the furthest step their records prove they reached.
func inferLegacyPhase(rec *services.ParticipantRecord) models.Phase {
	if rec.Participant.CompletedAt != nil {
		return models.PhaseComplete
	}
	rated := map[int]bool{}
	for _, r := range rec.Ratings {
		rated[r.Phase] = true
	}
	chatted := map[int]bool{}
	for _, t := range rec.Turns {
		chatted[t.Phase] = true
	}
	switch {
	case rec.Assignment == nil && rec.Profile != nil:
		return models.PhaseProfile
	case rec.Assignment == nil:
		return models.PhaseWelcome
	case rated[2]:
		return models.PhaseRating2
	case chatted[2]:
		return models.PhaseChat2
	case rated[1]:
		return models.PhaseRating1
	default:
		return models.PhaseChat1
	}
}
