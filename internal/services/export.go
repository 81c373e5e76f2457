package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/soaringjerry/homophily/internal/config"
	"github.com/soaringjerry/homophily/internal/models"
)

type ExportStore interface {
	ListParticipants(ctx context.Context) ([]models.Participant, error)
	GetProfile(ctx context.Context, participantID string) (*models.Profile, error)
	GetAssignment(ctx context.Context, participantID string) (*models.Assignment, error)
	ListAllTurns(ctx context.Context) ([]models.Turn, error)
	ListAllRatings(ctx context.Context) ([]models.Rating, error)
	ListPreferences(ctx context.Context) ([]models.Preference, error)
}

// Export file names.
const (
	ParticipantsCSV = "participants.csv"
	MessagesCSV     = "messages.csv"
	RatingsCSV      = "ratings.csv"
)

type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService renders the collected data as CSV files for researchers.
type ExportService struct {
	store ExportStore
	study config.Study
	now   func() time.Time
}

func NewExportService(store ExportStore, study config.Study) *ExportService {
	return &ExportService{store: store, study: study, now: func() time.Time { return time.Now().UTC() }}
}

// Export renders one named CSV file.
func (s *ExportService) Export(ctx context.Context, name string) (*ExportResult, error) {
	var (
		data []byte
		err  error
	)
	switch name {
	case ParticipantsCSV:
		data, err = s.ParticipantsCSV(ctx)
	case MessagesCSV:
		data, err = s.MessagesCSV(ctx)
	case RatingsCSV:
		data, err = s.RatingsCSV(ctx)
	default:
		return nil, NewNotFoundError("unknown export %q", name)
	}
	if err != nil {
		return nil, err
	}
	return &ExportResult{Filename: name, ContentType: "text/csv; charset=utf-8", Data: data}, nil
}

// Archive bundles all CSV files into one ZIP.
func (s *ExportService) Archive(ctx context.Context) (*ExportResult, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	stamp := s.now()
	for _, name := range []string{ParticipantsCSV, MessagesCSV, RatingsCSV} {
		res, err := s.Export(ctx, name)
		if err != nil {
			return nil, err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: stamp})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(res.Data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &ExportResult{
		Filename:    "study_data_" + stamp.Format("20060102_150405") + ".zip",
		ContentType: "application/zip",
		Data:        buf.Bytes(),
	}, nil
}

// ParticipantsCSV renders one row per participant with traits, demographics, conditions and preference.
func (s *ExportService) ParticipantsCSV(ctx context.Context) ([]byte, error) {
	parts, err := s.store.ListParticipants(ctx)
	if err != nil {
		return nil, WrapStorageError(err, "list participants")
	}
	prefs, err := s.store.ListPreferences(ctx)
	if err != nil {
		return nil, WrapStorageError(err, "list preferences")
	}
	prefBy := make(map[string]models.Preference, len(prefs))
	for _, p := range prefs {
		prefBy[p.ParticipantID] = p
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].CreatedAt.Before(parts[j].CreatedAt) })

	itemIDs := make([]string, 0, len(s.study.Questionnaire.Items))
	for _, it := range s.study.Questionnaire.Items {
		itemIDs = append(itemIDs, it.ID)
	}
	header := []string{
		"participant_id", "created_at", "completed_at", "phase", "group", "is_outlier",
		"extraversion", "agreeableness", "conscientiousness", "neuroticism", "openness",
		"age", "gender", "education", "interests", "communication_style",
		"chat1_persona", "chat1_topic", "chat2_persona", "chat2_topic",
		"preferred", "preference_reason",
	}
	header = append(header, itemIDs...)

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write(header)
	for _, p := range parts {
		prof, err := s.store.GetProfile(ctx, p.ID)
		if err != nil {
			return nil, WrapStorageError(err, "load profile")
		}
		a, err := s.store.GetAssignment(ctx, p.ID)
		if err != nil {
			return nil, WrapStorageError(err, "load assignment")
		}
		rec := []string{p.ID, formatTime(&p.CreatedAt), formatTime(p.CompletedAt), p.Phase.String(), p.Group, strconv.FormatBool(p.IsOutlier)}
		if prof != nil {
			t := prof.Traits
			d := prof.Demographics
			rec = append(rec, ftoa(t.Extraversion), ftoa(t.Agreeableness), ftoa(t.Conscientiousness), ftoa(t.Neuroticism), ftoa(t.Openness))
			age := ""
			if d.Age > 0 {
				age = itoa(d.Age)
			}
			rec = append(rec, age, d.Gender, d.Education, d.Interests, d.CommunicationStyle)
		} else {
			rec = append(rec, make([]string, 10)...)
		}
		if a != nil {
			rec = append(rec, a.Chat1.PersonaID, a.Chat1.Topic.ID, a.Chat2.PersonaID, a.Chat2.Topic.ID)
		} else {
			rec = append(rec, "", "", "", "")
		}
		pref := prefBy[p.ID]
		rec = append(rec, pref.Preferred, pref.Reason)
		for _, id := range itemIDs {
			cell := ""
			if prof != nil {
				if v, ok := prof.Answers[id]; ok {
					cell = itoa(v)
				}
			}
			rec = append(rec, cell)
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// MessagesCSV renders every transcript turn ordered by participant, phase and sequence.
func (s *ExportService) MessagesCSV(ctx context.Context) ([]byte, error) {
	turns, err := s.store.ListAllTurns(ctx)
	if err != nil {
		return nil, WrapStorageError(err, "list turns")
	}
	sort.SliceStable(turns, func(i, j int) bool {
		a, b := turns[i], turns[j]
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		return a.Seq < b.Seq
	})
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"participant_id", "phase", "seq", "role", "persona_id", "topic_id", "model", "content", "created_at"})
	for _, t := range turns {
		rec := []string{
			t.ParticipantID,
			itoa(t.Phase),
			strconv.FormatInt(t.Seq, 10),
			t.Role,
			t.PersonaID,
			t.TopicID,
			t.Model,
			t.Content,
			formatTime(&t.CreatedAt),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// RatingsCSV renders one row per rating with item and aggregate columns in study order.
func (s *ExportService) RatingsCSV(ctx context.Context) ([]byte, error) {
	ratings, err := s.store.ListAllRatings(ctx)
	if err != nil {
		return nil, WrapStorageError(err, "list ratings")
	}
	sort.SliceStable(ratings, func(i, j int) bool {
		if ratings[i].ParticipantID != ratings[j].ParticipantID {
			return ratings[i].ParticipantID < ratings[j].ParticipantID
		}
		return ratings[i].Phase < ratings[j].Phase
	})
	header := []string{"participant_id", "phase", "persona_id", "topic_id"}
	for _, q := range s.study.Rating.Questions {
		header = append(header, q.ID)
	}
	for _, ag := range s.study.Rating.Aggregates {
		header = append(header, ag.Name)
	}
	header = append(header, "open_response", "created_at")

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write(header)
	for _, r := range ratings {
		rec := []string{r.ParticipantID, itoa(r.Phase), r.PersonaID, r.TopicID}
		for _, q := range s.study.Rating.Questions {
			cell := ""
			if v, ok := r.Items[q.ID]; ok {
				cell = itoa(v)
			}
			rec = append(rec, cell)
		}
		for _, ag := range s.study.Rating.Aggregates {
			cell := ""
			if v, ok := r.Aggregates[ag.Name]; ok {
				cell = ftoa(v)
			}
			rec = append(rec, cell)
		}
		rec = append(rec, r.OpenResponse, formatTime(&r.CreatedAt))
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func itoa(i int) string { return strconv.Itoa(i) }

func ftoa(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
