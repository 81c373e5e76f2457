package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/homophily/internal/models"
	"github.com/soaringjerry/homophily/internal/services"
	"github.com/soaringjerry/homophily/internal/utils"
)

// SQLiteStore persists the study in a single SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	locks utils.KeyedMutex
}

var (
	_ services.Store    = (*SQLiteStore)(nil)
	_ services.Importer = (*SQLiteStore)(nil)
)

// Open opens path with WAL journaling, foreign keys, a busy timeout and immediate write transactions.
func Open(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping reports whether the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

func isUnique(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const participantColumns = `id, created_at, phase, grp, is_outlier, completed_at`

func scanParticipant(row rowScanner) (*models.Participant, error) {
	var (
		p         models.Participant
		created   string
		phase     int
		outlier   int64
		completed sql.NullString
	)
	if err := row.Scan(&p.ID, &created, &phase, &p.Group, &outlier, &completed); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	p.Phase = models.Phase(phase)
	p.IsOutlier = outlier != 0
	if completed.Valid {
		t := parseTime(completed.String)
		p.CompletedAt = &t
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, p *models.Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (`+participantColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, formatTime(p.CreatedAt), int(p.Phase), p.Group, boolToInt64(p.IsOutlier), nullTime(p.CompletedAt))
	if isUnique(err) {
		return services.ErrParticipantExists
	}
	return err
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) AdvancePhase(ctx context.Context, id string, from, to models.Phase, completedAt *time.Time) (*models.Participant, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	var out *models.Participant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE participants SET phase = ?, completed_at = COALESCE(?, completed_at) WHERE id = ? AND phase = ?`,
			int(to), nullTime(completedAt), id, int(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM participants WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return services.ErrUnknownParticipant
			}
			return services.ErrPhaseConflict
		}
		out, err = scanParticipant(tx.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id))
		return err
	})
	return out, err
}

func (s *SQLiteStore) ListParticipants(ctx context.Context) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, p *models.Profile) error {
	unlock := s.locks.Lock(p.ParticipantID)
	defer unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var assigned int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM assignments WHERE participant_id = ?`, p.ParticipantID).Scan(&assigned); err != nil {
			return err
		}
		if assigned > 0 {
			return services.ErrAssignmentExists
		}
		return insertProfile(ctx, tx, p)
	})
}

func insertProfile(ctx context.Context, tx *sql.Tx, p *models.Profile) error {
	answers, err := json.Marshal(p.Answers)
	if err != nil {
		return err
	}
	demo, err := json.Marshal(p.Demographics)
	if err != nil {
		return err
	}
	t := p.Traits
	_, err = tx.ExecContext(ctx, `INSERT INTO profiles
		(participant_id, answers, extraversion, agreeableness, conscientiousness, neuroticism, openness, demographics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ParticipantID, string(answers), t.Extraversion, t.Agreeableness, t.Conscientiousness, t.Neuroticism, t.Openness,
		string(demo), formatTime(p.CreatedAt))
	switch {
	case isUnique(err):
		return services.ErrProfileExists
	case isConstraint(err):
		return services.ErrUnknownParticipant
	}
	return err
}

func (s *SQLiteStore) GetProfile(ctx context.Context, participantID string) (*models.Profile, error) {
	var (
		p       models.Profile
		answers string
		demo    string
		created string
	)
	err := s.db.QueryRowContext(ctx, `SELECT participant_id, answers, extraversion, agreeableness, conscientiousness,
		neuroticism, openness, demographics, created_at FROM profiles WHERE participant_id = ?`, participantID).
		Scan(&p.ParticipantID, &answers, &p.Traits.Extraversion, &p.Traits.Agreeableness, &p.Traits.Conscientiousness,
			&p.Traits.Neuroticism, &p.Traits.Openness, &demo, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answers), &p.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if err := json.Unmarshal([]byte(demo), &p.Demographics); err != nil {
		return nil, fmt.Errorf("decode demographics: %w", err)
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func (s *SQLiteStore) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	unlock := s.locks.Lock(a.ParticipantID)
	defer unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAssignment(ctx, tx, a)
	})
}

func insertAssignment(ctx context.Context, tx *sql.Tx, a *models.Assignment) error {
	t1, err := json.Marshal(a.Chat1.Topic)
	if err != nil {
		return err
	}
	t2, err := json.Marshal(a.Chat2.Topic)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assignments
		(participant_id, grp, is_outlier, seed, chat1_persona, chat1_topic, chat2_persona, chat2_topic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ParticipantID, a.Group, boolToInt64(a.IsOutlier), a.Seed, a.Chat1.PersonaID, string(t1), a.Chat2.PersonaID, string(t2),
		formatTime(a.CreatedAt))
	switch {
	case isUnique(err):
		return services.ErrAssignmentExists
	case isConstraint(err):
		return services.ErrUnknownParticipant
	case err != nil:
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE participants SET grp = ?, is_outlier = ? WHERE id = ?`,
		a.Group, boolToInt64(a.IsOutlier), a.ParticipantID)
	return err
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, participantID string) (*models.Assignment, error) {
	var (
		a       models.Assignment
		outlier int64
		t1, t2  string
		created string
	)
	err := s.db.QueryRowContext(ctx, `SELECT participant_id, grp, is_outlier, seed, chat1_persona, chat1_topic,
		chat2_persona, chat2_topic, created_at FROM assignments WHERE participant_id = ?`, participantID).
		Scan(&a.ParticipantID, &a.Group, &outlier, &a.Seed, &a.Chat1.PersonaID, &t1, &a.Chat2.PersonaID, &t2, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(t1), &a.Chat1.Topic); err != nil {
		return nil, fmt.Errorf("decode chat1 topic: %w", err)
	}
	if err := json.Unmarshal([]byte(t2), &a.Chat2.Topic); err != nil {
		return nil, fmt.Errorf("decode chat2 topic: %w", err)
	}
	a.IsOutlier = outlier != 0
	a.CreatedAt = parseTime(created)
	return &a, nil
}

func (s *SQLiteStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var next int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		next, err = bumpCounter(ctx, tx, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// bumpCounter increments the named counter and returns its new value.
func bumpCounter(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = value + 1
		RETURNING value`, name).Scan(&next)
	return next, err
}

func countTurns(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, participantID string, phase int) (services.TurnCounts, error) {
	var c services.TurnCounts
	err := q.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN role = 'participant' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN role = 'agent' THEN 1 ELSE 0 END), 0)
		FROM turns WHERE participant_id = ? AND phase = ?`, participantID, phase).Scan(&c.Participant, &c.Agent)
	return c, err
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, t *models.Turn) (services.TurnCounts, error) {
	unlock := s.locks.Lock(t.ParticipantID)
	defer unlock()
	var counts services.TurnCounts
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var assigned int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM assignments WHERE participant_id = ?`, t.ParticipantID).Scan(&assigned); err != nil {
			return err
		}
		if assigned == 0 {
			return services.ErrNoAssignment
		}
		if t.Role == models.RoleParticipant {
			var phase int
			if err := tx.QueryRowContext(ctx, `SELECT phase FROM participants WHERE id = ?`, t.ParticipantID).Scan(&phase); err != nil {
				return err
			}
			if want, ok := models.ChatPhase(t.Phase); !ok || models.Phase(phase) != want {
				return services.ErrPhaseConflict
			}
		}
		seq, err := insertTurn(ctx, tx, t)
		if err != nil {
			return err
		}
		t.Seq = seq
		counts, err = countTurns(ctx, tx, t.ParticipantID, t.Phase)
		return err
	})
	return counts, err
}

func insertTurn(ctx context.Context, tx *sql.Tx, t *models.Turn) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO turns
		(participant_id, phase, role, persona_id, topic_id, model, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ParticipantID, t.Phase, t.Role, t.PersonaID, t.TopicID, t.Model, t.Content, formatTime(t.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const turnColumns = `seq, participant_id, phase, role, persona_id, topic_id, model, content, created_at`

func (s *SQLiteStore) queryTurns(ctx context.Context, query string, args ...any) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Turn{}
	for rows.Next() {
		var (
			t       models.Turn
			created string
		)
		if err := rows.Scan(&t.Seq, &t.ParticipantID, &t.Phase, &t.Role, &t.PersonaID, &t.TopicID, &t.Model, &t.Content, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTurns(ctx context.Context, participantID string, phase int) ([]models.Turn, error) {
	return s.queryTurns(ctx, `SELECT `+turnColumns+` FROM turns WHERE participant_id = ? AND phase = ? ORDER BY seq`, participantID, phase)
}

func (s *SQLiteStore) CountTurns(ctx context.Context, participantID string, phase int) (services.TurnCounts, error) {
	return countTurns(ctx, s.db, participantID, phase)
}

func (s *SQLiteStore) ListAllTurns(ctx context.Context) ([]models.Turn, error) {
	return s.queryTurns(ctx, `SELECT `+turnColumns+` FROM turns ORDER BY participant_id, phase, seq`)
}

func (s *SQLiteStore) AddRating(ctx context.Context, r *models.Rating) error {
	unlock := s.locks.Lock(r.ParticipantID)
	defer unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertRating(ctx, tx, r)
	})
}

func insertRating(ctx context.Context, tx *sql.Tx, r *models.Rating) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return err
	}
	aggs, err := json.Marshal(r.Aggregates)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ratings
		(participant_id, phase, persona_id, topic_id, items, aggregates, open_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ParticipantID, r.Phase, r.PersonaID, r.TopicID, string(items), string(aggs), r.OpenResponse, formatTime(r.CreatedAt))
	switch {
	case isUnique(err):
		return services.ErrRatingExists
	case isConstraint(err):
		return services.ErrUnknownParticipant
	}
	return err
}

const ratingColumns = `participant_id, phase, persona_id, topic_id, items, aggregates, open_response, created_at`

func scanRating(row rowScanner) (*models.Rating, error) {
	var (
		r       models.Rating
		items   string
		aggs    string
		created string
	)
	if err := row.Scan(&r.ParticipantID, &r.Phase, &r.PersonaID, &r.TopicID, &items, &aggs, &r.OpenResponse, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &r.Items); err != nil {
		return nil, fmt.Errorf("decode rating items: %w", err)
	}
	if err := json.Unmarshal([]byte(aggs), &r.Aggregates); err != nil {
		return nil, fmt.Errorf("decode rating aggregates: %w", err)
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func (s *SQLiteStore) GetRating(ctx context.Context, participantID string, phase int) (*models.Rating, error) {
	r, err := scanRating(s.db.QueryRowContext(ctx, `SELECT `+ratingColumns+` FROM ratings WHERE participant_id = ? AND phase = ?`, participantID, phase))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListAllRatings(ctx context.Context) ([]models.Rating, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ratingColumns+` FROM ratings ORDER BY participant_id, phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Rating{}
	for rows.Next() {
		r, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddPreference(ctx context.Context, p *models.Preference) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertPreference(ctx, tx, p)
	})
}

func insertPreference(ctx context.Context, tx *sql.Tx, p *models.Preference) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO preferences (participant_id, preferred, reason, created_at) VALUES (?, ?, ?, ?)`,
		p.ParticipantID, p.Preferred, p.Reason, formatTime(p.CreatedAt))
	switch {
	case isUnique(err):
		return services.ErrPreferenceExists
	case isConstraint(err):
		return services.ErrUnknownParticipant
	}
	return err
}

func scanPreference(row rowScanner) (*models.Preference, error) {
	var (
		p       models.Preference
		created string
	)
	if err := row.Scan(&p.ParticipantID, &p.Preferred, &p.Reason, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func (s *SQLiteStore) GetPreference(ctx context.Context, participantID string) (*models.Preference, error) {
	p, err := scanPreference(s.db.QueryRowContext(ctx,
		`SELECT participant_id, preferred, reason, created_at FROM preferences WHERE participant_id = ?`, participantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) ListPreferences(ctx context.Context) ([]models.Preference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT participant_id, preferred, reason, created_at FROM preferences ORDER BY participant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Preference{}
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RestoreParticipant writes one imported participant and everything attached to it in a single transaction.
func (s *SQLiteStore) RestoreParticipant(ctx context.Context, rec *services.ParticipantRecord) error {
	p := rec.Participant
	unlock := s.locks.Lock(p.ID)
	defer unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO participants (`+participantColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, formatTime(p.CreatedAt), int(p.Phase), p.Group, boolToInt64(p.IsOutlier), nullTime(p.CompletedAt))
		if isUnique(err) {
			return services.ErrParticipantExists
		}
		if err != nil {
			return err
		}
		if rec.Profile != nil {
			if err := insertProfile(ctx, tx, rec.Profile); err != nil {
				return err
			}
		}
		if rec.Assignment != nil {
			if err := insertAssignment(ctx, tx, rec.Assignment); err != nil {
				return err
			}
			// Restored allocations count towards the balance of later ones.
			if _, err := bumpCounter(ctx, tx, services.GroupAllocationCounter); err != nil {
				return err
			}
		}
		for i := range rec.Turns {
			if _, err := insertTurn(ctx, tx, &rec.Turns[i]); err != nil {
				return err
			}
		}
		for i := range rec.Ratings {
			if err := insertRating(ctx, tx, &rec.Ratings[i]); err != nil {
				return err
			}
		}
		if rec.Preference != nil {
			if err := insertPreference(ctx, tx, rec.Preference); err != nil {
				return err
			}
		}
		return nil
	})
}
