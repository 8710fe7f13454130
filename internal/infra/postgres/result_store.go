package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"medquiz-service/internal/domain"
)

// ResultStore persists quiz results, profiles and setup telemetry in
// Postgres. Ranked reads order by score descending with creation time as
// the stable tie-break, matching the insertion-order contract.
type ResultStore struct {
	pool *pgxpool.Pool
}

func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

func (s *ResultStore) CreateResult(ctx context.Context, rec domain.ResultRecord) (string, error) {
	var userID interface{}
	if rec.UserID != "" {
		userID = rec.UserID
	}
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quiz_results (quiz_id, user_id, user_name, score, total_questions, time_taken)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		rec.QuizID, userID, rec.UserName, rec.Score, rec.TotalQuestions, rec.TimeTakenSeconds,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert quiz result: %w", err)
	}
	return id, nil
}

func (s *ResultStore) ResultsByQuiz(ctx context.Context, quizID string) ([]domain.ResultRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, quiz_id, COALESCE(user_id, ''), user_name, score, total_questions, time_taken, created_at
		FROM quiz_results
		WHERE quiz_id = $1
		ORDER BY score DESC, created_at ASC`,
		quizID,
	)
	if err != nil {
		return nil, fmt.Errorf("query quiz results: %w", err)
	}
	defer rows.Close()

	var records []domain.ResultRecord
	for rows.Next() {
		var rec domain.ResultRecord
		if err := rows.Scan(&rec.ID, &rec.QuizID, &rec.UserID, &rec.UserName, &rec.Score, &rec.TotalQuestions, &rec.TimeTakenSeconds, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quiz result: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *ResultStore) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	var profile domain.Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(college_name, '')
		FROM profiles
		WHERE id = $1`,
		userID,
	).Scan(&profile.ID, &profile.Name, &profile.Affiliation)
	if err == pgx.ErrNoRows {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("query profile: %w", err)
	}
	return profile, nil
}

func (s *ResultStore) SaveProfile(ctx context.Context, profile domain.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, name, college_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, college_name = EXCLUDED.college_name`,
		profile.ID, profile.Name, profile.Affiliation,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// SaveConfiguration records the setup choices a signed-in user made.
// Counts and limits are stored in their sentinel form.
func (s *ResultStore) SaveConfiguration(ctx context.Context, userID string, cfg domain.QuizConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quiz_configurations (user_id, subject, chapter, topic, difficulty, question_count, time_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, cfg.Subject, cfg.Chapter, cfg.Topic, string(cfg.Difficulty),
		boundString(cfg.QuestionCount), boundString(cfg.TimeLimitSeconds),
	)
	if err != nil {
		return fmt.Errorf("insert quiz configuration: %w", err)
	}
	return nil
}

func boundString(n int) string {
	if n <= 0 {
		return domain.NoLimit
	}
	return fmt.Sprintf("%d", n)
}
