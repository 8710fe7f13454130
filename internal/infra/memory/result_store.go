package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"medquiz-service/internal/domain"
)

// ResultStore is an in-memory implementation of app.ResultStore, used by
// tests and by store-less runs. Rows keep insertion order so ranked reads
// are stable the way the remote store's are.
type ResultStore struct {
	mu       sync.Mutex
	results  []domain.ResultRecord
	profiles map[string]domain.Profile
	configs  map[string][]domain.QuizConfig
	nextID   int
}

func NewResultStore() *ResultStore {
	return &ResultStore{
		profiles: make(map[string]domain.Profile),
		configs:  make(map[string][]domain.QuizConfig),
	}
}

func (s *ResultStore) CreateResult(_ context.Context, rec domain.ResultRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = "result-" + strconv.Itoa(s.nextID)
	s.results = append(s.results, rec)
	return rec.ID, nil
}

// ResultsByQuiz returns rows for one quiz ordered by score descending,
// ties in insertion order.
func (s *ResultStore) ResultsByQuiz(_ context.Context, quizID string) ([]domain.ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ResultRecord
	for _, rec := range s.results {
		if rec.QuizID == quizID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (s *ResultStore) Profile(_ context.Context, userID string) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	return profile, nil
}

func (s *ResultStore) SaveProfile(_ context.Context, profile domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ID] = profile
	return nil
}

func (s *ResultStore) SaveConfiguration(_ context.Context, userID string, cfg domain.QuizConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[userID] = append(s.configs[userID], cfg)
	return nil
}

// Results returns a copy of every stored record, insertion order.
func (s *ResultStore) Results() []domain.ResultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ResultRecord(nil), s.results...)
}

// Configurations returns the telemetry rows saved for one user.
func (s *ResultStore) Configurations(userID string) []domain.QuizConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.QuizConfig(nil), s.configs[userID]...)
}
