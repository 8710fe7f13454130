package app

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"
	"sync"

	"medquiz-service/internal/domain"
)

// OptionReview flags one option for the review surface. Correct and
// Selected are independent: an option can be correct-but-unselected,
// selected-but-incorrect, both, or neither.
type OptionReview struct {
	Letter   string `json:"letter"`
	Text     string `json:"text"`
	Correct  bool   `json:"correct"`
	Selected bool   `json:"selected"`
}

// QuestionReview is the per-question breakdown shown after completion.
type QuestionReview struct {
	Index       int                `json:"index"`
	Prompt      string             `json:"prompt"`
	Options     []OptionReview     `json:"options"`
	Explanation string             `json:"explanation"`
	Answered    bool               `json:"answered"`
	Correct     bool               `json:"correct"`
	Transcript  []domain.DoubtTurn `json:"transcript,omitempty"`
}

// ReviewService owns post-completion state: score summary, per-question
// review, leaderboard composition and the doubt side-channel. Doubt
// transcripts are append-only per question index.
type ReviewService struct {
	source QuestionSource
	store  ResultStore

	mu          sync.Mutex
	transcripts map[string]map[int][]domain.DoubtTurn // attempt id -> question index -> turns
}

// NewReviewService builds a review engine over the shared collaborators.
func NewReviewService(source QuestionSource, store ResultStore) *ReviewService {
	return &ReviewService{
		source:      source,
		store:       store,
		transcripts: make(map[string]map[int][]domain.DoubtTurn),
	}
}

// Summarize computes the final score view. A zero total yields a zero
// summary rather than a division.
func (s *ReviewService) Summarize(attempt *Attempt) domain.Summary {
	_, _, score, total, _ := attempt.snapshotForReview()
	if total <= 0 {
		return domain.Summary{}
	}
	return domain.Summary{
		Score:      score,
		Total:      total,
		Percentage: Percentage(score, total),
	}
}

// Percentage is round(score/total*100); zero for an empty total.
func Percentage(score, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(score) / float64(total) * 100))
}

// Review returns the per-option breakdown for one answered-or-skipped
// question of a completed attempt.
func (s *ReviewService) Review(attempt *Attempt, index int) (QuestionReview, error) {
	questions, answers, _, _, complete := attempt.snapshotForReview()
	if !complete {
		return QuestionReview{}, domain.ErrAttemptNotComplete
	}
	if index < 0 || index >= len(questions) {
		return QuestionReview{}, domain.ErrNoSuchQuestion
	}

	q := questions[index]
	selected, answered := answers[index]
	review := QuestionReview{
		Index:       index,
		Prompt:      q.Prompt,
		Explanation: q.Explanation,
		Answered:    answered,
		Correct:     answered && selected == q.CorrectLetter,
		Transcript:  s.transcript(attempt.ID(), index),
	}
	for _, opt := range q.Options {
		letter := domain.OptionLetter(opt)
		review.Options = append(review.Options, OptionReview{
			Letter:   letter,
			Text:     opt,
			Correct:  letter == q.CorrectLetter,
			Selected: answered && letter == selected,
		})
	}
	return review, nil
}

// Leaderboard composes the ranked board for one quiz. An absent quiz id
// yields an empty board, and every remote failure degrades to an empty or
// partially annotated board rather than an error.
func (s *ReviewService) Leaderboard(ctx context.Context, quizID string) []domain.Ranking {
	if quizID == "" {
		return nil
	}
	records, err := s.store.ResultsByQuiz(ctx, quizID)
	if err != nil {
		log.Printf("leaderboard for %s: %v", quizID, err)
		return nil
	}

	// The store already orders by score; the stable re-sort keeps ties in
	// insertion order even for stores that do not.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Score > records[j].Score
	})

	rankings := make([]domain.Ranking, 0, len(records))
	for i, rec := range records {
		rankings = append(rankings, domain.Ranking{
			Rank:           i + 1,
			UserName:       rec.UserName,
			Affiliation:    s.affiliation(ctx, rec.UserID),
			Score:          rec.Score,
			TotalQuestions: rec.TotalQuestions,
			Percentage:     Percentage(rec.Score, rec.TotalQuestions),
			CreatedAt:      rec.CreatedAt,
		})
	}
	return rankings
}

func (s *ReviewService) affiliation(ctx context.Context, userID string) string {
	if userID == "" {
		return "Not specified"
	}
	profile, err := s.store.Profile(ctx, userID)
	if err != nil || profile.Affiliation == "" {
		return "Not specified"
	}
	return profile.Affiliation
}

// UserRank finds the 1-based position of a record on a board, zero when
// absent.
func UserRank(rankings []domain.Ranking, userName string, score, total int) int {
	for _, r := range rankings {
		if r.UserName == userName && r.Score == score && r.TotalQuestions == total {
			return r.Rank
		}
	}
	return 0
}

// PerformanceBand labels a percentage the way the results page does.
func PerformanceBand(percentage int) string {
	switch {
	case percentage >= 80:
		return "Excellent"
	case percentage >= 60:
		return "Good"
	case percentage >= 40:
		return "Fair"
	default:
		return "Needs Improvement"
	}
}

// AskDoubt forwards a free-text question about one quiz question to the
// question source. Empty input is rejected before any remote call. The
// user's turn is always appended; the answer turn only on success.
func (s *ReviewService) AskDoubt(ctx context.Context, attempt *Attempt, index int, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.ErrEmptyDoubt
	}

	questions, _, _, _, _ := attempt.snapshotForReview()
	if index < 0 || index >= len(questions) {
		return "", domain.ErrNoSuchQuestion
	}
	q := questions[index]

	s.appendTurn(attempt.ID(), index, domain.DoubtTurn{Role: domain.RoleDoubt, Text: text})

	answer, err := s.source.AnswerDoubt(ctx, domain.DoubtRequest{
		UserText:      text,
		Prompt:        q.Prompt,
		Options:       q.Options,
		CorrectLetter: q.CorrectLetter,
		Explanation:   q.Explanation,
	})
	if err != nil {
		log.Printf("doubt for attempt %s question %d: %v", attempt.ID(), index, err)
		return "", err
	}

	s.appendTurn(attempt.ID(), index, domain.DoubtTurn{Role: domain.RoleAnswer, Text: answer})
	return answer, nil
}

// DisplayName resolves the signed-in user's profile name, defaulting to
// "User" on any failure so a broken profile lookup never hides the score.
func (s *ReviewService) DisplayName(ctx context.Context, identity Identity) string {
	user, ok := identity.CurrentUser(ctx)
	if !ok {
		return "User"
	}
	profile, err := s.store.Profile(ctx, user.ID)
	if err != nil || profile.Name == "" {
		if user.Name != "" {
			return user.Name
		}
		return "User"
	}
	return profile.Name
}

func (s *ReviewService) appendTurn(attemptID string, index int, turn domain.DoubtTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byQuestion, ok := s.transcripts[attemptID]
	if !ok {
		byQuestion = make(map[int][]domain.DoubtTurn)
		s.transcripts[attemptID] = byQuestion
	}
	byQuestion[index] = append(byQuestion[index], turn)
}

func (s *ReviewService) transcript(attemptID string, index int) []domain.DoubtTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.transcripts[attemptID][index]
	return append([]domain.DoubtTurn(nil), turns...)
}

// Transcript returns a copy of the doubt transcript for one question.
func (s *ReviewService) Transcript(attemptID string, index int) []domain.DoubtTurn {
	return s.transcript(attemptID, index)
}
