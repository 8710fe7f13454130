package memory

import (
	"context"
	"sync"

	"medquiz-service/internal/domain"
)

// QuestionSource serves questions from a fixed in-memory queue (useful for
// tests and store-less demo runs). It records every scope it was asked for.
type QuestionSource struct {
	mu        sync.Mutex
	queue     []domain.Question
	cursor    int
	scopes    []string
	doubt     string
	doubtErr  error
	generated int
}

// NewQuestionSource builds a source that hands out the given questions in
// order, cycling when the queue is exhausted.
func NewQuestionSource(questions []domain.Question) *QuestionSource {
	return &QuestionSource{queue: questions, doubt: "The explanation covers this; the marked option is correct."}
}

func (s *QuestionSource) Generate(_ context.Context, scope string, _ domain.Difficulty) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scopes = append(s.scopes, scope)
	if len(s.queue) == 0 {
		return domain.Question{}, domain.ErrQuestionUnavailable
	}
	q := s.queue[s.cursor%len(s.queue)]
	s.cursor++
	s.generated++
	return q, nil
}

func (s *QuestionSource) AnswerDoubt(_ context.Context, req domain.DoubtRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doubtErr != nil {
		return "", s.doubtErr
	}
	return s.doubt, nil
}

// SetDoubtAnswer scripts the doubt reply.
func (s *QuestionSource) SetDoubtAnswer(answer string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doubt = answer
	s.doubtErr = err
}

// Scopes returns the scope strings passed to Generate, in order.
func (s *QuestionSource) Scopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scopes...)
}

// Generated reports how many questions were handed out.
func (s *QuestionSource) Generated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generated
}

// SampleQuestions is a minimal seeded bank for demo runs without an
// OpenAI key configured.
func SampleQuestions() []domain.Question {
	return []domain.Question{
		{
			Prompt: "Which nerve is most commonly injured in a mid-shaft humeral fracture?",
			Options: []string{
				"A. Median nerve",
				"B. Radial nerve",
				"C. Ulnar nerve",
				"D. Axillary nerve",
			},
			CorrectLetter: "B",
			Explanation:   "The radial nerve runs in the spiral groove of the humerus and is vulnerable in mid-shaft fractures.",
			Subject:       "Anatomy",
		},
		{
			Prompt: "Which muscle initiates abduction of the shoulder joint?",
			Options: []string{
				"A. Deltoid",
				"B. Trapezius",
				"C. Supraspinatus",
				"D. Serratus anterior",
			},
			CorrectLetter: "C",
			Explanation:   "Supraspinatus initiates the first 15 degrees of abduction before the deltoid takes over.",
			Subject:       "Anatomy",
		},
	}
}
