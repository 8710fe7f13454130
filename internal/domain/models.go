package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NoLimit is the sentinel the setup form uses for unbounded question
// counts and time limits.
const NoLimit = "No Limit"

// AdHocQuizID marks attempts that are not tied to a stored quiz.
const AdHocQuizID = "ai-generated"

// CompleteSubject is the chapter value meaning "quiz over the whole subject".
const CompleteSubject = "Complete Subject"

// Difficulty of generated questions.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty validates a difficulty string.
func ParseDifficulty(raw string) (Difficulty, error) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(raw))) {
	case DifficultyEasy:
		return DifficultyEasy, nil
	case DifficultyMedium:
		return DifficultyMedium, nil
	case DifficultyHard:
		return DifficultyHard, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDifficulty, raw)
}

// DisclosureMode controls when correctness and explanations are revealed.
type DisclosureMode string

const (
	// DisclosureImmediate reveals correctness after every answer.
	DisclosureImmediate DisclosureMode = "immediate"
	// DisclosureDeferred withholds all feedback until completion.
	DisclosureDeferred DisclosureMode = "deferred"
)

// TimerScope selects whether the countdown covers each question or the
// whole attempt. It is a single switch applied consistently.
type TimerScope string

const (
	TimerPerQuestion TimerScope = "per-question"
	TimerAttempt     TimerScope = "attempt"
)

// QuizConfig is the immutable configuration of one quiz attempt.
// Zero QuestionCount / TimeLimitSeconds mean unbounded.
type QuizConfig struct {
	Subject          string
	Chapter          string
	Topic            string
	Difficulty       Difficulty
	QuestionCount    int
	TimeLimitSeconds int
	TimerScope       TimerScope
	Disclosure       DisclosureMode
	QuizID           string
	Preloaded        []Question
}

// ParseConfig builds a QuizConfig from raw setup-form values. Missing
// required fields and malformed sentinels are rejected locally.
func ParseConfig(subject, chapter, topic, difficulty, count, timeLimit, timerScope, disclosure, quizID string) (QuizConfig, error) {
	subject = strings.TrimSpace(subject)
	chapter = strings.TrimSpace(chapter)
	if subject == "" || chapter == "" {
		return QuizConfig{}, ErrMissingField
	}

	diff, err := ParseDifficulty(difficulty)
	if err != nil {
		return QuizConfig{}, err
	}

	questionCount, err := parseBound(count)
	if err != nil {
		return QuizConfig{}, fmt.Errorf("question count: %w", err)
	}
	limitSeconds, err := parseBound(timeLimit)
	if err != nil {
		return QuizConfig{}, fmt.Errorf("time limit: %w", err)
	}

	scope := TimerPerQuestion
	if timerScope != "" {
		switch TimerScope(timerScope) {
		case TimerPerQuestion, TimerAttempt:
			scope = TimerScope(timerScope)
		default:
			return QuizConfig{}, fmt.Errorf("%w: timer scope %q", ErrInvalidConfig, timerScope)
		}
	}

	mode := DisclosureImmediate
	if disclosure != "" {
		switch DisclosureMode(disclosure) {
		case DisclosureImmediate, DisclosureDeferred:
			mode = DisclosureMode(disclosure)
		default:
			return QuizConfig{}, fmt.Errorf("%w: disclosure %q", ErrInvalidConfig, disclosure)
		}
	}

	if quizID == "" {
		quizID = AdHocQuizID
	}

	return QuizConfig{
		Subject:          subject,
		Chapter:          chapter,
		Topic:            strings.TrimSpace(topic),
		Difficulty:       diff,
		QuestionCount:    questionCount,
		TimeLimitSeconds: limitSeconds,
		TimerScope:       scope,
		Disclosure:       mode,
		QuizID:           quizID,
	}, nil
}

// parseBound interprets the setup form's count/limit values: the NoLimit
// sentinel maps to zero, anything else must be a positive integer.
func parseBound(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == NoLimit {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidConfig, raw)
	}
	return n, nil
}

// Bounded reports whether the attempt has a fixed question count.
func (c QuizConfig) Bounded() bool { return c.QuestionCount > 0 }

// Timed reports whether the attempt runs against a countdown.
func (c QuizConfig) Timed() bool { return c.TimeLimitSeconds > 0 }

// Scope builds the topic scope string sent to the question source.
// A "Complete Subject" chapter collapses to the bare subject.
func (c QuizConfig) Scope() string {
	if c.Chapter == CompleteSubject {
		return c.Subject
	}
	topicString := c.Chapter
	if c.Topic != "" {
		topicString = c.Chapter + " - " + c.Topic
	}
	return c.Subject + " - " + topicString
}

// Question is a four-option MCQ. Options carry stable "A. " style letter
// prefixes and CorrectLetter names exactly one of them.
type Question struct {
	Prompt        string   `json:"question"`
	Options       []string `json:"options"`
	CorrectLetter string   `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
	Subject       string   `json:"subject"`
}

// OptionLetters in presentation order.
var OptionLetters = []string{"A", "B", "C", "D"}

// OptionLetter extracts the letter prefix of an option string.
func OptionLetter(option string) string {
	if option == "" {
		return ""
	}
	return option[:1]
}

// Validate checks the option-letter invariant: exactly four options, and
// CorrectLetter matching the prefix of exactly one of them.
func (q Question) Validate() error {
	if len(q.Options) != len(OptionLetters) {
		return fmt.Errorf("%w: %d options", ErrMalformedQuestion, len(q.Options))
	}
	matches := 0
	for _, opt := range q.Options {
		if OptionLetter(opt) == q.CorrectLetter {
			matches++
		}
	}
	if matches != 1 {
		return fmt.Errorf("%w: correct letter %q matches %d options", ErrMalformedQuestion, q.CorrectLetter, matches)
	}
	return nil
}

// ResultRecord is one persisted completed attempt. It is written at most
// once per completion and never mutated.
type ResultRecord struct {
	ID               string    `json:"id"`
	QuizID           string    `json:"quizId"`
	UserID           string    `json:"userId,omitempty"`
	UserName         string    `json:"userName"`
	Score            int       `json:"score"`
	TotalQuestions   int       `json:"totalQuestions"`
	TimeTakenSeconds *int      `json:"timeTakenSeconds,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Ranking is one derived leaderboard row.
type Ranking struct {
	Rank           int       `json:"rank"`
	UserName       string    `json:"userName"`
	Affiliation    string    `json:"affiliation"`
	Score          int       `json:"score"`
	TotalQuestions int       `json:"totalQuestions"`
	Percentage     int       `json:"percentage"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Profile is the minimal user profile the review surface needs.
type Profile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Affiliation string `json:"affiliation"`
}

// User is the authenticated identity, injected rather than looked up
// ambiently so the engines stay testable with a fake.
type User struct {
	ID   string
	Name string
}

// DoubtRole tags transcript turns.
type DoubtRole string

const (
	RoleDoubt  DoubtRole = "doubt"
	RoleAnswer DoubtRole = "answer"
)

// DoubtTurn is one turn in a per-question doubt transcript.
type DoubtTurn struct {
	Role DoubtRole `json:"role"`
	Text string    `json:"text"`
}

// DoubtRequest carries the question context alongside the user's free-text
// query to the question source.
type DoubtRequest struct {
	UserText      string
	Prompt        string
	Options       []string
	CorrectLetter string
	Explanation   string
}

// Summary is the final score view of a completed attempt.
type Summary struct {
	Score      int `json:"score"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}
