package app

import (
	"context"

	"medquiz-service/internal/domain"
)

// QuestionSource produces questions for a topic scope and answers free-text
// follow-up doubts. Implementations are remote and failure-prone; callers
// treat every error as "try again later".
type QuestionSource interface {
	Generate(ctx context.Context, scope string, difficulty domain.Difficulty) (domain.Question, error)
	AnswerDoubt(ctx context.Context, req domain.DoubtRequest) (string, error)
}

// ResultStore persists completed attempts and quiz telemetry, and serves
// ranked retrieval and minimal user profiles.
type ResultStore interface {
	CreateResult(ctx context.Context, rec domain.ResultRecord) (string, error)
	ResultsByQuiz(ctx context.Context, quizID string) ([]domain.ResultRecord, error)
	Profile(ctx context.Context, userID string) (domain.Profile, error)
	SaveProfile(ctx context.Context, profile domain.Profile) error
	SaveConfiguration(ctx context.Context, userID string, cfg domain.QuizConfig) error
}

// Identity is the injected "current user" capability. Anonymous sessions
// report ok=false; they can play but their results are not persisted.
type Identity interface {
	CurrentUser(ctx context.Context) (domain.User, bool)
}

// IdentityFunc adapts a closure to Identity.
type IdentityFunc func(ctx context.Context) (domain.User, bool)

func (f IdentityFunc) CurrentUser(ctx context.Context) (domain.User, bool) { return f(ctx) }

// Anonymous is the identity of a signed-out session.
var Anonymous Identity = IdentityFunc(func(context.Context) (domain.User, bool) {
	return domain.User{}, false
})
