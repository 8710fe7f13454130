package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medquiz-service/internal/app"
	"medquiz-service/internal/domain"
	"medquiz-service/internal/infra/memory"
)

func signedIn(id, name string) app.Identity {
	return app.IdentityFunc(func(context.Context) (domain.User, bool) {
		return domain.User{ID: id, Name: name}, true
	})
}

func questionBank() []domain.Question {
	return []domain.Question{
		{
			Prompt:        "Which nerve runs in the spiral groove?",
			Options:       []string{"A. Median", "B. Radial", "C. Ulnar", "D. Axillary"},
			CorrectLetter: "B",
			Explanation:   "The radial nerve runs in the spiral groove.",
			Subject:       "Anatomy",
		},
		{
			Prompt:        "Which muscle initiates shoulder abduction?",
			Options:       []string{"A. Deltoid", "B. Trapezius", "C. Supraspinatus", "D. Serratus anterior"},
			CorrectLetter: "C",
			Explanation:   "Supraspinatus initiates the first degrees of abduction.",
			Subject:       "Anatomy",
		},
	}
}

func boundedConfig(count int) domain.QuizConfig {
	return domain.QuizConfig{
		Subject:       "Anatomy",
		Chapter:       "Upper Limb",
		Difficulty:    domain.DifficultyEasy,
		QuestionCount: count,
		TimerScope:    domain.TimerPerQuestion,
		Disclosure:    domain.DisclosureImmediate,
		QuizID:        "quiz-1",
	}
}

func TestImmediateScoringFlow(t *testing.T) {
	ctx := context.Background()
	source := memory.NewQuestionSource(questionBank())
	store := memory.NewResultStore()
	attempt := app.NewAttempt(boundedConfig(2), source, store, signedIn("u1", "Alice"))

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := attempt.Select("B")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !result.Disclosed || !result.Correct || result.Score != 1 {
		t.Fatalf("expected disclosed correct answer with score 1, got %+v", result)
	}
	if result.Explanation == "" {
		t.Fatalf("expected explanation in immediate mode")
	}

	// Second selection on the same question is rejected.
	if _, err := attempt.Select("A"); !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}

	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := attempt.Select("A"); err != nil { // wrong on purpose
		t.Fatalf("select q2: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("final advance: %v", err)
	}

	snap := attempt.Snapshot()
	if !snap.Complete || snap.Phase != app.PhaseComplete {
		t.Fatalf("expected complete attempt, got %+v", snap)
	}
	if snap.Score != 1 {
		t.Fatalf("expected final score 1, got %d", snap.Score)
	}

	results := store.Results()
	if len(results) != 1 {
		t.Fatalf("expected 1 stored result, got %d", len(results))
	}
	rec := results[0]
	if rec.Score != 1 || rec.TotalQuestions != 2 || rec.QuizID != "quiz-1" || rec.UserName != "Alice" {
		t.Fatalf("unexpected stored record %+v", rec)
	}
}

func TestDeferredDisclosureWithholdsAndRecomputes(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(2)
	cfg.Disclosure = domain.DisclosureDeferred
	source := memory.NewQuestionSource(questionBank())
	store := memory.NewResultStore()
	attempt := app.NewAttempt(cfg, source, store, signedIn("u1", "Alice"))

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := attempt.Select("B")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if result.Disclosed || result.Correct || result.CorrectLetter != "" || result.Explanation != "" {
		t.Fatalf("deferred mode leaked disclosure: %+v", result)
	}
	if snap := attempt.Snapshot(); snap.Question.CorrectLetter != "" || snap.Question.Explanation != "" {
		t.Fatalf("deferred snapshot leaked the answer: %+v", snap.Question)
	}
	if snap := attempt.Snapshot(); snap.Score != 0 {
		t.Fatalf("deferred mode should not tick the visible score, got %d", snap.Score)
	}

	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := attempt.Select("C"); err != nil {
		t.Fatalf("select q2: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("final advance: %v", err)
	}

	// Both selections were correct; completion recomputes wholesale.
	if snap := attempt.Snapshot(); snap.Score != 2 {
		t.Fatalf("expected recomputed score 2, got %d", snap.Score)
	}
}

func TestScopeStringReachesSource(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(1)
	source := memory.NewQuestionSource(questionBank())
	attempt := app.NewAttempt(cfg, source, memory.NewResultStore(), app.Anonymous)

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	scopes := source.Scopes()
	if len(scopes) != 1 || scopes[0] != "Anatomy - Upper Limb" {
		t.Fatalf("expected scope \"Anatomy - Upper Limb\", got %v", scopes)
	}
}

func TestPreloadedQuestionsBypassGeneration(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(2)
	cfg.Preloaded = questionBank()
	source := memory.NewQuestionSource(nil) // would fail if asked
	attempt := app.NewAttempt(cfg, source, memory.NewResultStore(), app.Anonymous)

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := source.Generated(); got != 0 {
		t.Fatalf("expected no generation calls, got %d", got)
	}
}

func TestFailedFetchStaysLoading(t *testing.T) {
	ctx := context.Background()
	source := memory.NewQuestionSource(nil)
	attempt := app.NewAttempt(boundedConfig(3), source, memory.NewResultStore(), app.Anonymous)

	err := attempt.Start(ctx)
	if !errors.Is(err, domain.ErrQuestionUnavailable) {
		t.Fatalf("expected ErrQuestionUnavailable, got %v", err)
	}
	snap := attempt.Snapshot()
	if snap.Phase != app.PhaseLoading || snap.Question != nil {
		t.Fatalf("expected loading phase with no question, got %+v", snap)
	}
	if _, err := attempt.Select("A"); !errors.Is(err, domain.ErrQuestionUnavailable) {
		t.Fatalf("expected selection rejected while loading, got %v", err)
	}
}

func TestTimeoutBehavesLikeAdvanceWithoutSelection(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(3)
	cfg.TimeLimitSeconds = 2
	source := memory.NewQuestionSource(questionBank())
	store := memory.NewResultStore()
	attempt := app.NewAttempt(cfg, source, store, signedIn("u1", "Alice"))

	events, cancel := attempt.Subscribe()
	defer cancel()

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if res := attempt.Tick(ctx); res.Remaining != 1 || res.Expired {
		t.Fatalf("unexpected first tick %+v", res)
	}
	res := attempt.Tick(ctx)
	if !res.Expired {
		t.Fatalf("expected expiry on second tick, got %+v", res)
	}

	// The attempt reached question 2 with question 1 unanswered.
	snap := attempt.Snapshot()
	if snap.QuestionNumber != 2 || snap.Phase != app.PhasePresenting {
		t.Fatalf("expected question 2 presenting, got %+v", snap)
	}
	if snap.Remaining != 2 {
		t.Fatalf("expected per-question clock reset to 2, got %d", snap.Remaining)
	}

	expectEvent(t, events, app.EventTimeExpired)
	expectEvent(t, events, app.EventQuestionAdvanced)

	// Answer the remaining two questions correctly.
	if _, err := attempt.Select("C"); err != nil {
		t.Fatalf("select q2: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select q3: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("final advance: %v", err)
	}

	// Question 1 timed out unanswered and counts as incorrect.
	if snap := attempt.Snapshot(); snap.Score != 2 {
		t.Fatalf("expected score 2 of 3, got %d", snap.Score)
	}
	if results := store.Results(); len(results) != 1 || results[0].Score != 2 || results[0].TotalQuestions != 3 {
		t.Fatalf("unexpected stored results %+v", results)
	}
}

func TestExpiredNoticeFiresOnce(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(0) // unbounded
	cfg.TimeLimitSeconds = 1
	cfg.TimerScope = domain.TimerAttempt
	source := memory.NewQuestionSource(questionBank())
	attempt := app.NewAttempt(cfg, source, memory.NewResultStore(), app.Anonymous)

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := attempt.Tick(ctx)
	if !first.Expired || !first.Completed {
		t.Fatalf("expected expiry completing the attempt, got %+v", first)
	}
	second := attempt.Tick(ctx)
	if second.Expired {
		t.Fatalf("expiry notice fired twice")
	}
}

func TestPerQuestionClockPausesWhileAnswered(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(2)
	cfg.TimeLimitSeconds = 30
	source := memory.NewQuestionSource(questionBank())
	attempt := app.NewAttempt(cfg, source, memory.NewResultStore(), app.Anonymous)

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	attempt.Tick(ctx)
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select: %v", err)
	}
	res := attempt.Tick(ctx)
	if res.Remaining != 29 {
		t.Fatalf("expected clock paused at 29 after answering, got %d", res.Remaining)
	}
}

func TestAttemptScopeClockRunsThroughAnswers(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(2)
	cfg.TimeLimitSeconds = 30
	cfg.TimerScope = domain.TimerAttempt
	source := memory.NewQuestionSource(questionBank())
	store := memory.NewResultStore()
	attempt := app.NewAttempt(cfg, source, store, signedIn("u1", "Alice"))

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	attempt.Tick(ctx)
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if res := attempt.Tick(ctx); res.Remaining != 28 {
		t.Fatalf("attempt clock should keep running, got %d", res.Remaining)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := attempt.Select("C"); err != nil {
		t.Fatalf("select q2: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("final advance: %v", err)
	}

	results := store.Results()
	if len(results) != 1 || results[0].TimeTakenSeconds == nil || *results[0].TimeTakenSeconds != 2 {
		t.Fatalf("expected time taken 2s, got %+v", results)
	}
}

func TestSelectionRejectedAtZeroRemaining(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(2)
	cfg.TimeLimitSeconds = 1
	cfg.TimerScope = domain.TimerAttempt
	source := memory.NewQuestionSource(questionBank())
	attempt := app.NewAttempt(cfg, source, memory.NewResultStore(), app.Anonymous)

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	attempt.Tick(ctx) // attempt clock hits zero, completes

	if _, err := attempt.Select("B"); !errors.Is(err, domain.ErrAttemptComplete) {
		t.Fatalf("expected ErrAttemptComplete, got %v", err)
	}
}

func TestSingleSubmissionPerCompletion(t *testing.T) {
	ctx := context.Background()
	source := memory.NewQuestionSource(questionBank())
	store := memory.NewResultStore()
	attempt := app.NewAttempt(boundedConfig(1), source, store, signedIn("u1", "Alice"))

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Re-evaluating the completed state must not resubmit.
	for i := 0; i < 3; i++ {
		_ = attempt.Snapshot()
		_ = attempt.Tick(ctx)
	}
	if err := attempt.Advance(ctx); !errors.Is(err, domain.ErrAttemptComplete) {
		t.Fatalf("expected ErrAttemptComplete, got %v", err)
	}
	if results := store.Results(); len(results) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(results))
	}
}

func TestAnonymousCompletionSkipsSubmission(t *testing.T) {
	ctx := context.Background()
	source := memory.NewQuestionSource(questionBank())
	store := memory.NewResultStore()
	attempt := app.NewAttempt(boundedConfig(1), source, store, app.Anonymous)

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if snap := attempt.Snapshot(); !snap.Complete || snap.Score != 1 {
		t.Fatalf("local score must survive skipped submission, got %+v", snap)
	}
	if results := store.Results(); len(results) != 0 {
		t.Fatalf("anonymous attempt must not persist, got %+v", results)
	}
}

func TestRestartResetsStateAndProducesNewRecord(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(1)
	cfg.TimeLimitSeconds = 30
	source := memory.NewQuestionSource(questionBank())
	store := memory.NewResultStore()
	attempt := app.NewAttempt(cfg, source, store, signedIn("u1", "Alice"))

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !attempt.Submitted() {
		t.Fatalf("expected first submission")
	}

	if err := attempt.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	snap := attempt.Snapshot()
	if snap.Complete || snap.Phase != app.PhasePresenting || snap.QuestionNumber != 1 {
		t.Fatalf("restart did not reset progression: %+v", snap)
	}
	if snap.Score != 0 || snap.Selected != "" || snap.Remaining != 30 {
		t.Fatalf("restart did not reset score/answers/clock: %+v", snap)
	}
	if attempt.Submitted() {
		t.Fatalf("submitted flag must reset on restart")
	}

	if _, err := attempt.Select("A"); err != nil { // wrong this time
		t.Fatalf("select after restart: %v", err)
	}
	if err := attempt.Advance(ctx); err != nil {
		t.Fatalf("advance after restart: %v", err)
	}

	results := store.Results()
	if len(results) != 2 {
		t.Fatalf("expected two independent records, got %d", len(results))
	}
	if results[0].Score != 1 || results[1].Score != 0 {
		t.Fatalf("expected scores 1 then 0, got %+v", results)
	}
}

// gatedSource blocks Generate until released, for stale-resolution tests.
// Each call signals entered before blocking.
type gatedSource struct {
	release  chan struct{}
	entered  chan struct{}
	question domain.Question

	mu    sync.Mutex
	calls int
}

func (s *gatedSource) Generate(ctx context.Context, _ string, _ domain.Difficulty) (domain.Question, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	select {
	case <-s.release:
		return s.question, nil
	case <-ctx.Done():
		return domain.Question{}, ctx.Err()
	}
}

func (s *gatedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *gatedSource) AnswerDoubt(context.Context, domain.DoubtRequest) (string, error) {
	return "", domain.ErrQuestionUnavailable
}

func TestStaleResolutionDiscardedAfterRestart(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(2)
	cfg.Preloaded = questionBank()[:1] // restart reloads instantly from preloaded
	source := &gatedSource{release: make(chan struct{}), question: questionBank()[1]}
	attempt := app.NewAttempt(cfg, source, memory.NewResultStore(), app.Anonymous)

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select: %v", err)
	}

	// Advance issues a generation request that hangs on the gate.
	advanced := make(chan error, 1)
	go func() { advanced <- attempt.Advance(ctx) }()

	waitForLoading(t, attempt)
	if err := attempt.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	close(source.release)
	if err := <-advanced; err != nil {
		t.Fatalf("advance: %v", err)
	}

	// The resolved question belonged to the old epoch and must be gone.
	snap := attempt.Snapshot()
	if snap.QuestionNumber != 1 || snap.Question == nil || snap.Question.Prompt != questionBank()[0].Prompt {
		t.Fatalf("stale resolution leaked into restarted attempt: %+v", snap)
	}
}

func TestLateFetchDiscardedAfterExpiryCompletes(t *testing.T) {
	ctx := context.Background()
	cfg := boundedConfig(2)
	cfg.TimeLimitSeconds = 1
	cfg.TimerScope = domain.TimerAttempt
	source := &gatedSource{release: make(chan struct{}), entered: make(chan struct{}, 4), question: questionBank()[0]}
	attempt := app.NewAttempt(cfg, source, memory.NewResultStore(), app.Anonymous)

	started := make(chan error, 1)
	go func() { started <- attempt.Start(ctx) }()
	<-source.entered

	// The attempt clock runs out while the fetch hangs.
	res := attempt.Tick(ctx)
	if !res.Expired || !res.Completed {
		t.Fatalf("expected expiry to complete the attempt, got %+v", res)
	}

	close(source.release)
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}

	// Complete is terminal: the late resolution must not be installed.
	snap := attempt.Snapshot()
	if !snap.Complete || snap.Phase != app.PhaseComplete {
		t.Fatalf("late fetch revived a completed attempt: %+v", snap)
	}
	if snap.Question != nil {
		t.Fatalf("late fetch leaked a question into a completed attempt: %+v", snap.Question)
	}
}

// blockingStore holds CreateResult until released.
type blockingStore struct {
	*memory.ResultStore
	release chan struct{}
}

func (s *blockingStore) CreateResult(ctx context.Context, rec domain.ResultRecord) (string, error) {
	<-s.release
	return s.ResultStore.CreateResult(ctx, rec)
}

func TestCompletionEventWaitsForSubmission(t *testing.T) {
	ctx := context.Background()
	source := memory.NewQuestionSource(questionBank())
	store := &blockingStore{ResultStore: memory.NewResultStore(), release: make(chan struct{})}
	attempt := app.NewAttempt(boundedConfig(1), source, store, signedIn("u1", "Alice"))

	events, cancel := attempt.Subscribe()
	defer cancel()

	if err := attempt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := attempt.Select("B"); err != nil {
		t.Fatalf("select: %v", err)
	}

	advanced := make(chan error, 1)
	go func() { advanced <- attempt.Advance(ctx) }()

	// While the record is unsaved no completion event may be observed.
	select {
	case event := <-events:
		if event.Type == app.EventCompleted {
			t.Fatalf("completion event published before the result was stored")
		}
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	if err := <-advanced; err != nil {
		t.Fatalf("advance: %v", err)
	}
	expectEvent(t, events, app.EventCompleted)
	if results := store.Results(); len(results) != 1 {
		t.Fatalf("expected the record stored before the event, got %d", len(results))
	}
}

func TestReloadDuringFetchIssuesOneRequest(t *testing.T) {
	ctx := context.Background()
	source := &gatedSource{release: make(chan struct{}), entered: make(chan struct{}, 4), question: questionBank()[0]}
	attempt := app.NewAttempt(boundedConfig(2), source, memory.NewResultStore(), app.Anonymous)

	started := make(chan error, 1)
	go func() { started <- attempt.Start(ctx) }()
	<-source.entered

	reloaded := make(chan error, 1)
	go func() { reloaded <- attempt.Reload(ctx) }()

	close(source.release)
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := <-reloaded; err != nil {
		t.Fatalf("reload: %v", err)
	}

	if got := source.callCount(); got != 1 {
		t.Fatalf("expected a single generation request, got %d", got)
	}
	snap := attempt.Snapshot()
	if snap.Phase != app.PhasePresenting || snap.QuestionNumber != 1 {
		t.Fatalf("unexpected state after reload: %+v", snap)
	}
}

func waitForLoading(t *testing.T, attempt *app.Attempt) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if attempt.Snapshot().Phase == app.PhaseLoading {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("attempt never entered loading")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func expectEvent(t *testing.T, events <-chan app.AttemptEvent, want app.EventType) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == want {
				return
			}
		case <-deadline:
			t.Fatalf("did not receive %s event", want)
		}
	}
}
